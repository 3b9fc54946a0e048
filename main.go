package main

import "connectorrunner/cmd"

func main() {
	cmd.Execute()
}
