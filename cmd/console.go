package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"connectorrunner/internal/appdirs"
	"connectorrunner/internal/protocol"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Type protocol commands at a prompt",
	Long: `console feeds the protocol dispatcher from an interactive prompt with
history and line editing. Events are printed as JSON lines.

Shorthands:
  run <connector.js> <url> [headed]   start run "console"
  stop                                stop run "console"
  test                                print host info
  quit                                close everything and exit
Anything starting with "{" is sent verbatim.`,
	Args: cobra.NoArgs,
	RunE: runConsole,
}

func init() {
	RootCmd.AddCommand(consoleCmd)
}

const consoleRunID = "console"

func runConsole(cmd *cobra.Command, args []string) error {
	historyFile := ""
	if base, err := appdirs.BaseDir(); err == nil {
		historyFile = filepath.Join(base, "console_history")
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "runner> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		Stdout:          os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("init prompt: %w", err)
	}
	defer rl.Close()

	w := protocol.NewWriter(os.Stdout, logger)
	sup := newSupervisor(w)
	defer sup.Quit()
	srv := protocol.NewServer(nil, w, logger)
	protocol.RegisterRunner(srv, sup)

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case o := <-sup.Outcomes():
				fmt.Fprintf(rl.Stderr(), "run %s ended: %s (exit code %d)\n", o.RunID, o.Phase, o.ExitCode)
				rl.Refresh()
			case <-done:
				return
			}
		}
	}()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		raw, err := consoleLine(line)
		if err != nil {
			fmt.Fprintln(rl.Stderr(), err)
			continue
		}
		if raw == nil {
			continue
		}
		err = srv.Dispatch(raw)
		if errors.Is(err, protocol.ErrQuit) {
			return nil
		}
		if err != nil {
			logger.Warn("command rejected", zap.Error(err))
		}
	}
}

// consoleLine expands a shorthand into a protocol line.
func consoleLine(line string) ([]byte, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	if strings.HasPrefix(line, "{") {
		return []byte(line), nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "run":
		if len(fields) < 3 {
			return nil, errors.New("usage: run <connector.js> <url> [headed]")
		}
		headless := !(len(fields) > 3 && fields[3] == "headed")
		return marshalCommand(protocol.Command{
			Type:          protocol.CommandRun,
			RunID:         consoleRunID,
			ConnectorPath: fields[1],
			URL:           fields[2],
			Headless:      &headless,
		})
	case "stop":
		return marshalCommand(protocol.Command{Type: protocol.CommandStop, RunID: consoleRunID})
	case "test", "quit":
		return marshalCommand(protocol.Command{Type: fields[0]})
	}
	return nil, fmt.Errorf("unknown command %q", fields[0])
}

func marshalCommand(c protocol.Command) ([]byte, error) {
	return json.Marshal(c)
}
