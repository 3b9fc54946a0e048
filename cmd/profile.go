package cmd

import (
	"errors"
	"fmt"
	"os"

	survey "github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"connectorrunner/internal/appdirs"
	"connectorrunner/internal/cookiebridge"
)

var profileResetYes bool

// confirmReset is swapped in tests.
var confirmReset = func(dir string) (bool, error) {
	confirm := false
	err := survey.AskOne(&survey.Confirm{
		Message: fmt.Sprintf("Delete browser profile %s? Saved logins for this connector are lost.", dir),
		Default: false,
	}, &confirm, survey.WithStdio(os.Stdin, os.Stderr, os.Stderr))
	return confirm, err
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect or reset connector browser profiles",
}

var profilePathCmd = &cobra.Command{
	Use:   "path <connector>",
	Short: "Print a connector's profile directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := appdirs.ProfileDir(args[0])
		if err != nil {
			return err
		}
		imported := "no"
		if cookiebridge.Imported(dir) {
			imported = "yes"
		}
		fmt.Println(dir)
		fmt.Fprintf(os.Stderr, "cookies imported: %s\n", imported)
		return nil
	},
}

var profileResetCmd = &cobra.Command{
	Use:   "reset <connector>",
	Short: "Delete a connector's profile, including its cookie import marker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := appdirs.ProfileDir(args[0])
		if err != nil {
			return err
		}
		return resetProfile(dir, profileResetYes, term.IsTerminal(int(os.Stdin.Fd())))
	},
}

func init() {
	profileResetCmd.Flags().BoolVarP(&profileResetYes, "yes", "y", false, "do not ask for confirmation")

	profileCmd.AddCommand(profilePathCmd)
	profileCmd.AddCommand(profileResetCmd)
	RootCmd.AddCommand(profileCmd)
}

func resetProfile(dir string, yes, interactive bool) error {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		logger.Info("no profile to reset", zap.String("dir", dir))
		return nil
	}

	if !yes {
		if !interactive {
			return fmt.Errorf("refusing to delete %s without --yes when stdin is not a terminal", dir)
		}
		ok, err := confirmReset(dir)
		if err != nil {
			return fmt.Errorf("confirm reset: %w", err)
		}
		if !ok {
			logger.Info("reset cancelled")
			return nil
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove profile: %w", err)
	}
	logger.Info("profile removed", zap.String("dir", dir))
	return nil
}
