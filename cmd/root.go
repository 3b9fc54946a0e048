package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"connectorrunner/internal/config"
	"connectorrunner/internal/logging"
)

var (
	logLevelFlag     string
	stealthFlag      bool
	graceFlag        = config.Default().Grace
	fetchTimeoutFlag = config.Default().FetchTimeout
	warmupURLFlag    string
)

// Resolved once per invocation by PersistentPreRunE.
var (
	cfg    *config.Config
	logger *zap.Logger
)

// exitCode is what Execute exits with after the command returns.
var exitCode int

var RootCmd = &cobra.Command{
	Use:   "connector-runner",
	Short: "Browser automation sidecar for personal data export connectors",
	Long: `connector-runner drives a real browser on behalf of connector scripts.
Without a subcommand it reads line-delimited JSON commands on stdin and
writes events on stdout. Logs go to stderr.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	RunE:              runServe,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	flags := RootCmd.PersistentFlags()
	flags.StringVar(&logLevelFlag, "log-level", "info", "log level: debug, info, warn or error")
	flags.BoolVarP(&stealthFlag, "stealth", "s", false, "open pages with go-rod/stealth")
	flags.DurationVar(&graceFlag, "grace", graceFlag, "how long to keep the browser open after a run completes")
	flags.DurationVar(&fetchTimeoutFlag, "fetch-timeout", fetchTimeoutFlag, "default timeout for page.httpFetch")
	flags.StringVar(&warmupURLFlag, "warmup-url", "", "page goHeadless loads when given no URL (default: the run URL)")

	// stdout belongs to the protocol
	RootCmd.SetOut(os.Stderr)
	RootCmd.SetErr(os.Stderr)
}

// setup merges DATACONNECT_* settings with explicitly set flags and builds
// the logger.
func setup(cmd *cobra.Command, args []string) error {
	c, err := config.Load()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		c.LogLevel = logLevelFlag
	}
	if flags.Changed("stealth") {
		c.Stealth = stealthFlag
	}
	if flags.Changed("grace") {
		c.Grace = graceFlag
	}
	if flags.Changed("fetch-timeout") {
		c.FetchTimeout = fetchTimeoutFlag
	}
	if flags.Changed("warmup-url") {
		c.WarmupURL = warmupURLFlag
	}
	if err := c.Validate(); err != nil {
		return err
	}

	l, err := logging.New(logging.Config{Level: c.LogLevel})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	cfg, logger = c, l
	return nil
}

// Execute runs the root command and exits the process.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		if exitCode == 0 {
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}
