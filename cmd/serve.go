package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"connectorrunner/browser"
	"connectorrunner/internal/cookiebridge"
	"connectorrunner/internal/fetch"
	"connectorrunner/internal/harness"
	"connectorrunner/internal/protocol"
	"connectorrunner/internal/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the command protocol on stdin/stdout (default)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exitCode = serve(ctx, os.Stdin, os.Stdout)
	return nil
}

// newSupervisor wires the production stack around emitter.
func newSupervisor(emitter supervisor.Emitter) *supervisor.Supervisor {
	launcher := browser.NewRodLauncher(logger)
	return supervisor.New(supervisor.Options{
		Launcher:  launcher,
		Resolver:  browser.NewResolver(),
		Cookies:   cookiebridge.New(launcher, "", logger),
		Harness:   harness.New(logger),
		Fetch:     fetch.NewClient(cfg.FetchTimeout, logger),
		Emitter:   emitter,
		Log:       logger,
		Stealth:   cfg.Stealth,
		Grace:     cfg.Grace,
		WarmupURL: cfg.WarmupURL,
	})
}

// serve runs the protocol until the process should exit and returns the
// exit code. One finished run ends the process with that run's code.
func serve(ctx context.Context, in io.Reader, out io.Writer) int {
	w := protocol.NewWriter(out, logger)
	sup := newSupervisor(w)
	srv := protocol.NewServer(in, w, logger)
	protocol.RegisterRunner(srv, sup)

	logger.Info("runner started", zap.Int("pid", os.Getpid()))
	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()

	for {
		select {
		case o := <-sup.Outcomes():
			logger.Info("run ended, exiting", zap.String("runId", o.RunID), zap.String("phase", string(o.Phase)))
			sup.Quit()
			return o.ExitCode

		case err := <-served:
			served = nil
			if errors.Is(err, protocol.ErrQuit) {
				return 0
			}
			if err != nil {
				logger.Error("reading commands", zap.Error(err))
			}
			if sup.Running() == 0 {
				select {
				case o := <-sup.Outcomes():
					return o.ExitCode
				default:
				}
				logger.Info("input closed, no active run")
				return 0
			}
			logger.Info("input closed, waiting for the active run")

		case <-ctx.Done():
			logger.Info("signal received, shutting down")
			sup.Quit()
			return 0
		}
	}
}
