package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"connectorrunner/browser"
	"connectorrunner/internal/appdirs"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Print the browser runs would use",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		exe, err := browser.NewResolver().Resolve()
		if err != nil {
			return err
		}
		kind := "fetched"
		if exe.System {
			kind = "system"
		}
		fmt.Printf("%s (%s)\n", exe.Path, kind)
		return nil
	},
}

var fetchBrowserTimeout time.Duration

var fetchBrowserCmd = &cobra.Command{
	Use:   "fetch-browser",
	Short: "Download Chromium into the browser cache",
	Long: `fetch-browser downloads a Chromium build into the browser cache
(~/.dataconnect/browsers, or $PLAYWRIGHT_BROWSERS_PATH). Runs use it when no
system browser is installed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := appdirs.BrowserCacheDir()
		if err != nil {
			return err
		}
		if err := appdirs.EnsureDir(dir); err != nil {
			return err
		}

		ctx := cmd.Context()
		if fetchBrowserTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, fetchBrowserTimeout)
			defer cancel()
		}

		logger.Info("fetching browser", zap.String("dir", dir))
		path, err := browser.Fetch(ctx, dir, logger)
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

func init() {
	fetchBrowserCmd.Flags().DurationVar(&fetchBrowserTimeout, "timeout", 10*time.Minute, "give up after this long (0 waits forever)")

	RootCmd.AddCommand(resolveCmd)
	RootCmd.AddCommand(fetchBrowserCmd)
}
