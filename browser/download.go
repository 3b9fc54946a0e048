package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod/lib/launcher"
	"go.uber.org/zap"
)

// Fetch downloads a Chromium build into cacheDir unless a valid one is
// already there, and returns the executable path. The resulting layout
// (chromium-<revision>/...) is what Resolver scans for.
func Fetch(ctx context.Context, cacheDir string, log *zap.Logger) (string, error) {
	b := launcher.NewBrowser()
	b.Context = ctx
	b.RootDir = cacheDir
	if log != nil {
		b.Logger = zap.NewStdLog(log.Named("fetch-browser"))
	}

	path, err := b.Get()
	if err != nil {
		return "", fmt.Errorf("fetch chromium r%d into %s: %w", b.Revision, cacheDir, err)
	}
	return path, nil
}
