package cookiebridge

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"

	"connectorrunner/browser"
)

// MarkerFile records, inside a profile dir, that the import already ran.
const MarkerFile = ".cookies-imported"

// importCookies is swapped in tests.
var importCookies = Import

// Bridge seeds a fresh connector profile with the user's system browser
// cookies the first time the profile is used.
type Bridge struct {
	launcher   browser.Launcher
	log        *zap.Logger
	sourceRoot string
}

// New returns a Bridge reading cookies from sourceRoot, the system browser's
// user data dir. An empty sourceRoot uses SystemProfileRoot.
func New(launcher browser.Launcher, sourceRoot string, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	if sourceRoot == "" {
		sourceRoot = SystemProfileRoot(runtime.GOOS, os.Getenv)
	}
	return &Bridge{launcher: launcher, log: log.Named("cookiebridge"), sourceRoot: sourceRoot}
}

// Imported reports whether profileDir carries the import marker.
func Imported(profileDir string) bool {
	_, err := os.Stat(filepath.Join(profileDir, MarkerFile))
	return err == nil
}

// Prepare runs the import when exe is the system browser and the profile
// has no marker yet. Failures are logged and never stop the run.
func (b *Bridge) Prepare(ctx context.Context, exe browser.Executable, profileDir string) {
	if !exe.System {
		return
	}
	if Imported(profileDir) {
		b.log.Debug("skipping cookie import, already done", zap.String("profile", profileDir))
		return
	}

	// The browser only creates its cookie store on first start.
	b.log.Info("first run: launching browser to initialize profile", zap.String("profile", profileDir))
	s, err := b.launcher.Launch(ctx, browser.LaunchOptions{Executable: exe, ProfileDir: profileDir, Headless: true})
	if err != nil {
		b.log.Warn("could not initialize profile for cookie import", zap.Error(err))
		return
	}
	if err := s.Close(); err != nil {
		b.log.Warn("closing profile initialization browser", zap.Error(err))
	}

	b.log.Info("profile initialized, importing cookies")
	count, err := importCookies(ctx, b.sourceRoot, profileDir, time.Now())
	if err != nil {
		b.log.Warn("could not import browser cookies", zap.Error(err))
		return
	}
	b.log.Info("imported cookies into profile", zap.Int64("total", count))
}

// SystemProfileRoot is the user data dir of the installed Google Chrome.
func SystemProfileRoot(goos string, getenv func(string) string) string {
	home := getenv("HOME")
	if home == "" {
		home = getenv("USERPROFILE")
	}
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Google", "Chrome")
	case "windows":
		return filepath.Join(getenv("LOCALAPPDATA"), "Google", "Chrome", "User Data")
	default:
		return filepath.Join(home, ".config", "google-chrome")
	}
}
