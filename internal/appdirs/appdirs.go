package appdirs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	envHomeOverride     = "DATACONNECT_HOME"
	envProfilesOverride = "DATACONNECT_PROFILES_DIR"
	envBrowsersOverride = "PLAYWRIGHT_BROWSERS_PATH"
)

// BaseDir is the root of all runner state, ~/.dataconnect unless overridden.
func BaseDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(envHomeOverride)); dir != "" {
		return filepath.Clean(dir), nil
	}

	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		if err == nil {
			err = errors.New("empty home directory")
		}
		return "", fmt.Errorf("determine dataconnect base dir: %w", err)
	}

	return filepath.Join(home, ".dataconnect"), nil
}

func ProfilesDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(envProfilesOverride)); dir != "" {
		return filepath.Clean(dir), nil
	}

	base, err := BaseDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(base, "browser-profiles"), nil
}

// BrowserCacheDir holds browsers fetched by fetch-browser (or bundled by the
// parent application through PLAYWRIGHT_BROWSERS_PATH).
func BrowserCacheDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(envBrowsersOverride)); dir != "" {
		return filepath.Clean(dir), nil
	}

	base, err := BaseDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(base, "browsers"), nil
}

// ConnectorID derives the stable profile name from a connector path:
// the file name without its extension.
func ConnectorID(connectorPath string) string {
	name := filepath.Base(strings.TrimSpace(connectorPath))
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// ProfileDir returns the persistent profile directory for a connector.
func ProfileDir(connectorPath string) (string, error) {
	id := ConnectorID(connectorPath)
	if id == "" || id == "." || id == string(filepath.Separator) {
		return "", fmt.Errorf("profile dir: invalid connector path %q", connectorPath)
	}

	root, err := ProfilesDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(root, id), nil
}

func EnsureDir(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("ensure dir: empty path")
	}
	return os.MkdirAll(path, 0o755)
}
