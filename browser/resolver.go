package browser

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"connectorrunner/internal/appdirs"
)

// ErrBrowserUnavailable means neither a system browser nor a fetched one
// could be found.
var ErrBrowserUnavailable = errors.New("no browser available: install Google Chrome or run fetch-browser first")

const envSimulateNoChrome = "DATACONNECT_SIMULATE_NO_CHROME"

// Executable is a resolved browser binary.
type Executable struct {
	Path string
	// System is true for a browser installed by the user. Only a system
	// browser can decrypt cookies from the user's own profile.
	System bool
}

// Resolver locates a browser executable. The zero value is not usable; use
// NewResolver.
type Resolver struct {
	GOOS     string
	Getenv   func(string) string
	Exists   func(string) bool
	ReadDir  func(string) ([]os.DirEntry, error)
	CacheDir func() (string, error)
}

func NewResolver() *Resolver {
	return &Resolver{
		GOOS:     runtime.GOOS,
		Getenv:   os.Getenv,
		Exists:   fileExists,
		ReadDir:  os.ReadDir,
		CacheDir: appdirs.BrowserCacheDir,
	}
}

// Resolve prefers the system browser, then a browser in the cache dir.
// It never downloads anything.
func (r *Resolver) Resolve() (Executable, error) {
	if r.Getenv(envSimulateNoChrome) == "" {
		if path := r.systemBrowser(); path != "" {
			return Executable{Path: path, System: true}, nil
		}
	}

	path, err := r.cachedBrowser()
	if err != nil {
		return Executable{}, fmt.Errorf("%w: %v", ErrBrowserUnavailable, err)
	}
	if path == "" {
		return Executable{}, ErrBrowserUnavailable
	}
	return Executable{Path: path}, nil
}

func (r *Resolver) systemBrowser() string {
	for _, candidate := range r.systemCandidates() {
		if candidate != "" && r.Exists(candidate) {
			return candidate
		}
	}
	return ""
}

func (r *Resolver) systemCandidates() []string {
	switch r.GOOS {
	case "darwin":
		return []string{"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"}
	case "windows":
		var local string
		if dir := r.Getenv("LOCALAPPDATA"); dir != "" {
			local = dir + `\Google\Chrome\Application\chrome.exe`
		}
		return []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
			local,
			`C:\Program Files (x86)\Microsoft\Edge\Application\msedge.exe`,
		}
	default:
		return []string{"/usr/bin/google-chrome", "/usr/bin/google-chrome-stable"}
	}
}

func (r *Resolver) cachedBrowser() (string, error) {
	root, err := r.CacheDir()
	if err != nil {
		return "", err
	}

	entries, err := r.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read browser cache %s: %w", root, err)
	}

	var dirs []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() && strings.HasPrefix(name, "chromium") && !strings.Contains(name, "headless") {
			dirs = append(dirs, name)
		}
	}
	// Newest revision first.
	sort.Slice(dirs, func(i, j int) bool {
		ri, rj := revision(dirs[i]), revision(dirs[j])
		if ri != rj {
			return ri > rj
		}
		return dirs[i] > dirs[j]
	})

	for _, dir := range dirs {
		for _, rel := range cachedLayouts(r.GOOS) {
			candidate := filepath.Join(root, dir, rel)
			if r.Exists(candidate) {
				return candidate, nil
			}
		}
	}
	return "", nil
}

// revision is the build number a fetched dir ends in, or -1.
func revision(dir string) int {
	n, err := strconv.Atoi(dir[strings.LastIndexAny(dir, "-_")+1:])
	if err != nil {
		return -1
	}
	return n
}

// cachedLayouts lists executable locations inside a fetched browser dir.
// Both the Chrome for Testing archive layout and the one produced by
// fetch-browser are accepted.
func cachedLayouts(goos string) []string {
	switch goos {
	case "darwin":
		cft := filepath.Join("Google Chrome for Testing.app", "Contents", "MacOS", "Google Chrome for Testing")
		legacy := filepath.Join("Chromium.app", "Contents", "MacOS", "Chromium")
		return []string{
			filepath.Join("chrome-mac-arm64", cft),
			filepath.Join("chrome-mac", cft),
			filepath.Join("chrome-mac-x64", cft),
			filepath.Join("chrome-mac-arm64", legacy),
			filepath.Join("chrome-mac", legacy),
			legacy,
		}
	case "windows":
		return []string{
			filepath.Join("chrome-win", "chrome.exe"),
			filepath.Join("chrome-win64", "chrome.exe"),
			"chrome.exe",
		}
	default:
		return []string{
			filepath.Join("chrome-linux", "chrome"),
			filepath.Join("chrome-linux64", "chrome"),
			"chrome",
		}
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
