package browser

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Files a running browser keeps in its user data dir.
var profileLockFiles = []string{"SingletonLock", "lockfile"}

func isProfileLockError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "ProcessSingleton") || strings.Contains(errStr, "SingletonLock")
}

func profileLocked(dir string) bool {
	for _, name := range profileLockFiles {
		if _, err := os.Lstat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// waitProfileReleased polls until the previous browser let go of dir.
// It reports whether the profile is free when it returns.
func waitProfileReleased(ctx context.Context, dir string, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		if !profileLocked(dir) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
}
