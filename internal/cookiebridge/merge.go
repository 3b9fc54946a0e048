package cookiebridge

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var errNoCookieStore = errors.New("cookie store not found")

// Import merges the cookie table of the last used profile under sourceRoot
// into the profile at profileDir, then writes the marker. It returns the
// row count of the merged table.
func Import(ctx context.Context, sourceRoot, profileDir string, now time.Time) (int64, error) {
	sourceProfile, err := sourceProfileDir(sourceRoot)
	if err != nil {
		return 0, err
	}
	source, err := cookieStore(sourceProfile)
	if err != nil {
		return 0, fmt.Errorf("source profile %s: %w", sourceProfile, err)
	}
	target, err := cookieStore(filepath.Join(profileDir, "Default"))
	if err != nil {
		return 0, fmt.Errorf("target profile %s: %w", profileDir, err)
	}

	// Work on a snapshot so a running system browser's lock does not matter.
	snapshot, cleanup, err := snapshotFile(source)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	count, err := Merge(ctx, target, snapshot)
	if err != nil {
		return 0, err
	}

	marker := filepath.Join(profileDir, MarkerFile)
	if err := os.WriteFile(marker, []byte(now.UTC().Format(time.RFC3339)), 0o644); err != nil {
		return count, fmt.Errorf("write import marker: %w", err)
	}
	return count, nil
}

// Merge copies every row of source's cookies table into target's,
// replacing rows that collide on the table's unique key.
func Merge(ctx context.Context, target, source string) (int64, error) {
	db, err := sql.Open("sqlite", target)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", target, err)
	}
	defer db.Close()

	// ATTACH is per connection.
	conn, err := db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", target, err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "ATTACH DATABASE ? AS src", source); err != nil {
		return 0, fmt.Errorf("attach source: %w", err)
	}
	_, insertErr := conn.ExecContext(ctx, "INSERT OR REPLACE INTO cookies SELECT * FROM src.cookies")
	if _, err := conn.ExecContext(ctx, "DETACH DATABASE src"); err != nil && insertErr == nil {
		return 0, fmt.Errorf("detach source: %w", err)
	}
	if insertErr != nil {
		return 0, fmt.Errorf("merge cookies: %w", insertErr)
	}

	var count int64
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM cookies").Scan(&count); err != nil {
		return 0, fmt.Errorf("count cookies: %w", err)
	}
	return count, nil
}

// cookieStore finds the cookie DB in a profile dir. Newer builds keep it
// under Network/.
func cookieStore(profile string) (string, error) {
	for _, rel := range []string{filepath.Join("Network", "Cookies"), "Cookies"} {
		p := filepath.Join(profile, rel)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", errNoCookieStore
}

func sourceProfileDir(root string) (string, error) {
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return "", fmt.Errorf("system browser profile root %s not found", root)
	}

	lastUsed, err := readLastUsedProfile(filepath.Join(root, "Local State"))
	if err == nil && lastUsed != "" {
		dir := filepath.Join(root, lastUsed)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
	}

	dir := filepath.Join(root, "Default")
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir, nil
	}
	return "", fmt.Errorf("no usable profile under %s", root)
}

func readLastUsedProfile(localStatePath string) (string, error) {
	raw, err := os.ReadFile(localStatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", nil
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", err
	}

	profileObj, _ := data["profile"].(map[string]interface{})
	if profileObj == nil {
		return "", nil
	}
	lastUsed, _ := profileObj["last_used"].(string)
	return lastUsed, nil
}

func snapshotFile(path string) (string, func(), error) {
	src, err := os.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("open source cookies: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "cookies-*.sqlite")
	if err != nil {
		return "", nil, fmt.Errorf("snapshot source cookies: %w", err)
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		cleanup()
		return "", nil, fmt.Errorf("snapshot source cookies: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("snapshot source cookies: %w", err)
	}
	return tmp.Name(), cleanup, nil
}
