package appdirs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProfileDirDerivesFromConnectorFileName(t *testing.T) {
	root := t.TempDir()
	t.Setenv(envHomeOverride, root)
	t.Setenv(envProfilesOverride, "")

	dir, err := ProfileDir("/opt/connectors/openai/chatgpt.js")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "browser-profiles", "chatgpt"), dir)
}

func TestProfileDirRejectsEmptyConnector(t *testing.T) {
	t.Setenv(envHomeOverride, t.TempDir())

	_, err := ProfileDir("")
	require.Error(t, err)
}

func TestBrowserCacheDirHonoursOverride(t *testing.T) {
	root := t.TempDir()
	t.Setenv(envHomeOverride, root)

	t.Setenv(envBrowsersOverride, "")
	dir, err := BrowserCacheDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "browsers"), dir)

	bundled := filepath.Join(root, "bundle", "ms-playwright")
	t.Setenv(envBrowsersOverride, bundled)
	dir, err = BrowserCacheDir()
	require.NoError(t, err)
	require.Equal(t, bundled, dir)
}

func TestConnectorID(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		expect string
	}{
		{name: "js file", input: "connectors/meta/instagram.js", expect: "instagram"},
		{name: "no extension", input: "chatgpt", expect: "chatgpt"},
		{name: "double extension", input: "a/b/linkedin.min.js", expect: "linkedin.min"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expect, ConnectorID(tc.input))
		})
	}
}
