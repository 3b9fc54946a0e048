package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToOutput(t *testing.T) {
	var buf bytes.Buffer
	console := false
	logger, err := New(Config{Level: "debug", Console: &console, Output: &buf})
	require.NoError(t, err)

	logger.Named("supervisor").Debug("launching")
	require.NoError(t, logger.Sync())

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "debug", entry["level"])
	require.Equal(t, "supervisor", entry["logger"])
	require.Equal(t, "launching", entry["message"])
}

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	console := false
	logger, err := New(Config{Level: "warn", Console: &console, Output: &buf})
	require.NoError(t, err)

	logger.Info("quiet")
	require.Zero(t, buf.Len())
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	require.Error(t, err)
}
