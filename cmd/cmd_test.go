package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"connectorrunner/internal/config"
	"connectorrunner/internal/protocol"
)

func useTestStack(t *testing.T) {
	t.Helper()
	prevCfg, prevLogger := cfg, logger
	cfg, logger = config.Default(), zap.NewNop()
	t.Cleanup(func() { cfg, logger = prevCfg, prevLogger })
}

func TestConsoleLine(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"   ", ""},
		{`{"type":"test"}`, `{"type":"test"}`},
		{"test", `{"type":"test"}`},
		{"quit", `{"type":"quit"}`},
		{"stop", `{"type":"stop","runId":"console"}`},
		{"run ./chatgpt.js https://chatgpt.com/", `{"type":"run","runId":"console","connectorPath":"./chatgpt.js","url":"https://chatgpt.com/","headless":true}`},
		{"run ./chatgpt.js https://chatgpt.com/ headed", `{"type":"run","runId":"console","connectorPath":"./chatgpt.js","url":"https://chatgpt.com/","headless":false}`},
	}
	for _, tc := range tests {
		got, err := consoleLine(tc.in)
		if err != nil {
			t.Fatalf("consoleLine(%q): %v", tc.in, err)
		}
		if string(got) != tc.want {
			t.Errorf("consoleLine(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"run only-one-arg", "dance"} {
		if _, err := consoleLine(bad); err == nil {
			t.Errorf("consoleLine(%q): expected error", bad)
		}
	}
}

func TestServeAnswersTestAndQuits(t *testing.T) {
	useTestStack(t)

	in := strings.NewReader(`{"type":"test"}` + "\n" + `{"type":"stop","runId":"nobody"}` + "\n" + `{"type":"quit"}` + "\n")
	var out bytes.Buffer

	code := serve(context.Background(), in, &out)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), lines)
	}
	if lines[0] != `{"type":"ready"}` {
		t.Errorf("first line = %s", lines[0])
	}
	var ev struct {
		Type string             `json:"type"`
		Data protocol.TestInfo `json:"data"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != "test-result" || ev.Data.CPUs < 1 || ev.Data.Platform == "" {
		t.Errorf("unexpected test result: %+v", ev)
	}
}

func TestServeExitsWhenInputCloses(t *testing.T) {
	useTestStack(t)

	var out bytes.Buffer
	done := make(chan int, 1)
	go func() { done <- serve(context.Background(), strings.NewReader(""), &out) }()

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("exit code = %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after EOF")
	}
}

func TestResetProfile(t *testing.T) {
	useTestStack(t)
	dir := filepath.Join(t.TempDir(), "chatgpt")
	if err := os.MkdirAll(filepath.Join(dir, "Default"), 0o755); err != nil {
		t.Fatal(err)
	}

	asked := 0
	prev := confirmReset
	t.Cleanup(func() { confirmReset = prev })
	confirmReset = func(string) (bool, error) {
		asked++
		return false, nil
	}

	if err := resetProfile(dir, false, false); err == nil {
		t.Fatal("expected refusal without a terminal")
	}
	if err := resetProfile(dir, false, true); err != nil {
		t.Fatal(err)
	}
	if asked != 1 {
		t.Fatalf("asked %d times", asked)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatal("declined reset removed the profile")
	}

	if err := resetProfile(dir, true, false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("profile still present: %v", err)
	}
	if err := resetProfile(dir, true, false); err != nil {
		t.Fatalf("missing profile: %v", err)
	}
}

func TestSetupMergesEnvAndFlags(t *testing.T) {
	t.Setenv("DATACONNECT_GRACE", "5s")
	t.Setenv("DATACONNECT_WARMUP_URL", "https://env.test/")
	prevCfg, prevLogger := cfg, logger
	t.Cleanup(func() { cfg, logger = prevCfg, prevLogger })

	if err := RootCmd.ParseFlags([]string{"--warmup-url=https://flag.test/", "--log-level=debug"}); err != nil {
		t.Fatal(err)
	}
	if err := setup(RootCmd, nil); err != nil {
		t.Fatal(err)
	}
	if cfg.Grace != 5*time.Second {
		t.Errorf("grace = %s, want env value", cfg.Grace)
	}
	if cfg.WarmupURL != "https://flag.test/" {
		t.Errorf("warmup = %q, flag should win", cfg.WarmupURL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
}
