package protocol

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connectorrunner/browser"
	"connectorrunner/browser/browsertest"
	"connectorrunner/internal/fetch"
	"connectorrunner/internal/harness"
	"connectorrunner/internal/pageapi"
	"connectorrunner/internal/supervisor"
)

type fakeRunner struct {
	started []supervisor.Request
	stopped []string
	quit    bool
	err     error
}

func (f *fakeRunner) Start(req supervisor.Request) error {
	f.started = append(f.started, req)
	return f.err
}

func (f *fakeRunner) Stop(runID string) bool {
	f.stopped = append(f.stopped, runID)
	return false
}

func (f *fakeRunner) Quit() { f.quit = true }

// syncBuffer is a bytes.Buffer safe for a writer and a polling reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.TrimSuffix(b.buf.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func TestWriterEvents(t *testing.T) {
	var out syncBuffer
	w := NewWriter(&out, nil)

	w.Ready()
	w.Log("r1", "Navigating to: https://x.test/")
	w.Status("r1", "RUNNING")
	w.Progress("r1", pageapi.Progress{Phase: "messages", Message: "Fetching", Count: 3})
	w.Progress("r1", pageapi.Progress{Message: "Starting"})
	w.Data("r1", "status", "ok")
	w.Captured("r1", "me", "https://x.test/api/me")
	w.Result("r1", map[string]interface{}{"conversations": []interface{}{}})
	w.Result("r1", nil)
	w.Error("r1", "Login failed")

	assert.Equal(t, []string{
		`{"type":"ready"}`,
		`{"type":"log","runId":"r1","message":"Navigating to: https://x.test/"}`,
		`{"type":"status","runId":"r1","status":"RUNNING"}`,
		`{"type":"status","runId":"r1","status":{"type":"COLLECTING","message":"Fetching","phase":"messages","count":3}}`,
		`{"type":"status","runId":"r1","status":{"type":"COLLECTING","message":"Starting"}}`,
		`{"type":"data","runId":"r1","key":"status","value":"ok"}`,
		`{"type":"network-captured","runId":"r1","key":"me","url":"https://x.test/api/me"}`,
		`{"type":"result","runId":"r1","data":{"conversations":[]}}`,
		`{"type":"result","runId":"r1","data":null}`,
		`{"type":"error","runId":"r1","message":"Login failed"}`,
	}, out.lines())
}

func TestWriterConcurrentLinesDoNotInterleave(t *testing.T) {
	var out syncBuffer
	w := NewWriter(&out, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				w.Log("r1", strings.Repeat("x", 200))
			}
		}()
	}
	wg.Wait()

	lines := out.lines()
	require.Len(t, lines, 1000)
	for _, line := range lines {
		var ev map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
	}
}

func TestServeDispatchesInOrder(t *testing.T) {
	in := strings.NewReader(strings.Join([]string{
		`{"type":"run","runId":"r1","connectorPath":"/c/chatgpt.js","url":"https://chatgpt.com/"}`,
		`not json`,
		``,
		`{"type":"dance"}`,
		`{"type":"run","runId":"r2","connectorPath":"/c/x.js","url":"https://x.test/","headless":false}`,
		`{"type":"stop","runId":"r1"}`,
		`{"type":"test"}`,
	}, "\n"))
	var out syncBuffer
	runner := &fakeRunner{}

	s := NewServer(in, NewWriter(&out, nil), nil)
	RegisterRunner(s, runner)
	require.NoError(t, s.Serve())

	require.Len(t, runner.started, 2)
	assert.Equal(t, supervisor.Request{RunID: "r1", ConnectorPath: "/c/chatgpt.js", URL: "https://chatgpt.com/", Headless: true}, runner.started[0])
	assert.False(t, runner.started[1].Headless)
	assert.Equal(t, []string{"r1"}, runner.stopped)

	lines := out.lines()
	require.Len(t, lines, 2)
	assert.Equal(t, `{"type":"ready"}`, lines[0])

	var result struct {
		Type string   `json:"type"`
		Data TestInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &result))
	assert.Equal(t, EventTestResult, result.Type)
	assert.Equal(t, HostInfo(), result.Data)
}

func TestServeStopsOnQuit(t *testing.T) {
	in := strings.NewReader(`{"type":"quit"}` + "\n" + `{"type":"run","runId":"late","connectorPath":"x.js"}` + "\n")
	var out syncBuffer
	runner := &fakeRunner{}

	s := NewServer(in, NewWriter(&out, nil), nil)
	RegisterRunner(s, runner)

	require.ErrorIs(t, s.Serve(), ErrQuit)
	assert.True(t, runner.quit)
	assert.Empty(t, runner.started)
	assert.Equal(t, []string{`{"type":"ready"}`}, out.lines())
}

func TestDispatchErrors(t *testing.T) {
	runner := &fakeRunner{err: supervisor.ErrRunExists}
	s := NewServer(strings.NewReader(""), NewWriter(&syncBuffer{}, nil), nil)
	RegisterRunner(s, runner)

	require.ErrorIs(t, s.Dispatch([]byte(`{"type":"nope"}`)), ErrUnknownCommand)
	require.Error(t, s.Dispatch([]byte(`{"type":`)))
	require.Error(t, s.Dispatch([]byte(`{"type":"run"}`)))
	require.ErrorIs(t, s.Dispatch([]byte(`{"type":"run","runId":"r1","connectorPath":"x.js"}`)), supervisor.ErrRunExists)
	require.NoError(t, s.Dispatch([]byte("   ")))
}

func TestPlatformNames(t *testing.T) {
	assert.Equal(t, "win32", platformName("windows"))
	assert.Equal(t, "darwin", platformName("darwin"))
	assert.Equal(t, "x64", archName("amd64"))
	assert.Equal(t, "arm64", archName("arm64"))
}

// TestWireSession drives a real supervisor through the protocol.
// runOnWire serves a single run of source and returns the written lines.
func runOnWire(t *testing.T, source string) []string {
	t.Helper()
	dir := t.TempDir()
	connector := filepath.Join(dir, "chatgpt.js")
	require.NoError(t, os.WriteFile(connector, []byte(source), 0o644))

	var out syncBuffer
	w := NewWriter(&out, nil)
	sup := supervisor.New(supervisor.Options{
		Launcher: &browsertest.Launcher{},
		Resolver: resolverFunc(func() (browser.Executable, error) { return browser.Executable{Path: "/bin/chromium"}, nil }),
		Harness:  harness.New(nil),
		Fetch:    fetch.NewClient(time.Second, nil),
		Emitter:  w,
		ProfileDir: func(string) (string, error) {
			return filepath.Join(dir, "profile"), nil
		},
	})
	t.Cleanup(sup.Quit)

	in := strings.NewReader(strings.Join([]string{
		`{"type":"stop","runId":"ghost"}`,
		`{"type":"run","runId":"r1","connectorPath":"` + filepath.ToSlash(connector) + `","url":"https://chatgpt.com/"}`,
	}, "\n"))
	s := NewServer(in, w, nil)
	RegisterRunner(s, sup)
	require.NoError(t, s.Serve())

	select {
	case o := <-sup.Outcomes():
		assert.Equal(t, supervisor.Outcome{RunID: "r1", Phase: supervisor.PhaseComplete}, o)
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not finish: %v", out.lines())
	}
	return out.lines()
}

func TestWireSession(t *testing.T) {
	lines := runOnWire(t, `
		module.exports = async (page) => {
			await page.setData('status', 'Fetched 0 conversations');
			return { success: true, data: { conversations: [] } };
		};
	`)
	assert.Equal(t, []string{
		`{"type":"ready"}`,
		`{"type":"status","runId":"r1","status":"RUNNING"}`,
		`{"type":"log","runId":"r1","message":"Fetched 0 conversations"}`,
		`{"type":"data","runId":"r1","key":"status","value":"Fetched 0 conversations"}`,
		`{"type":"result","runId":"r1","data":{"conversations":[]}}`,
		`{"type":"status","runId":"r1","status":"COMPLETE"}`,
	}, lines)
}

func TestWireSessionWritesNonJSONValuesAsNull(t *testing.T) {
	lines := runOnWire(t, `
		module.exports = async (page) => {
			await page.setData('ratio', 0 / 0);
			return { success: true, data: { count: NaN, items: [1], helper: function () {} } };
		};
	`)
	assert.Equal(t, []string{
		`{"type":"ready"}`,
		`{"type":"status","runId":"r1","status":"RUNNING"}`,
		`{"type":"data","runId":"r1","key":"ratio","value":null}`,
		`{"type":"result","runId":"r1","data":{"count":null,"items":[1]}}`,
		`{"type":"status","runId":"r1","status":"COMPLETE"}`,
	}, lines)
}

type resolverFunc func() (browser.Executable, error)

func (f resolverFunc) Resolve() (browser.Executable, error) { return f() }
