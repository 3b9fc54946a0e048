package protocol

import (
	"encoding/json"
	"io"
	"sync"

	"go.uber.org/zap"

	"connectorrunner/internal/pageapi"
	"connectorrunner/internal/supervisor"
)

// Writer serialises events as JSON lines. It is safe for concurrent use;
// lines never interleave.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
	log *zap.Logger
}

var _ supervisor.Emitter = (*Writer)(nil)

func NewWriter(out io.Writer, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{out: out, log: log.Named("protocol")}
}

func (w *Writer) send(ev interface{}) {
	b, err := json.Marshal(ev)
	if err != nil {
		w.log.Error("encode event", zap.Error(err))
		return
	}
	b = append(b, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(b); err != nil {
		w.log.Warn("write event", zap.Error(err))
	}
}

func (w *Writer) Ready() {
	w.send(readyEvent{Type: EventReady})
}

func (w *Writer) Log(runID, message string) {
	w.send(logEvent{Type: EventLog, RunID: runID, Message: message})
}

func (w *Writer) Status(runID, status string) {
	w.send(statusEvent{Type: EventStatus, RunID: runID, Status: status})
}

// Progress sends a COLLECTING status.
func (w *Writer) Progress(runID string, p pageapi.Progress) {
	w.send(statusEvent{Type: EventStatus, RunID: runID, Status: Collecting{
		Type:    "COLLECTING",
		Message: p.Message,
		Phase:   p.Phase,
		Count:   p.Count,
	}})
}

func (w *Writer) Data(runID, key string, value interface{}) {
	w.send(dataEvent{Type: EventData, RunID: runID, Key: key, Value: value})
}

func (w *Writer) Captured(runID, key, url string) {
	w.send(capturedEvent{Type: EventNetworkCaptured, RunID: runID, Key: key, URL: url})
}

func (w *Writer) Result(runID string, data interface{}) {
	w.send(resultEvent{Type: EventResult, RunID: runID, Data: data})
}

func (w *Writer) Error(runID, message string) {
	w.send(errorEvent{Type: EventError, RunID: runID, Message: message})
}

func (w *Writer) TestResult(info TestInfo) {
	w.send(testResultEvent{Type: EventTestResult, Data: info})
}
