package supervisor

import (
	"sync"

	"connectorrunner/internal/pageapi"
)

// Wire status values.
const (
	StatusRunning        = "RUNNING"
	StatusStopped        = "STOPPED"
	StatusError          = "ERROR"
	StatusComplete       = "COMPLETE"
	StatusWaitingForUser = "WAITING_FOR_USER"
)

// Emitter is where runs report to the parent process.
type Emitter interface {
	Log(runID, message string)
	Status(runID, status string)
	Progress(runID string, p pageapi.Progress)
	Data(runID, key string, value interface{})
	Captured(runID, key, url string)
	Result(runID string, data interface{})
	Error(runID, message string)
}

// Phase is how a run ended.
type Phase string

const (
	PhaseComplete Phase = StatusComplete
	PhaseStopped  Phase = StatusStopped
	PhaseError    Phase = StatusError
	// PhaseQuit ends a run silently.
	PhaseQuit Phase = "QUIT"
)

// Outcome is the result of one run. ExitCode is what a one-run-per-process
// host should exit with.
type Outcome struct {
	RunID    string
	Phase    Phase
	ExitCode int
}

// runEvents binds an Emitter to one run and drops everything once the run
// has reported its terminal status.
type runEvents struct {
	runID string
	out   Emitter

	mu     sync.Mutex
	sealed bool
}

func (e *runEvents) emit(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sealed {
		return
	}
	fn()
}

// terminal emits fn as the run's last output. It reports false if the run
// had already ended.
func (e *runEvents) terminal(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sealed {
		return false
	}
	if fn != nil {
		fn()
	}
	e.sealed = true
	return true
}

func (e *runEvents) Log(message string) {
	e.emit(func() { e.out.Log(e.runID, message) })
}

func (e *runEvents) Status(status string) {
	e.emit(func() { e.out.Status(e.runID, status) })
}

func (e *runEvents) Data(key string, value interface{}) {
	e.emit(func() { e.out.Data(e.runID, key, value) })
}

func (e *runEvents) Progress(p pageapi.Progress) {
	e.emit(func() { e.out.Progress(e.runID, p) })
}

func (e *runEvents) WaitingForUser() {
	e.Status(StatusWaitingForUser)
}

func (e *runEvents) Captured(key, url string) {
	e.emit(func() { e.out.Captured(e.runID, key, url) })
}
