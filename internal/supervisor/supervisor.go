// Package supervisor owns connector runs: browser contexts, mode switches,
// disconnect handling and the terminal status of every run.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"connectorrunner/browser"
	"connectorrunner/internal/appdirs"
	"connectorrunner/internal/fetch"
	"connectorrunner/internal/harness"
)

var (
	// ErrRunExists is returned by Start for a runId that is still active.
	ErrRunExists = errors.New("run already active")
	// ErrShutdown is returned by Start after Quit.
	ErrShutdown = errors.New("supervisor is shutting down")
)

// Resolver finds the browser to launch.
type Resolver interface {
	Resolve() (browser.Executable, error)
}

// CookiePreparer seeds a profile before its first real launch.
type CookiePreparer interface {
	Prepare(ctx context.Context, exe browser.Executable, profileDir string)
}

// Options wires a Supervisor. Launcher, Resolver, Harness, Fetch and Emitter
// are required.
type Options struct {
	Launcher browser.Launcher
	Resolver Resolver
	Cookies  CookiePreparer
	Harness  *harness.Harness
	Fetch    *fetch.Client
	Emitter  Emitter
	Log      *zap.Logger

	Stealth bool
	// Grace is how long a completed run keeps its browser open.
	Grace time.Duration
	// WarmupURL is where goHeadless navigates when given no URL. Empty
	// means the run's own URL.
	WarmupURL string
	// ProfileDir maps a connector path to its profile directory.
	ProfileDir func(connectorPath string) (string, error)
}

// Request starts one run.
type Request struct {
	RunID         string
	ConnectorPath string
	URL           string
	Headless      bool
}

// Supervisor is constructed once per process and owns every active run.
type Supervisor struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	runs     map[string]*Run
	shutdown bool

	outcomes chan Outcome
	wg       sync.WaitGroup
}

func New(opts Options) *Supervisor {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.ProfileDir == nil {
		opts.ProfileDir = appdirs.ProfileDir
	}
	return &Supervisor{
		opts:     opts,
		log:      opts.Log.Named("supervisor"),
		runs:     make(map[string]*Run),
		outcomes: make(chan Outcome, 16),
	}
}

// Outcomes delivers one Outcome per finished run.
func (s *Supervisor) Outcomes() <-chan Outcome {
	return s.outcomes
}

// Start launches a run in the background and returns immediately.
func (s *Supervisor) Start(req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return ErrShutdown
	}
	if _, ok := s.runs[req.RunID]; ok {
		return fmt.Errorf("start %s: %w", req.RunID, ErrRunExists)
	}

	r := newRun(s, req)
	s.runs[req.RunID] = r
	s.log.Info("starting run",
		zap.String("runId", req.RunID),
		zap.String("connector", req.ConnectorPath),
		zap.Bool("headless", req.Headless))

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		r.loop()
	}()
	go func() {
		defer s.wg.Done()
		r.work()
	}()
	return nil
}

// Stop ends an active run with STOPPED. It reports false, and does nothing
// else, when runID is unknown.
func (s *Supervisor) Stop(runID string) bool {
	r := s.lookup(runID)
	if r == nil {
		s.log.Debug("stop for unknown run", zap.String("runId", runID))
		return false
	}
	r.send(stopEvent{})
	return true
}

// Quit closes every run without emitting anything and waits for all of
// them to finish.
func (s *Supervisor) Quit() {
	s.mu.Lock()
	s.shutdown = true
	runs := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	for _, r := range runs {
		r.send(quitEvent{})
	}
	s.Wait()
}

// Wait blocks until every goroutine started by the supervisor has exited.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Running is the number of active runs.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Active reports whether runID is still running.
func (s *Supervisor) Active(runID string) bool {
	return s.lookup(runID) != nil
}

func (s *Supervisor) lookup(runID string) *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[runID]
}

func (s *Supervisor) release(r *Run, o Outcome) {
	// The outcome is queued under the same lock that removes the run, so a
	// caller that sees Running() == 0 can find it on Outcomes.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs[r.req.RunID] == r {
		delete(s.runs, r.req.RunID)
	}

	select {
	case s.outcomes <- o:
	default:
		s.log.Warn("outcome dropped, nobody is reading", zap.String("runId", o.RunID))
	}
}
