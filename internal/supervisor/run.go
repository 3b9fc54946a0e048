package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"connectorrunner/browser"
	"connectorrunner/internal/appdirs"
	"connectorrunner/internal/capture"
	"connectorrunner/internal/harness"
	"connectorrunner/internal/pageapi"
)

// errRunEnded answers requests that arrive after the run reached a
// terminal phase.
var errRunEnded = errors.New("run has ended")

type mode int

const (
	modeClosed mode = iota
	modeHeaded
	modeHeadless
)

func (m mode) String() string {
	switch m {
	case modeHeaded:
		return "headed"
	case modeHeadless:
		return "headless"
	default:
		return "closed"
	}
}

type op int

const (
	opLaunch op = iota
	opSession
	opCookies
	opClose
	opShow
	opHeadless
)

// Events consumed by the run loop, in arrival order.
type (
	request struct {
		op         op
		exe        browser.Executable
		profileDir string
		url        string
		reply      chan reply
	}
	disconnectEvent struct{ gen int }
	stopEvent       struct{}
	quitEvent       struct{}
	doneEvent       struct {
		result interface{}
		err    error
	}
)

type reply struct {
	session browser.Session
	cookies []browser.Cookie
	// navigate is set when the caller should load a page in session.
	navigate string
	err      error
}

// Run is one connector execution. All browser state is owned by the loop
// goroutine; the connector goroutine asks the loop for what it needs.
type Run struct {
	sup  *Supervisor
	opts Options
	req  Request
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	inbox chan interface{}
	done  chan struct{}

	events   *runEvents
	captures *capture.Registry
	api      *pageapi.API

	// Loop-owned.
	exe        browser.Executable
	profileDir string
	session    browser.Session
	gen        int
	mode       mode
	cookies    []browser.Cookie
	ended      bool
	grace      *time.Timer
	outcome    *Outcome
}

func newRun(s *Supervisor, req Request) *Run {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Run{
		sup:    s,
		opts:   s.opts,
		req:    req,
		log:    s.log.With(zap.String("runId", req.RunID)),
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan interface{}),
		done:   make(chan struct{}),
		events: &runEvents{runID: req.RunID, out: s.opts.Emitter},
	}
	r.captures = pageapi.NewCaptures(r.events, r.log)
	r.api = pageapi.New(controller{r}, r.events, r.captures, s.opts.Fetch, r.log)
	return r
}

// send delivers ev to the loop unless the run already finished.
func (r *Run) send(ev interface{}) bool {
	select {
	case r.inbox <- ev:
		return true
	case <-r.done:
		return false
	}
}

func (r *Run) ask(ctx context.Context, req request) reply {
	req.reply = make(chan reply, 1)
	select {
	case r.inbox <- req:
	case <-r.done:
		return reply{err: errRunEnded}
	case <-ctx.Done():
		return reply{err: ctx.Err()}
	}
	select {
	case rep := <-req.reply:
		return rep
	case <-r.done:
		select {
		case rep := <-req.reply:
			return rep
		default:
			return reply{err: errRunEnded}
		}
	}
}

func (r *Run) loop() {
	defer func() {
		r.cancel()
		close(r.done)
		r.sup.release(r, *r.outcome)
		r.log.Info("run finished", zap.String("phase", string(r.outcome.Phase)), zap.Int("exitCode", r.outcome.ExitCode))
	}()

	for r.outcome == nil {
		var graceC <-chan time.Time
		if r.grace != nil {
			graceC = r.grace.C
		}
		select {
		case ev := <-r.inbox:
			r.handle(ev)
		case <-graceC:
			r.grace = nil
			r.closeSession()
			r.finish(PhaseComplete, 0)
		}
	}
	if r.grace != nil {
		r.grace.Stop()
	}
}

func (r *Run) handle(ev interface{}) {
	switch ev := ev.(type) {
	case request:
		ev.reply <- r.serve(ev)
	case disconnectEvent:
		r.disconnected(ev.gen)
	case stopEvent:
		r.stop()
	case quitEvent:
		r.quit()
	case doneEvent:
		r.connectorDone(ev.result, ev.err)
	}
}

func (r *Run) serve(req request) reply {
	if r.ended {
		return reply{err: errRunEnded}
	}
	switch req.op {
	case opLaunch:
		r.exe, r.profileDir = req.exe, req.profileDir
		if err := r.launch(r.req.Headless); err != nil {
			return reply{err: err}
		}
		return reply{session: r.session, navigate: r.req.URL}

	case opSession:
		if r.session == nil {
			return reply{err: pageapi.ErrBrowserClosed}
		}
		return reply{session: r.session}

	case opCookies:
		return reply{cookies: r.cookies}

	case opClose:
		if r.session == nil {
			return reply{}
		}
		jar, err := r.session.Cookies(r.ctx)
		if err != nil {
			r.log.Warn("could not read cookies before closing", zap.Error(err))
		} else {
			r.cookies = jar
			r.log.Info("saved cookies for background requests", zap.Int("count", len(jar)))
		}
		r.closeSession()
		r.events.Log("Browser closed, continuing in background...")
		return reply{}

	case opShow:
		if err := r.launch(false); err != nil {
			return reply{err: err}
		}
		r.events.Log("Browser opened for user interaction")
		return reply{session: r.session, navigate: req.url}

	case opHeadless:
		if r.mode == modeHeadless && r.session != nil {
			r.log.Debug("already headless")
			return reply{session: r.session}
		}
		if err := r.launch(true); err != nil {
			return reply{err: err}
		}
		target := req.url
		if target == "" {
			target = r.opts.WarmupURL
		}
		if target == "" {
			target = r.req.URL
		}
		r.events.Log("Switched to headless mode for background data collection")
		return reply{session: r.session, navigate: target}
	}
	return reply{err: fmt.Errorf("unknown request %d", req.op)}
}

// launch replaces the current context with a new one. The old context's
// disconnect is self-initiated and is ignored.
func (r *Run) launch(headless bool) error {
	r.closeSession()

	r.log.Info("launching browser",
		zap.Bool("headless", headless),
		zap.String("executable", r.exe.Path),
		zap.String("profile", r.profileDir))
	s, err := r.opts.Launcher.Launch(r.ctx, browser.LaunchOptions{
		Executable: r.exe,
		ProfileDir: r.profileDir,
		Headless:   headless,
		Stealth:    r.opts.Stealth,
	})
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	r.gen++
	r.session = s
	r.mode = modeHeaded
	if headless {
		r.mode = modeHeadless
	}
	s.OnResponse(r.captures.Handle)
	r.watch(r.gen, s)
	return nil
}

func (r *Run) watch(gen int, s browser.Session) {
	r.sup.wg.Add(1)
	go func() {
		defer r.sup.wg.Done()
		select {
		case <-s.Disconnected():
			r.send(disconnectEvent{gen: gen})
		case <-r.done:
		}
	}()
}

func (r *Run) closeSession() {
	if r.session == nil {
		return
	}
	r.gen++
	if err := r.session.Close(); err != nil {
		r.log.Warn("closing browser", zap.Error(err))
	}
	r.session = nil
	r.mode = modeClosed
}

func (r *Run) disconnected(gen int) {
	if gen != r.gen || r.ended {
		r.log.Debug("ignoring disconnect", zap.Int("gen", gen), zap.Int("current", r.gen), zap.Bool("ended", r.ended))
		return
	}
	r.log.Info("browser disconnected, user closed the window", zap.Stringer("mode", r.mode))
	r.closeSession()
	r.events.terminal(func() { r.events.out.Status(r.req.RunID, StatusStopped) })
	r.end()
	r.finish(PhaseStopped, 0)
}

func (r *Run) stop() {
	if r.ended {
		if r.grace != nil {
			r.grace.Stop()
			r.grace = nil
			r.closeSession()
			r.finish(PhaseComplete, 0)
		}
		return
	}
	r.log.Info("stop requested")
	r.closeSession()
	r.events.terminal(func() { r.events.out.Status(r.req.RunID, StatusStopped) })
	r.end()
	r.finish(PhaseStopped, 0)
}

func (r *Run) quit() {
	r.events.terminal(nil)
	if r.grace != nil {
		r.grace.Stop()
		r.grace = nil
	}
	r.closeSession()
	if !r.ended {
		r.end()
	}
	r.finish(PhaseQuit, 0)
}

func (r *Run) connectorDone(result interface{}, err error) {
	if r.ended {
		return
	}
	if err != nil {
		msg := err.Error()
		var cerr *harness.ConnectorError
		if errors.As(err, &cerr) {
			msg = cerr.Message
		}
		r.log.Error("connector failed", zap.String("message", msg))
		r.events.terminal(func() {
			r.events.out.Error(r.req.RunID, msg)
			r.events.out.Status(r.req.RunID, StatusError)
		})
		r.closeSession()
		r.end()
		r.finish(PhaseError, 1)
		return
	}

	r.events.terminal(func() {
		r.events.out.Result(r.req.RunID, result)
		r.events.out.Status(r.req.RunID, StatusComplete)
	})
	r.ended = true
	if r.session == nil {
		r.finish(PhaseComplete, 0)
		return
	}
	r.grace = time.NewTimer(r.opts.Grace)
}

// end marks the run terminal and interrupts the connector.
func (r *Run) end() {
	r.ended = true
	r.cancel()
}

func (r *Run) finish(phase Phase, code int) {
	r.outcome = &Outcome{RunID: r.req.RunID, Phase: phase, ExitCode: code}
}

// work is the connector goroutine: setup, initial navigation, the script.
func (r *Run) work() {
	result, err := r.execute()
	r.send(doneEvent{result: result, err: err})
}

func (r *Run) execute() (interface{}, error) {
	exe, err := r.opts.Resolver.Resolve()
	if err != nil {
		return nil, err
	}
	r.log.Info("using browser", zap.String("path", exe.Path), zap.Bool("system", exe.System))

	script, err := harness.Load(r.req.ConnectorPath)
	if err != nil {
		return nil, err
	}

	profileDir, err := r.opts.ProfileDir(r.req.ConnectorPath)
	if err != nil {
		return nil, err
	}
	if err := appdirs.EnsureDir(profileDir); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	if r.opts.Cookies != nil {
		r.opts.Cookies.Prepare(r.ctx, exe, profileDir)
	}

	rep := r.ask(r.ctx, request{op: opLaunch, exe: exe, profileDir: profileDir})
	if rep.err != nil {
		return nil, rep.err
	}
	r.log.Info("navigating to initial URL", zap.String("url", rep.navigate))
	if err := rep.session.Navigate(r.ctx, rep.navigate); err != nil {
		return nil, fmt.Errorf("navigate to %s: %w", rep.navigate, err)
	}
	r.events.Status(StatusRunning)

	return r.opts.Harness.Run(r.ctx, script, r.api)
}

// controller is the run as seen by the Page API.
type controller struct {
	r *Run
}

func (c controller) Session() (browser.Session, error) {
	rep := c.r.ask(c.r.ctx, request{op: opSession})
	if errors.Is(rep.err, errRunEnded) {
		return nil, pageapi.ErrBrowserClosed
	}
	return rep.session, rep.err
}

func (c controller) CloseBrowser(ctx context.Context) error {
	return c.r.ask(ctx, request{op: opClose}).err
}

func (c controller) ShowBrowser(ctx context.Context, url string) error {
	return c.switchTo(ctx, request{op: opShow, url: url})
}

func (c controller) GoHeadless(ctx context.Context, url string) error {
	return c.switchTo(ctx, request{op: opHeadless, url: url})
}

func (c controller) switchTo(ctx context.Context, req request) error {
	rep := c.r.ask(ctx, req)
	if rep.err != nil {
		return rep.err
	}
	if rep.navigate == "" {
		return nil
	}
	if err := rep.session.Navigate(ctx, rep.navigate); err != nil {
		return fmt.Errorf("navigate to %s: %w", rep.navigate, err)
	}
	return nil
}

func (c controller) Cookies() []browser.Cookie {
	return c.r.ask(c.r.ctx, request{op: opCookies}).cookies
}
