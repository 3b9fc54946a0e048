// Package browsertest provides an in-memory browser.Launcher for tests.
package browsertest

import (
	"context"
	"errors"
	"sync"

	"connectorrunner/browser"
)

var ErrSessionClosed = errors.New("browsertest: session closed")

// Launcher hands out Sessions and records every launch.
type Launcher struct {
	mu       sync.Mutex
	launches []browser.LaunchOptions
	sessions []*Session

	// LaunchErr, when set, fails every launch.
	LaunchErr error
	// Cookies seeds the jar of every new session.
	Cookies []browser.Cookie
	// Evaluate is installed on every new session.
	Evaluate func(expression string) (interface{}, error)
	// OnLaunch runs after a session is created and before it is returned.
	OnLaunch func(*Session)
}

func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Session, error) {
	l.mu.Lock()
	l.launches = append(l.launches, opts)
	if l.LaunchErr != nil {
		err := l.LaunchErr
		l.mu.Unlock()
		return nil, err
	}
	s := NewSession()
	s.cookies = append([]browser.Cookie(nil), l.Cookies...)
	s.evaluate = l.Evaluate
	l.sessions = append(l.sessions, s)
	hook := l.OnLaunch
	l.mu.Unlock()

	if hook != nil {
		hook(s)
	}
	return s, nil
}

func (l *Launcher) Launches() []browser.LaunchOptions {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]browser.LaunchOptions(nil), l.launches...)
}

func (l *Launcher) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Session(nil), l.sessions...)
}

// Last returns the most recently launched session, or nil.
func (l *Launcher) Last() *Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sessions) == 0 {
		return nil
	}
	return l.sessions[len(l.sessions)-1]
}

// Session is a fake live context.
type Session struct {
	mu        sync.Mutex
	visited   []string
	cookies   []browser.Cookie
	listener  func(browser.Response)
	evaluate  func(expression string) (interface{}, error)
	closed    bool
	navErr    error
	gone      chan struct{}
	closeOnce sync.Once
}

func NewSession() *Session {
	return &Session{gone: make(chan struct{})}
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.navErr != nil {
		return s.navErr
	}
	s.visited = append(s.visited, url)
	return ctx.Err()
}

func (s *Session) Evaluate(ctx context.Context, expression string) (interface{}, error) {
	s.mu.Lock()
	fn, closed := s.evaluate, s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSessionClosed
	}
	if fn == nil {
		return nil, nil
	}
	return fn(expression)
}

func (s *Session) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return append([]browser.Cookie(nil), s.cookies...), nil
}

func (s *Session) OnResponse(fn func(browser.Response)) {
	s.mu.Lock()
	s.listener = fn
	s.mu.Unlock()
}

func (s *Session) Disconnected() <-chan struct{} { return s.gone }

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.gone) })
	return nil
}

// Disconnect simulates the user closing the browser window.
func (s *Session) Disconnect() { _ = s.Close() }

// FailNavigation makes later Navigate calls return err.
func (s *Session) FailNavigation(err error) {
	s.mu.Lock()
	s.navErr = err
	s.mu.Unlock()
}

// Respond delivers a finished response to the installed listener.
func (s *Session) Respond(r *Response) {
	s.mu.Lock()
	fn := s.listener
	s.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

func (s *Session) Visited() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.visited...)
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Response is a canned browser.Response.
type Response struct {
	Link    string
	Request string
	Data    string
	Err     error
}

func (r *Response) URL() string         { return r.Link }
func (r *Response) RequestBody() string { return r.Request }

func (r *Response) Body() ([]byte, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	return []byte(r.Data), nil
}
