// Package pageapi is the capability surface handed to connector scripts.
package pageapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"connectorrunner/browser"
	"connectorrunner/internal/capture"
	"connectorrunner/internal/fetch"
)

// ErrBrowserClosed is returned by browser-bound operations while no
// context is live. The text is shown to connector authors as is.
var ErrBrowserClosed = errors.New("Browser is closed. Use page.httpFetch() for HTTP requests or page.showBrowser() to reopen.")

const DefaultPromptInterval = 2 * time.Second

// Controller owns the run's browser context and its mode transitions.
type Controller interface {
	// Session returns the live session or ErrBrowserClosed.
	Session() (browser.Session, error)
	CloseBrowser(ctx context.Context) error
	ShowBrowser(ctx context.Context, url string) error
	GoHeadless(ctx context.Context, url string) error
	// Cookies is the jar snapshot taken by the last CloseBrowser.
	Cookies() []browser.Cookie
}

// Progress is a structured collection update.
type Progress struct {
	Phase   interface{} `json:"phase,omitempty"`
	Message string      `json:"message,omitempty"`
	Count   interface{} `json:"count,omitempty"`
}

// Events receives everything the API reports to the parent process.
type Events interface {
	Log(message string)
	Data(key string, value interface{})
	Progress(p Progress)
	WaitingForUser()
	Captured(key, url string)
}

type API struct {
	ctl      Controller
	events   Events
	captures *capture.Registry
	fetch    *fetch.Client
	log      *zap.Logger
}

func New(ctl Controller, events Events, captures *capture.Registry, fetchClient *fetch.Client, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{ctl: ctl, events: events, captures: captures, fetch: fetchClient, log: log.Named("pageapi")}
}

// NewCaptures builds a capture registry reporting to events.
func NewCaptures(events Events, log *zap.Logger) *capture.Registry {
	return capture.NewRegistry(log, events.Captured)
}

func (a *API) Goto(ctx context.Context, url string) error {
	s, err := a.ctl.Session()
	if err != nil {
		return err
	}
	a.log.Debug("goto", zap.String("url", url))
	a.events.Log("Navigating to: " + url)
	if err := s.Navigate(ctx, url); err != nil {
		a.log.Warn("goto failed", zap.String("url", url), zap.Error(err))
		return err
	}
	return nil
}

func (a *API) Evaluate(ctx context.Context, expression string) (interface{}, error) {
	s, err := a.ctl.Session()
	if err != nil {
		return nil, err
	}
	return s.Evaluate(ctx, expression)
}

// Sleep waits for d or until ctx ends.
func (a *API) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (a *API) SetData(key string, value interface{}) {
	switch key {
	case "status":
		msg, ok := value.(string)
		if !ok {
			msg = fmt.Sprint(value)
		}
		a.events.Log(msg)
		a.log.Info("[status] " + msg)
	case "error":
		a.log.Warn("[error] " + fmt.Sprint(value))
	}
	a.events.Data(key, value)
}

func (a *API) SetProgress(p Progress) {
	a.events.Progress(p)
	if p.Message != "" {
		a.log.Info("[progress] " + p.Message)
	}
}

// PromptStarted announces that the connector waits for the user.
func (a *API) PromptStarted(message string) {
	a.events.Log(message)
	a.events.WaitingForUser()
}

func (a *API) PromptDone() {
	a.events.Log("User action completed")
}

func (a *API) CaptureNetwork(reg capture.Registration) {
	a.captures.Register(reg)
}

// GetCapturedResponse returns nil until a response matched key.
func (a *API) GetCapturedResponse(key string) *capture.Captured {
	c, ok := a.captures.Get(key)
	if !ok {
		return nil
	}
	return &c
}

func (a *API) HasCapturedResponse(key string) bool {
	return a.captures.Has(key)
}

func (a *API) ClearNetworkCaptures() {
	a.captures.Clear()
}

func (a *API) CloseBrowser(ctx context.Context) error {
	return a.ctl.CloseBrowser(ctx)
}

func (a *API) ShowBrowser(ctx context.Context, url string) error {
	return a.ctl.ShowBrowser(ctx, url)
}

func (a *API) GoHeadless(ctx context.Context, url string) error {
	return a.ctl.GoHeadless(ctx, url)
}

// HTTPFetch performs a browserless request with the cookies saved when
// the browser was closed. It never fails; see fetch.Result.
func (a *API) HTTPFetch(ctx context.Context, url string, opts fetch.Options) fetch.Result {
	return a.fetch.Do(ctx, url, opts, a.ctl.Cookies())
}
