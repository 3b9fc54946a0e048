package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"
	"go.uber.org/zap"
)

const profileReleaseTimeout = 10 * time.Second

// RodLauncher launches persistent contexts with go-rod.
type RodLauncher struct {
	log *zap.Logger
}

func NewRodLauncher(log *zap.Logger) *RodLauncher {
	if log == nil {
		log = zap.NewNop()
	}
	return &RodLauncher{log: log.Named("browser")}
}

func (r *RodLauncher) launcherFor(opts LaunchOptions) *launcher.Launcher {
	l := launcher.New().
		Bin(opts.Executable.Path).
		UserDataDir(opts.ProfileDir).
		Headless(opts.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("window-size", fmt.Sprintf("%d,%d", ViewportWidth, ViewportHeight)).
		Set(flags.Flag("user-agent"), UserAgent).
		Delete("enable-automation")
	if opts.Executable.System {
		// Let the system browser use the OS keychain so imported cookies decrypt.
		l = l.Delete("use-mock-keychain")
	}
	return l
}

// Launch starts a browser on the profile dir and opens its single page.
func (r *RodLauncher) Launch(ctx context.Context, opts LaunchOptions) (Session, error) {
	if err := os.MkdirAll(opts.ProfileDir, 0o755); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	if profileLocked(opts.ProfileDir) {
		r.log.Debug("waiting for profile lock", zap.String("profile", opts.ProfileDir))
		waitProfileReleased(ctx, opts.ProfileDir, profileReleaseTimeout)
	}

	mode := "headed"
	if opts.Headless {
		mode = "headless"
	}
	r.log.Info("launching browser", zap.String("mode", mode), zap.String("profile", opts.ProfileDir), zap.String("bin", opts.Executable.Path))

	l := r.launcherFor(opts)
	controlURL, err := l.Launch()
	if err != nil && isProfileLockError(err) {
		r.log.Warn("profile locked, retrying launch once", zap.Error(err))
		waitProfileReleased(ctx, opts.ProfileDir, profileReleaseTimeout)
		l = r.launcherFor(opts)
		controlURL, err = l.Launch()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	s, err := newRodSession(b, l, opts, r.log)
	if err != nil {
		_ = b.Close()
		l.Kill()
		return nil, err
	}
	return s, nil
}

type rodSession struct {
	browser    *rod.Browser
	page       *rod.Page
	launcher   *launcher.Launcher
	profileDir string
	log        *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener func(Response)

	responses    chan Response
	disconnected chan struct{}
	closeOnce    sync.Once
}

func newRodSession(b *rod.Browser, l *launcher.Launcher, opts LaunchOptions, log *zap.Logger) (*rodSession, error) {
	page, err := openPage(b, opts.Stealth)
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             ViewportWidth,
		Height:            ViewportHeight,
		DeviceScaleFactor: 1,
	}); err != nil {
		log.Debug("set viewport failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &rodSession{
		browser:      b,
		page:         page,
		launcher:     l,
		profileDir:   opts.ProfileDir,
		log:          log,
		ctx:          ctx,
		cancel:       cancel,
		responses:    make(chan Response, 256),
		disconnected: make(chan struct{}),
	}

	s.page.EnableDomain(proto.NetworkEnable{})
	go s.watchNetwork()
	go s.dispatchResponses()
	go s.watchDisconnect()
	return s, nil
}

func openPage(b *rod.Browser, useStealth bool) (*rod.Page, error) {
	if useStealth {
		return stealth.Page(b)
	}
	pages, err := b.Pages()
	if err == nil && len(pages) > 0 {
		return pages.First(), nil
	}
	return b.Page(proto.TargetCreateTarget{URL: "about:blank"})
}

// watchNetwork pairs request, response and loading-finished events so that
// a response is only reported once its body can be read.
func (s *rodSession) watchNetwork() {
	type pending struct {
		url         string
		hasPostData bool
		postData    string
	}
	inflight := make(map[proto.NetworkRequestID]*pending)

	wait := s.page.Context(s.ctx).EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			p := &pending{}
			if e.Request != nil {
				p.hasPostData = e.Request.HasPostData
			}
			inflight[e.RequestID] = p
		},
		func(e *proto.NetworkResponseReceived) {
			p, ok := inflight[e.RequestID]
			if !ok {
				p = &pending{}
				inflight[e.RequestID] = p
			}
			if e.Response != nil {
				p.url = e.Response.URL
			}
		},
		func(e *proto.NetworkLoadingFinished) {
			p, ok := inflight[e.RequestID]
			delete(inflight, e.RequestID)
			if !ok || p.url == "" {
				return
			}
			resp := &rodResponse{page: s.page, id: e.RequestID, url: p.url}
			if p.hasPostData {
				resp.loadPostData()
			}
			select {
			case s.responses <- resp:
			case <-s.ctx.Done():
			}
		},
		func(e *proto.NetworkLoadingFailed) {
			delete(inflight, e.RequestID)
		},
	)
	wait()
}

func (s *rodSession) dispatchResponses() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case resp := <-s.responses:
			s.mu.Lock()
			fn := s.listener
			s.mu.Unlock()
			if fn != nil {
				fn(resp)
			}
		}
	}
}

// watchDisconnect returns when the page target is destroyed (the user
// closed the window) or the CDP connection drops.
func (s *rodSession) watchDisconnect() {
	defer close(s.disconnected)

	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(s.browser); err != nil {
		s.log.Debug("target discovery unavailable", zap.Error(err))
	}
	targetID := s.page.TargetID
	wait := s.browser.Context(s.ctx).EachEvent(func(e *proto.TargetTargetDestroyed) bool {
		return e.TargetID == targetID
	})
	wait()
}

func (s *rodSession) Navigate(ctx context.Context, url string) error {
	page := s.page.Context(ctx).Timeout(NavigationTimeout)
	defer page.CancelTimeout()
	wait := page.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return waitLoaded(page.GetContext(), url, wait)
}

// waitLoaded runs wait, which gives up silently once ctx ends, and turns
// that into an error.
func waitLoaded(ctx context.Context, url string, wait func()) error {
	wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (s *rodSession) Evaluate(ctx context.Context, expression string) (interface{}, error) {
	res, err := proto.RuntimeEvaluate{
		Expression:    expression,
		ReturnByValue: true,
		AwaitPromise:  true,
	}.Call(s.page.Context(ctx))
	if err != nil {
		return nil, err
	}
	if res.ExceptionDetails != nil {
		return nil, errors.New(exceptionMessage(res.ExceptionDetails))
	}
	if res.Result == nil {
		return nil, nil
	}
	return plainValue(res.Result.Value), nil
}

// plainValue unwraps a by-value result into maps, slices and scalars.
func plainValue(v gson.JSON) interface{} {
	if v.Nil() {
		return nil
	}
	return v.Val()
}

func exceptionMessage(d *proto.RuntimeExceptionDetails) string {
	if d.Exception != nil && d.Exception.Description != "" {
		return d.Exception.Description
	}
	return d.Text
}

func (s *rodSession) Cookies(ctx context.Context) ([]Cookie, error) {
	raw, err := s.browser.Context(ctx).GetCookies()
	if err != nil {
		return nil, err
	}
	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}
	return cookies, nil
}

func (s *rodSession) OnResponse(fn func(Response)) {
	s.mu.Lock()
	s.listener = fn
	s.mu.Unlock()
}

func (s *rodSession) Disconnected() <-chan struct{} {
	return s.disconnected
}

// Close shuts the browser down and waits until it released the profile.
// The profile dir itself is kept.
func (s *rodSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.browser.Close()
		s.cancel()
		if err != nil {
			s.launcher.Kill()
		}
		if !waitProfileReleased(context.Background(), s.profileDir, profileReleaseTimeout) {
			s.log.Warn("profile still locked after close", zap.String("profile", s.profileDir))
		}
	})
	return err
}

type rodResponse struct {
	page     *rod.Page
	id       proto.NetworkRequestID
	url      string
	postData string
}

func (r *rodResponse) loadPostData() {
	res, err := proto.NetworkGetRequestPostData{RequestID: r.id}.Call(r.page)
	if err == nil {
		r.postData = res.PostData
	}
}

func (r *rodResponse) URL() string         { return r.url }
func (r *rodResponse) RequestBody() string { return r.postData }

func (r *rodResponse) Body() ([]byte, error) {
	res, err := proto.NetworkGetResponseBody{RequestID: r.id}.Call(r.page)
	if err != nil {
		return nil, err
	}
	if res.Base64Encoded {
		return base64.StdEncoding.DecodeString(res.Body)
	}
	return []byte(res.Body), nil
}
