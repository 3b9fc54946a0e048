package browser

import (
	"context"
	"time"
)

// Cookie is one entry of a context's cookie jar at the time it was read.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
}

// Response is a finished network response seen on the live page.
type Response interface {
	URL() string
	// RequestBody is the post data of the originating request, or "".
	RequestBody() string
	Body() ([]byte, error)
}

// LaunchOptions describes one persistent context launch.
type LaunchOptions struct {
	Executable Executable
	ProfileDir string
	Headless   bool
	Stealth    bool
}

// Session is a live persistent context with exactly one page.
type Session interface {
	Navigate(ctx context.Context, url string) error
	// Evaluate runs a JavaScript expression in the page and returns its
	// JSON value. Promises are awaited.
	Evaluate(ctx context.Context, expression string) (interface{}, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	// OnResponse installs the response listener. Responses are delivered
	// one at a time in the order they finished loading.
	OnResponse(fn func(Response))
	// Disconnected is closed once the page or the browser connection goes
	// away, whoever caused it.
	Disconnected() <-chan struct{}
	Close() error
}

// Launcher starts persistent contexts.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Session, error)
}

const (
	ViewportWidth  = 1280
	ViewportHeight = 800
	UserAgent      = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	NavigationTimeout = 30 * time.Second
)
