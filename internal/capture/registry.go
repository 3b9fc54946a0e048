package capture

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"connectorrunner/browser"
)

// Registration is an interest in responses whose URL contains URLPattern.
// When BodyPattern is set, the originating request body must also contain
// one of its |-separated alternatives.
type Registration struct {
	Key         string `json:"key"`
	URLPattern  string `json:"urlPattern"`
	BodyPattern string `json:"bodyPattern,omitempty"`
}

func (r Registration) matches(url, requestBody string) bool {
	if r.URLPattern != "" && !strings.Contains(url, r.URLPattern) {
		return false
	}
	if r.BodyPattern == "" {
		return true
	}
	for _, alt := range strings.Split(r.BodyPattern, "|") {
		if strings.Contains(requestBody, alt) {
			return true
		}
	}
	return false
}

// Captured is the latest matching response for a key.
type Captured struct {
	URL       string      `json:"url"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// Notifier is told each time a capture is stored.
type Notifier func(key, url string)

// Registry is the per-run capture table. Handle is meant to be installed as
// the session's response listener; it is safe to call concurrently with the
// other methods.
type Registry struct {
	mu       sync.Mutex
	keys     []string
	regs     map[string]Registration
	captured map[string]Captured

	notify Notifier
	log    *zap.Logger
	now    func() time.Time
}

func NewRegistry(log *zap.Logger, notify Notifier) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		regs:     make(map[string]Registration),
		captured: make(map[string]Captured),
		notify:   notify,
		log:      log,
		now:      time.Now,
	}
}

// Register adds or replaces the registration for reg.Key.
func (r *Registry) Register(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.regs[reg.Key]; !ok {
		r.keys = append(r.keys, reg.Key)
	}
	r.regs[reg.Key] = reg
	r.log.Info("registered network capture", zap.String("key", reg.Key), zap.String("urlPattern", reg.URLPattern))
}

func (r *Registry) Get(key string) (Captured, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.captured[key]
	return c, ok
}

func (r *Registry) Has(key string) bool {
	_, ok := r.Get(key)
	return ok
}

// Clear drops every registration and every stored response.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = nil
	r.regs = make(map[string]Registration)
	r.captured = make(map[string]Captured)
}

func (r *Registry) matching(url, requestBody string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for _, key := range r.keys {
		if r.regs[key].matches(url, requestBody) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Handle checks one finished response against every registration. Only
// JSON bodies are stored; anything else is ignored.
func (r *Registry) Handle(resp browser.Response) {
	url := resp.URL()
	keys := r.matching(url, resp.RequestBody())
	if len(keys) == 0 {
		return
	}

	raw, err := resp.Body()
	if err != nil {
		r.log.Debug("capture body unavailable", zap.String("url", url), zap.Error(err))
		return
	}
	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil || data == nil {
		r.log.Debug("capture body is not JSON", zap.String("url", url))
		return
	}

	for _, key := range keys {
		r.mu.Lock()
		// Cleared or replaced while the body was read.
		_, still := r.regs[key]
		if still {
			r.captured[key] = Captured{URL: url, Data: data, Timestamp: r.now().UnixMilli()}
		}
		r.mu.Unlock()

		if still && r.notify != nil {
			r.notify(key, url)
		}
	}
}
