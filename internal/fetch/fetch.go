package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
	"golang.org/x/net/idna"
	"golang.org/x/text/encoding"

	"connectorrunner/browser"
)

// Options mirror the second argument of page.httpFetch.
type Options struct {
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	Body      interface{}       `json:"body"`
	TimeoutMs int64             `json:"timeout"`
}

// Result is what page.httpFetch resolves to. Error is nil on success.
type Result struct {
	OK      bool              `json:"ok"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Text    string            `json:"text"`
	JSON    interface{}       `json:"json"`
	Error   *string           `json:"error"`
}

func failed(msg string) Result {
	return Result{Headers: map[string]string{}, Error: &msg}
}

// Client performs browserless requests carrying cookies taken from a
// closed browser session.
type Client struct {
	http    *resty.Client
	timeout time.Duration
	log     *zap.Logger
}

func NewClient(timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	log = log.Named("fetch")
	// Only the cookies handed to Do are sent; responses must not seed a jar.
	hc := resty.New().
		SetCookieJar(nil).
		SetHeader("User-Agent", browser.UserAgent).
		SetLogger(log.Sugar())
	return &Client{
		http:    hc,
		timeout: timeout,
		log:     log,
	}
}

// Do never returns an error; failures end up in Result.Error.
func (c *Client) Do(ctx context.Context, rawURL string, opts Options, cookies []browser.Cookie) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = failed(fmt.Sprint(r))
		}
	}()

	timeout := c.timeout
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := c.http.R().SetContext(ctx)
	for k, v := range opts.Headers {
		req.SetHeader(k, v)
	}
	if header := CookieHeader(rawURL, cookies); header != "" {
		req.SetHeader("Cookie", header)
	}
	if opts.Body != nil {
		switch body := opts.Body.(type) {
		case string:
			req.SetBody(body)
		default:
			raw, err := json.Marshal(body)
			if err != nil {
				return failed(fmt.Sprintf("encode body: %v", err))
			}
			req.SetBody(raw)
		}
	}

	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	if method == "" {
		method = http.MethodGet
	}

	resp, err := req.Execute(method, rawURL)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return failed(fmt.Sprintf("request timed out after %s", timeout))
		}
		return failed(err.Error())
	}

	text := decodeBody(resp.Body(), resp.Header().Get("Content-Type"))
	res = Result{
		OK:      resp.StatusCode() >= 200 && resp.StatusCode() < 300,
		Status:  resp.StatusCode(),
		Headers: flattenHeaders(resp.Header()),
		Text:    text,
	}
	var parsed interface{}
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		res.JSON = parsed
	}
	if !res.OK {
		c.log.Warn("httpFetch non-2xx",
			zap.Int("status", res.Status),
			zap.String("url", truncate(rawURL, 100)),
			zap.String("body", truncate(text, 200)))
	}
	return res
}

// CookieHeader builds a Cookie header from every cookie whose domain is
// the target host or a parent of it.
func CookieHeader(rawURL string, cookies []browser.Cookie) string {
	if len(cookies) == 0 {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := normalizeHost(u.Hostname())
	if host == "" {
		return ""
	}

	var pairs []string
	for _, c := range cookies {
		domain := normalizeHost(strings.TrimPrefix(c.Domain, "."))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			pairs = append(pairs, c.Name+"="+c.Value)
		}
	}
	return strings.Join(pairs, "; ")
}

func normalizeHost(host string) string {
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

// decodeBody converts the body to UTF-8 using the declared or sniffed
// charset. Valid UTF-8 without a declared charset is returned as is.
func decodeBody(raw []byte, contentType string) string {
	enc, name, certain := charset.DetermineEncoding(raw, contentType)
	if name == "utf-8" || (!certain && utf8.Valid(raw)) {
		return string(raw)
	}
	decoded, err := decodeWith(enc, raw)
	if err != nil {
		return string(raw)
	}
	return decoded
}

func decodeWith(enc encoding.Encoding, raw []byte) (string, error) {
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
