package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connectorrunner/browser"
)

func TestDoReturnsJSONAndHeaders(t *testing.T) {
	var gotCookie, gotMethod, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotMethod = r.Method
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Id", "abc")
		_, _ = io.WriteString(w, `{"items":[1,2]}`)
	}))
	defer srv.Close()

	c := NewClient(time.Second, nil)
	cookies := []browser.Cookie{{Name: "session", Value: "s1", Domain: "127.0.0.1"}}
	res := c.Do(context.Background(), srv.URL+"/api", Options{
		Method: "post",
		Body:   map[string]interface{}{"q": "x"},
	}, cookies)

	require.Nil(t, res.Error)
	assert.True(t, res.OK)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, "abc", res.Headers["x-request-id"])
	assert.Equal(t, map[string]interface{}{"items": []interface{}{float64(1), float64(2)}}, res.JSON)
	assert.Equal(t, "session=s1", gotCookie)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.JSONEq(t, `{"q":"x"}`, gotBody)
}

func TestDoNonJSONAndNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, "<html>denied</html>")
	}))
	defer srv.Close()

	res := NewClient(time.Second, nil).Do(context.Background(), srv.URL, Options{}, nil)
	require.Nil(t, res.Error)
	assert.False(t, res.OK)
	assert.Equal(t, 403, res.Status)
	assert.Equal(t, "<html>denied</html>", res.Text)
	assert.Nil(t, res.JSON)
}

func TestDoNeverFails(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	tests := []struct {
		name string
		url  string
		opts Options
	}{
		{name: "bad url", url: "::not a url"},
		{name: "missing scheme", url: "example.com/x"},
		{name: "unreachable host", url: closedURL},
		{name: "timeout", url: slow.URL, opts: Options{TimeoutMs: 50}},
		{name: "unencodable body", url: slow.URL, opts: Options{Body: map[string]interface{}{"f": func() {}}}},
	}

	c := NewClient(time.Second, nil)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := c.Do(context.Background(), tc.url, tc.opts, nil)
			assert.False(t, res.OK)
			require.NotNil(t, res.Error)
			assert.NotEmpty(t, *res.Error)
			assert.Equal(t, 0, res.Status)
			assert.Nil(t, res.JSON)
			assert.NotNil(t, res.Headers)
		})
	}
}

func TestDoDecodesDeclaredCharset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=iso-8859-1")
		_, _ = w.Write([]byte{'c', 'a', 'f', 0xe9})
	}))
	defer srv.Close()

	res := NewClient(time.Second, nil).Do(context.Background(), srv.URL, Options{}, nil)
	require.Nil(t, res.Error)
	assert.Equal(t, "café", res.Text)
}

func TestCookieHeaderDomainMatching(t *testing.T) {
	cookies := []browser.Cookie{
		{Name: "a", Value: "1", Domain: ".chatgpt.com"},
		{Name: "b", Value: "2", Domain: "chatgpt.com"},
		{Name: "c", Value: "3", Domain: "auth.chatgpt.com"},
		{Name: "d", Value: "4", Domain: "notchatgpt.com"},
		{Name: "e", Value: "5", Domain: ".openai.com"},
	}

	tests := []struct {
		url  string
		want string
	}{
		{url: "https://chatgpt.com/backend-api/me", want: "a=1; b=2"},
		{url: "https://auth.chatgpt.com/x", want: "a=1; b=2; c=3"},
		{url: "https://CHATGPT.com/", want: "a=1; b=2"},
		{url: "https://api.openai.com/v1", want: "e=5"},
		{url: "https://example.org/", want: ""},
		{url: "%%%", want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.url, func(t *testing.T) {
			assert.Equal(t, tc.want, CookieHeader(tc.url, cookies))
		})
	}
}

func TestCookieHeaderIDN(t *testing.T) {
	cookies := []browser.Cookie{{Name: "k", Value: "v", Domain: ".bücher.example"}}
	assert.Equal(t, "k=v", CookieHeader("https://shop.xn--bcher-kva.example/", cookies))
}

func TestDoDoesNotReplayResponseCookies(t *testing.T) {
	var echoed []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/set" {
			http.SetCookie(w, &http.Cookie{Name: "tracker", Value: "leaked", Path: "/"})
			return
		}
		echoed = append(echoed, r.Header.Get("Cookie"))
	}))
	defer srv.Close()

	c := NewClient(time.Second, nil)
	ctx := context.Background()
	require.Nil(t, c.Do(ctx, srv.URL+"/set", Options{}, nil).Error)
	require.Nil(t, c.Do(ctx, srv.URL+"/echo", Options{}, nil).Error)
	require.Nil(t, c.Do(ctx, srv.URL+"/echo", Options{}, []browser.Cookie{{Name: "session", Value: "s1", Domain: "127.0.0.1"}}).Error)

	assert.Equal(t, []string{"", "session=s1"}, echoed)
}
