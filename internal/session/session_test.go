package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/drsoft-oss/webber/internal/proxy"
	"github.com/drsoft-oss/webber/internal/upstream"
	"github.com/drsoft-oss/webber/internal/werrors"
)

// directProxy builds a Proxy with a placeholder URL (127.0.0.1:1, where
// nothing listens) so these tests never need a real forward proxy; tests that
// make requests clear the transport's Proxy field so requests go straight to
// the httptest server.
func directProxy(t *testing.T, hs proxy.HeaderSet) *proxy.Proxy {
	t.Helper()
	px, err := proxy.New(1, "http://127.0.0.1:1", hs)
	if err != nil {
		t.Fatal(err)
	}
	return px
}

func TestMergeHeaders_CallerWinsExceptUserAgent(t *testing.T) {
	proxySet := proxy.HeaderSet{
		{Name: "User-Agent", Value: "proxy-ua"},
		{Name: "Accept-Language", Value: "en-US"},
	}
	caller := http.Header{
		"User-Agent":      {"caller-ua"},
		"Accept-Language": {"fr-FR"},
		"X-Custom":        {"value"},
	}

	merged := mergeHeaders(caller, proxySet)

	if got := merged.Get("User-Agent"); got != "proxy-ua" {
		t.Fatalf("expected proxy to control User-Agent, got %q", got)
	}
	if got := merged.Get("Accept-Language"); got != "fr-FR" {
		t.Fatalf("expected caller header to win on non-UA conflict, got %q", got)
	}
	if got := merged.Get("X-Custom"); got != "value" {
		t.Fatalf("expected caller-only header to pass through, got %q", got)
	}
}

func TestTooManyRedirects(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/next", http.StatusFound)
	}))
	defer srv.Close()

	px := directProxy(t, nil)
	s, err := New(px, Config{
		HTTPVersion:     upstream.HTTP1,
		FollowRedirects: true,
		MaxRedirects:    2,
		BudgetTotal:     10,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Route straight at the test server instead of through the dummy proxy
	// URL, by overriding the transport's Proxy func with a no-op (the dummy
	// proxy address is unroutable).
	s.client.Transport.(*http.Transport).Proxy = nil

	_, err = s.Get(context.Background(), srv.URL, nil, Hooks{})
	if err != werrors.ErrTooManyRedirects {
		t.Fatalf("expected ErrTooManyRedirects, got %v", err)
	}
}

func TestRedirectNotFollowedWhenDisabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	px := directProxy(t, nil)
	s, err := New(px, Config{
		HTTPVersion:     upstream.HTTP1,
		FollowRedirects: false,
		BudgetTotal:     10,
	})
	if err != nil {
		t.Fatal(err)
	}
	s.client.Transport.(*http.Transport).Proxy = nil

	resp, err := s.Get(context.Background(), srv.URL, nil, Hooks{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected the raw redirect response, got %d", resp.StatusCode)
	}
}

func TestHooksRunOnRequestAndResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	px := directProxy(t, nil)
	s, err := New(px, Config{HTTPVersion: upstream.HTTP1, BudgetTotal: 10})
	if err != nil {
		t.Fatal(err)
	}
	s.client.Transport.(*http.Transport).Proxy = nil

	var sawRequest, sawResponse bool
	hooks := Hooks{
		Request:  []func(*http.Request) error{func(*http.Request) error { sawRequest = true; return nil }},
		Response: []func(*http.Response) error{func(*http.Response) error { sawResponse = true; return nil }},
	}

	if _, err := s.Get(context.Background(), srv.URL, nil, hooks); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sawRequest || !sawResponse {
		t.Fatalf("expected both hooks to run, got request=%v response=%v", sawRequest, sawResponse)
	}
}
