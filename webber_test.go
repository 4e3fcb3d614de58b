package webber

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drsoft-oss/webber/internal/proxy"
	"github.com/drsoft-oss/webber/internal/retry"
)

// scriptedProxy stands up an httptest server acting as a forward proxy,
// playing back statuses in order and sticking at the last one. Plain HTTP
// requests through an HTTP forward proxy arrive at the proxy in absolute-URI
// form, so the proxy answers for the origin and no real upstream exists.
func scriptedProxy(t *testing.T, id int64, statuses ...int) *proxy.Proxy {
	t.Helper()
	var n atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := int(n.Add(1)) - 1
		if i >= len(statuses) {
			i = len(statuses) - 1
		}
		w.WriteHeader(statuses[i])
	}))
	t.Cleanup(srv.Close)

	px, err := proxy.New(id, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	return px
}

func testConfig() Config {
	return Config{
		MinBudget:       4,
		MaxBudget:       4,
		InFlightPermits: 5,
		DialTimeout:     5 * time.Second,
	}
}

func TestGetRetriesThenSucceeds(t *testing.T) {
	px := scriptedProxy(t, 1, http.StatusServiceUnavailable, http.StatusOK)
	w, err := New([]*proxy.Proxy{px}, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	var seen []retry.Class
	w.SetRetryObserver(func(c retry.Class) { seen = append(seen, c) })

	resp, err := w.Get(context.Background(), "http://origin.example/", nil, nil, Hooks{}, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after one retried 503, got %d", resp.StatusCode)
	}

	if len(seen) != 1 || seen[0] != retry.Status(http.StatusServiceUnavailable) {
		t.Fatalf("expected exactly one 503 retry observed, got %v", seen)
	}
	if got := w.SessionsRetired(); got != 1 {
		t.Fatalf("expected the 503 session retired, got %d", got)
	}
}

func TestGetExhaustsRetryBudgetThenFails(t *testing.T) {
	px := scriptedProxy(t, 1, http.StatusForbidden)
	w, err := New([]*proxy.Proxy{px}, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	// One retry for 403, then the status error surfaces.
	retries := map[retry.Class]retry.Budget{retry.Status(http.StatusForbidden): 1}
	_, err = w.Get(context.Background(), "http://origin.example/", nil, retries, Hooks{}, nil)
	if err == nil {
		t.Fatal("expected error once the 403 budget is spent")
	}
}

func TestCoordinatorPerAuthority(t *testing.T) {
	p1 := scriptedProxy(t, 1, http.StatusOK)
	p2 := scriptedProxy(t, 2, http.StatusOK)
	w, err := New([]*proxy.Proxy{p1, p2}, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	ctx := context.Background()
	for _, u := range []string{"http://a.example/", "http://b.example:8080/x"} {
		resp, err := w.Get(ctx, u, nil, nil, Hooks{}, nil)
		if err != nil {
			t.Fatalf("Get %s: %v", u, err)
		}
		resp.Body.Close()
	}

	origins := w.Origins()
	if len(origins) != 2 {
		t.Fatalf("expected one coordinator per authority, got %v", origins)
	}
	got := map[string]bool{}
	for _, o := range origins {
		got[o] = true
	}
	if !got["a.example"] || !got["b.example:8080"] {
		t.Fatalf("expected authorities a.example and b.example:8080, got %v", origins)
	}
}
