package hostcoord

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/drsoft-oss/webber/internal/pool"
	"github.com/drsoft-oss/webber/internal/proxy"
	"github.com/drsoft-oss/webber/internal/session"
	"github.com/drsoft-oss/webber/internal/sessionmgr"
	"github.com/drsoft-oss/webber/internal/upstream"
)

// target is never resolved: plain HTTP requests through an HTTP forward
// proxy arrive at the proxy in absolute-URI form, so the httptest servers
// standing in as proxies answer for the origin directly.
const target = "http://origin.example/"

// proxyPool builds a Pool of n forward proxies, each an httptest server that
// invokes onRequest and answers 200.
func proxyPool(t *testing.T, n int, onRequest func()) *pool.Pool {
	t.Helper()
	proxies := make([]*proxy.Proxy, n)
	for i := range proxies {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if onRequest != nil {
				onRequest()
			}
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(srv.Close)
		px, err := proxy.New(int64(i+1), srv.URL, nil)
		if err != nil {
			t.Fatal(err)
		}
		proxies[i] = px
	}
	p, err := pool.NewFromProxies(proxies, 0)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// TestSpacingEnforcement checks that five concurrent GETs to the same
// origin observe start times at least min_spacing apart.
func TestSpacingEnforcement(t *testing.T) {
	var mu sync.Mutex
	var starts []time.Time
	p := proxyPool(t, 5, func() {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
	})
	mgr := sessionmgr.New(p, sessionmgr.Config{MinBudget: 10, MaxBudget: 10, ClientDelay: time.Nanosecond})
	c := New("origin.example", mgr, Config{InFlightPermits: 10, MinSpacing: 50 * time.Millisecond})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Do(context.Background(), target, nil, session.Hooks{}, upstream.HTTP1); err != nil {
				t.Errorf("Do: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(starts) != 5 {
		t.Fatalf("expected 5 starts, got %d", len(starts))
	}
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		if gap < 49*time.Millisecond {
			t.Fatalf("gap between request %d and %d was %s, want >= 50ms", i-1, i, gap)
		}
	}
}

// TestConcurrencyGateCancellation checks that a context cancelled while
// blocked on the concurrency permit returns promptly without leaking a slot.
func TestConcurrencyGateCancellation(t *testing.T) {
	p := proxyPool(t, 1, nil)
	mgr := sessionmgr.New(p, sessionmgr.Config{MinBudget: 10, MaxBudget: 10, ClientDelay: time.Nanosecond})
	c := New("origin.example", mgr, Config{InFlightPermits: 1})
	c.sem <- struct{}{} // fill the one permit

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Do(ctx, target, nil, session.Hooks{}, upstream.HTTP1)
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
}
