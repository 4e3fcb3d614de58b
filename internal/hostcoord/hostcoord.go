// Package hostcoord implements the Host Coordinator: a per-origin gate that
// caps in-flight requests and enforces minimum inter-request spacing before
// handing a request to that origin's Session Manager. Concurrency is a
// counting-semaphore channel; spacing is a mutex-guarded last-request
// timestamp, so arrivals serialise through the wait in lock order while
// the HTTP calls themselves overlap up to the permit cap.
package hostcoord

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/drsoft-oss/webber/internal/session"
	"github.com/drsoft-oss/webber/internal/sessionmgr"
	"github.com/drsoft-oss/webber/internal/upstream"
)

const defaultInFlightPermits = 20

// Config controls a Coordinator's concurrency cap and spacing.
type Config struct {
	// InFlightPermits bounds how many requests to this origin may pass the
	// gate concurrently. Zero means defaultInFlightPermits.
	InFlightPermits int

	// MinSpacing is the minimum wall-clock gap enforced between two gate
	// releases for this origin. Zero disables spacing.
	MinSpacing time.Duration
}

// Coordinator is the per-origin gate: a counting semaphore for concurrency
// plus a mutex-guarded last-request timestamp for spacing. The spacing lock
// is held only across the wait computation and the sleep, releasing before
// the HTTP call, so concurrency up to InFlightPermits is still permitted.
type Coordinator struct {
	origin string
	sem    chan struct{}

	spacingMu     sync.Mutex
	minSpacing    time.Duration
	lastRequestAt time.Time

	mgr *sessionmgr.Manager
}

// New builds a Coordinator for one origin, backed by mgr for Session
// allocation and the shared Proxy Pool mgr was constructed with.
func New(origin string, mgr *sessionmgr.Manager, cfg Config) *Coordinator {
	permits := cfg.InFlightPermits
	if permits == 0 {
		permits = defaultInFlightPermits
	}
	return &Coordinator{
		origin:     origin,
		sem:        make(chan struct{}, permits),
		minSpacing: cfg.MinSpacing,
		mgr:        mgr,
	}
}

// Origin returns the URL authority this Coordinator gates.
func (c *Coordinator) Origin() string { return c.origin }

// Do acquires the concurrency permit and spacing gate, then dispatches to the
// Session Manager. Acquiring the concurrency permit is a suspension point
// cancellable by ctx; the spacing sleep is not cancellable by timeout but is
// interrupted by ctx cancellation — coordinator waits yield only to explicit
// caller cancellation, never to an internal deadline.
func (c *Coordinator) Do(ctx context.Context, target string, headers http.Header, hooks session.Hooks, version upstream.HTTPVersion) (*http.Response, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sem }()

	if err := c.space(ctx); err != nil {
		return nil, err
	}

	return c.mgr.Do(ctx, target, headers, hooks, version)
}

// space enforces min_spacing between requests to the same origin: the lock
// is held across both the wait computation and the sleep itself (so arrivals
// serialise in lock-acquisition order), and released before the caller's
// HTTP call, which is made outside this method.
func (c *Coordinator) space(ctx context.Context) error {
	c.spacingMu.Lock()
	defer c.spacingMu.Unlock()

	if c.minSpacing > 0 {
		if wait := c.minSpacing - time.Since(c.lastRequestAt); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				if ctx.Err() != context.DeadlineExceeded {
					return ctx.Err()
				}
				// A passed deadline does not cut the spacing wait short.
				<-timer.C
			}
		}
	}
	c.lastRequestAt = time.Now()
	return nil
}

// SessionsRetired reports how many Sessions this origin's Manager has
// retired over its lifetime.
func (c *Coordinator) SessionsRetired() int64 {
	return c.mgr.SessionsRetired()
}

// Close retires every Session this Coordinator's Manager owns, releasing
// their Proxies back to the shared Pool. Used at shutdown.
func (c *Coordinator) Close() {
	c.mgr.Close()
}
