// Package webber is the caller-facing façade: the single entry point that
// dispatches per-URL GETs to the right per-origin Host Coordinator and wraps
// the Retry Engine around it. Shutdown handling is centralised here: on
// SIGINT/SIGTERM or Close, every coordinator's Sessions are retired and their
// Proxies released. The root context is not passed to coordinators or
// Sessions; in-flight Gets run under the caller's context and are not
// cancelled by shutdown.
package webber

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/drsoft-oss/webber/internal/hostcoord"
	"github.com/drsoft-oss/webber/internal/pool"
	"github.com/drsoft-oss/webber/internal/proxy"
	"github.com/drsoft-oss/webber/internal/retry"
	"github.com/drsoft-oss/webber/internal/session"
	"github.com/drsoft-oss/webber/internal/sessionmgr"
	"github.com/drsoft-oss/webber/internal/upstream"
)

// Hooks re-exports session.Hooks as the caller-facing event-hook contract.
type Hooks = session.Hooks

// HTTPVersion re-exports upstream.HTTPVersion as the caller-facing protocol
// selector.
type HTTPVersion = upstream.HTTPVersion

const (
	HTTP1 = upstream.HTTP1
	HTTP2 = upstream.HTTP2
)

// Config controls a Webber's pool policy, per-origin coordinator defaults,
// and default HTTP version.
type Config struct {
	// MaxBadResponses is the Proxy Pool's consecutive-bad-response eviction
	// threshold; 0 disables eviction.
	MaxBadResponses int

	// MinBudget, MaxBudget seed every new origin's Session Manager.
	MinBudget int
	MaxBudget int

	// InFlightPermits and MinSpacing seed every new origin's Host
	// Coordinator.
	InFlightPermits int
	MinSpacing      time.Duration

	// DialTimeout, FollowRedirects, MaxRedirects are passed through to every
	// Session a Session Manager creates.
	DialTimeout     time.Duration
	FollowRedirects bool
	MaxRedirects    int

	// DefaultHTTPVersion is used when a caller's Get does not specify one.
	DefaultHTTPVersion HTTPVersion

	// DefaultRetries is used when a caller's Get does not supply its own
	// retry map. Defaults to retry.DefaultBudgets() when nil.
	DefaultRetries map[retry.Class]retry.Budget
}

// Webber is the caller's single entry point: it owns the shared Proxy Pool
// and lazily builds one Host Coordinator per origin (URL authority).
type Webber struct {
	cfg  Config
	pool *pool.Pool

	mu      sync.Mutex
	hosts   map[string]*hostcoord.Coordinator
	onRetry func(retry.Class)

	rootCtx    context.Context
	cancelRoot context.CancelFunc
}

// New builds a Webber from an initial set of Proxies. Fails with
// werrors.ErrEmptyPool (via pool.New) if proxies is empty.
func New(proxies []*proxy.Proxy, cfg Config) (*Webber, error) {
	p, err := pool.NewFromProxies(proxies, cfg.MaxBadResponses)
	if err != nil {
		return nil, fmt.Errorf("webber: %w", err)
	}
	if cfg.DefaultRetries == nil {
		cfg.DefaultRetries = retry.DefaultBudgets()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Webber{
		cfg:        cfg,
		pool:       p,
		hosts:      make(map[string]*hostcoord.Coordinator),
		rootCtx:    ctx,
		cancelRoot: cancel,
	}
	w.installShutdownHandler()
	return w, nil
}

// Pool exposes the shared Proxy Pool, e.g. for a management API to report
// its state.
func (w *Webber) Pool() *pool.Pool { return w.pool }

// Origins reports every authority the façade has built a Host Coordinator
// for. Satisfies internal/api.StatsSource together with SessionsRetired.
func (w *Webber) Origins() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.hosts))
	for origin := range w.hosts {
		out = append(out, origin)
	}
	return out
}

// SetRetryObserver installs a callback invoked once per consumed retry with
// the failure class that triggered it; used by the management API to feed
// its per-class retry counter. Must be called before the first Get.
func (w *Webber) SetRetryObserver(fn func(retry.Class)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onRetry = fn
}

// SessionsRetired reports how many Sessions have been retired across every
// origin, over the process lifetime. Satisfies internal/api.StatsSource.
func (w *Webber) SessionsRetired() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var total int64
	for _, c := range w.hosts {
		total += c.SessionsRetired()
	}
	return total
}

// Get performs one GET, resolving url's origin (authority: host plus
// optional port, scheme-independent), dispatching to that origin's Host
// Coordinator, and retrying per retries (or the Config's DefaultRetries
// when nil).
func (w *Webber) Get(
	ctx context.Context,
	target string,
	headers http.Header,
	retries map[retry.Class]retry.Budget,
	hooks Hooks,
	httpVersion *HTTPVersion,
) (*http.Response, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("webber: parse url: %w", err)
	}
	version := w.cfg.DefaultHTTPVersion
	if httpVersion != nil {
		version = *httpVersion
	}
	if retries == nil {
		retries = w.cfg.DefaultRetries
	}

	coord := w.coordinatorFor(u.Host)
	engine := retry.New(retries)
	w.mu.Lock()
	engine.OnRetry = w.onRetry
	w.mu.Unlock()

	return engine.Do(ctx, func(ctx context.Context) (*http.Response, error) {
		return coord.Do(ctx, target, headers, hooks, version)
	})
}

// coordinatorFor returns the Host Coordinator for authority, creating (and
// caching) one on first use.
func (w *Webber) coordinatorFor(authority string) *hostcoord.Coordinator {
	w.mu.Lock()
	defer w.mu.Unlock()

	if c, ok := w.hosts[authority]; ok {
		return c
	}
	mgr := sessionmgr.New(w.pool, sessionmgr.Config{
		MinBudget:       w.cfg.MinBudget,
		MaxBudget:       w.cfg.MaxBudget,
		DialTimeout:     w.cfg.DialTimeout,
		FollowRedirects: w.cfg.FollowRedirects,
		MaxRedirects:    w.cfg.MaxRedirects,
	})
	c := hostcoord.New(authority, mgr, hostcoord.Config{
		InFlightPermits: w.cfg.InFlightPermits,
		MinSpacing:      w.cfg.MinSpacing,
	})
	w.hosts[authority] = c
	return c
}

// Close drains every Host Coordinator's Sessions and releases every leased
// Proxy back to the Pool. Safe to call more than once.
func (w *Webber) Close() {
	w.cancelRoot()
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range w.hosts {
		c.Close()
	}
}

// installShutdownHandler registers process-wide SIGINT/SIGTERM cleanup at
// the façade, the one place that can own process lifetime without every
// coordinator registering its own handler.
func (w *Webber) installShutdownHandler() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			w.Close()
		case <-w.rootCtx.Done():
		}
	}()
}
