// Package session implements the Session component: one HTTP transport
// bound to exactly one Proxy for the length of a randomised request
// budget. A Session merges its proxy's browser header set into every
// outbound request, drives redirects itself so request/response hooks fire
// on every hop, and classifies transport failures into the kinds the retry
// engine budgets by.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/drsoft-oss/webber/internal/proxy"
	"github.com/drsoft-oss/webber/internal/upstream"
	"github.com/drsoft-oss/webber/internal/werrors"
)

// Hooks carries per-request callbacks: request hooks run before send on
// every hop, response hooks run after receive on every hop. An error from
// either aborts the request.
type Hooks struct {
	Request  []func(*http.Request) error
	Response []func(*http.Response) error
}

// Config controls Session construction.
type Config struct {
	HTTPVersion     upstream.HTTPVersion
	FollowRedirects bool
	MaxRedirects    int
	DialTimeout     time.Duration
	BudgetTotal     int
}

const defaultMaxRedirects = 10

// Session is a transport bound to one Proxy for its entire lifetime. Exactly
// one request may be in flight on a Session at a time; callers serialise
// through Get's internal mutex.
type Session struct {
	id          string
	px          *proxy.Proxy
	client      *http.Client
	httpVersion upstream.HTTPVersion

	budgetTotal int

	mu              sync.Mutex // serialises Get: one in-flight request at a time
	maxRedirect     int
	followRedirects bool

	lastUsedAt atomic.Int64 // UnixNano, monotonic-ish wall clock
	pending    atomic.Int64 // diagnostic only
}

// New builds a Session whose transport is dedicated to px.
func New(px *proxy.Proxy, cfg Config) (*Session, error) {
	transport, err := upstream.BuildTransport(px.URL(), cfg.HTTPVersion, upstream.Config{DialTimeout: cfg.DialTimeout})
	if err != nil {
		return nil, fmt.Errorf("session: build transport: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("session: build cookie jar: %w", err)
	}
	maxRedirect := cfg.MaxRedirects
	if maxRedirect == 0 {
		maxRedirect = defaultMaxRedirects
	}

	s := &Session{
		id:              uuid.NewString(),
		px:              px,
		httpVersion:     cfg.HTTPVersion,
		budgetTotal:     cfg.BudgetTotal,
		maxRedirect:     maxRedirect,
		followRedirects: cfg.FollowRedirects,
		client: &http.Client{
			Transport: transport,
			Jar:       jar,
			// We drive redirects ourselves so request/response hooks fire on
			// every hop; stopping the stdlib client here hands the first-hop
			// response straight back to us.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	return s, nil
}

// ID returns a unique identifier for this Session, distinct from its Proxy's
// identity (a Proxy may be bound to many Sessions in sequence over a
// process's lifetime); used in diagnostics to tell them apart.
func (s *Session) ID() string { return s.id }

// Proxy returns the proxy this Session is bound to.
func (s *Session) Proxy() *proxy.Proxy { return s.px }

// HTTPVersion returns the protocol this Session was built for.
func (s *Session) HTTPVersion() upstream.HTTPVersion { return s.httpVersion }

// BudgetTotal returns the randomised request budget drawn at creation.
func (s *Session) BudgetTotal() int { return s.budgetTotal }

// LastUsedAt returns the wall-clock time of the most recent Get call,
// updated immediately before the transport write.
func (s *Session) LastUsedAt() time.Time {
	ns := s.lastUsedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Close releases the underlying transport's idle connections.
func (s *Session) Close() {
	if t, ok := s.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

// Get performs a single GET, merging the Session's proxy header set into
// the outbound request (caller headers win on conflict, except the
// User-Agent family, which the proxy controls) and running hooks on every
// redirect hop.
func (s *Session) Get(ctx context.Context, target string, headers http.Header, hooks Hooks) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("session: parse url: %w", err)
	}

	var history []*http.Response
	req, err := s.buildRequest(ctx, u, headers)
	if err != nil {
		return nil, err
	}

	for {
		if len(history) > s.maxRedirect {
			return nil, werrors.ErrTooManyRedirects
		}

		for _, hook := range hooks.Request {
			if err := hook(req); err != nil {
				return nil, err
			}
		}

		s.lastUsedAt.Store(time.Now().UnixNano())
		s.pending.Add(1)
		resp, err := s.client.Do(req)
		s.pending.Add(-1)
		if p := s.pending.Load(); p < 0 {
			return nil, werrors.ErrInternal
		}
		if err != nil {
			return nil, classifyTransportError(err)
		}

		for _, hook := range hooks.Response {
			if err := hook(resp); err != nil {
				return nil, err
			}
		}

		if !isRedirect(resp.StatusCode) || resp.Header.Get("Location") == "" {
			return resp, nil
		}
		if !s.followRedirects {
			return resp, nil
		}

		next, err := buildRedirectRequest(req, resp)
		if err != nil {
			return nil, err
		}
		history = append(history, resp)
		req = next
	}
}

func (s *Session) buildRequest(ctx context.Context, u *url.URL, headers http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("session: build request: %w", err)
	}
	req.Header = mergeHeaders(headers, s.px.HeaderSet())
	return req, nil
}

func buildRedirectRequest(prev *http.Request, resp *http.Response) (*http.Request, error) {
	loc, err := resp.Location()
	if err != nil {
		return nil, fmt.Errorf("session: resolve redirect location: %w", err)
	}
	req, err := http.NewRequestWithContext(prev.Context(), http.MethodGet, loc.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("session: build redirect request: %w", err)
	}
	req.Header = prev.Header.Clone()
	return req, nil
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

// userAgentFamily reports whether name is a header the proxy's browser
// identity controls (User-Agent itself plus the Client-Hints headers that
// travel with it), which callers are not allowed to override.
func userAgentFamily(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "User-Agent", "Sec-Ch-Ua", "Sec-Ch-Ua-Mobile", "Sec-Ch-Ua-Platform":
		return true
	default:
		return false
	}
}

// mergeHeaders combines the proxy's header set with caller-supplied headers.
// Caller headers win on conflict, except the User-Agent family, which the
// proxy always controls.
func mergeHeaders(caller http.Header, proxySet proxy.HeaderSet) http.Header {
	out := make(http.Header, len(proxySet)+len(caller))
	for _, e := range proxySet {
		out.Set(e.Name, e.Value)
	}
	for name, values := range caller {
		if userAgentFamily(name) {
			continue
		}
		out[http.CanonicalHeaderKey(name)] = values
	}
	return out
}

// classifyTransportError maps a transport-level failure into the failure
// classes the retry engine understands, keying off the op tags net/http
// attaches ("proxyconnect" for CONNECT failures, "dial", "read").
func classifyTransportError(err error) *werrors.TransportError {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "proxyconnect":
			return &werrors.TransportError{Kind: werrors.TransportProxyConnectError, Err: err}
		case "dial":
			if opErr.Timeout() {
				return &werrors.TransportError{Kind: werrors.TransportConnectTimeout, Err: err}
			}
			return &werrors.TransportError{Kind: werrors.TransportConnectError, Err: err}
		case "read":
			return &werrors.TransportError{Kind: werrors.TransportReadTimeout, Err: err}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &werrors.TransportError{Kind: werrors.TransportReadTimeout, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &werrors.TransportError{Kind: werrors.TransportConnectTimeout, Err: err}
	}

	return &werrors.TransportError{Kind: werrors.TransportProtocolError, Err: err}
}
