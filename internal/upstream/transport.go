// Package upstream builds the per-proxy HTTP transport a Session holds for
// its entire lifetime. HTTP(S) forward-proxying is delegated to
// http.Transport's built-in Proxy field (which already speaks CONNECT for
// https targets and plain forwarding for http targets); only the SOCKS5
// path needs a hand-built dialer, via golang.org/x/net/proxy.
package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// HTTPVersion selects the wire protocol a Session's transport negotiates.
type HTTPVersion int

const (
	HTTP1 HTTPVersion = iota
	HTTP2
)

// Config controls transport construction.
type Config struct {
	// DialTimeout bounds the time spent establishing the underlying
	// connection to (or through) the proxy.
	DialTimeout time.Duration

	// InsecureSkipVerify disables TLS certificate verification for the
	// destination origin. Off by default; exists for testing against
	// self-signed fixtures.
	InsecureSkipVerify bool
}

// BuildTransport constructs an *http.Transport bound to exactly one forward
// proxy, configured for the requested HTTP version. The returned transport
// is meant to be owned by a single Session for its entire lifetime: one
// connection pool per proxy, never shared across Sessions.
func BuildTransport(proxyURL *url.URL, version HTTPVersion, cfg Config) (*http.Transport, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}

	t := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}, //nolint:gosec
		// One idle connection per proxy is plenty: a Session never issues
		// more than one in-flight request at a time.
		MaxIdleConnsPerHost: 1,
		DialContext:         (&net.Dialer{Timeout: cfg.DialTimeout}).DialContext,
	}

	switch scheme := lowerScheme(proxyURL); scheme {
	case "http", "https":
		t.Proxy = http.ProxyURL(proxyURL)
	case "socks5":
		dialer, err := socks5Dialer(proxyURL, cfg.DialTimeout)
		if err != nil {
			return nil, err
		}
		t.Proxy = nil
		t.DialContext = dialer.DialContext
	default:
		return nil, fmt.Errorf("upstream: unsupported proxy scheme %q", proxyURL.Scheme)
	}

	switch version {
	case HTTP1:
		// Pin ALPN to http/1.1 so a TLS origin never upgrades to h2 under
		// our backs; the Session's declared http_version must be load-bearing.
		t.TLSClientConfig.NextProtos = []string{"http/1.1"}
		t.ForceAttemptHTTP2 = false
	case HTTP2:
		if err := http2.ConfigureTransport(t); err != nil {
			return nil, fmt.Errorf("upstream: configure http2: %w", err)
		}
	default:
		return nil, fmt.Errorf("upstream: unknown http version %d", version)
	}

	return t, nil
}

func lowerScheme(u *url.URL) string {
	s := u.Scheme
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// contextDialer is satisfied by golang.org/x/net/proxy dialers since Go
// 1.15; falling back to the blocking Dial otherwise.
type contextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// socks5Dial wraps a proxy.Dialer to expose DialContext, used as
// http.Transport.DialContext.
type socks5Dial struct {
	d       proxy.Dialer
	timeout time.Duration
}

func (s *socks5Dial) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if cd, ok := s.d.(contextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	// Blocking dialer: honour at least a coarse timeout ourselves.
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := s.d.Dial(network, addr)
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.timeout):
		return nil, fmt.Errorf("upstream: socks5 dial %s timed out", addr)
	}
}

func socks5Dialer(proxyURL *url.URL, timeout time.Duration) (*socks5Dial, error) {
	var auth *proxy.Auth
	if proxyURL.User != nil {
		user := proxyURL.User.Username()
		pass, _ := proxyURL.User.Password()
		auth = &proxy.Auth{User: user, Password: pass}
	}
	d, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("upstream: create socks5 dialer: %w", err)
	}
	return &socks5Dial{d: d, timeout: timeout}, nil
}
