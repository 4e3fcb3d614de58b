// Package proxy defines the Proxy value type: an immutable forward-proxy
// endpoint plus its associated browser-style header set.
//
// Identity is the URL alone; the header set rides along but never
// participates in equality, so the same upstream endpoint can reappear
// with a different browser identity across restarts.
package proxy

import (
	"net/url"
	"strings"

	"github.com/drsoft-oss/webber/internal/werrors"
)

// allowedSchemes lists the proxy schemes the upstream transport can dial.
var allowedSchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"socks5": true,
}

// HeaderEntry is one (name, value) pair in an ordered header set. A plain
// map[string]string would lose insertion order on iteration, and header-set
// order must be preserved end to end.
type HeaderEntry struct {
	Name  string
	Value string
}

// HeaderSet is an ordered mapping of header name to value.
type HeaderSet []HeaderEntry

// Get returns the value for name (case-insensitive), and whether it was
// present.
func (hs HeaderSet) Get(name string) (string, bool) {
	for _, e := range hs {
		if strings.EqualFold(e.Name, name) {
			return e.Value, true
		}
	}
	return "", false
}

// Clone returns an independent copy of the header set.
func (hs HeaderSet) Clone() HeaderSet {
	out := make(HeaderSet, len(hs))
	copy(out, hs)
	return out
}

// Proxy is an immutable value: a forward-proxy URL plus its header set.
// Two Proxies are equal iff their URLs are byte-equal; the header set is
// not part of identity, so the same upstream proxy may be re-leased with a
// different header set across restarts.
type Proxy struct {
	id        int64
	url       *url.URL
	headerSet HeaderSet
}

// New validates rawURL and constructs a Proxy. id is an opaque identifier
// for logging/debugging only and plays no part in equality.
func New(id int64, rawURL string, headerSet HeaderSet) (*Proxy, error) {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, werrors.ErrInvalidProxyURL
	}
	if !allowedSchemes[strings.ToLower(u.Scheme)] {
		return nil, werrors.ErrInvalidProxyURL
	}
	return &Proxy{id: id, url: u, headerSet: headerSet.Clone()}, nil
}

// ID returns the opaque identifier assigned at construction.
func (p *Proxy) ID() int64 { return p.id }

// URL returns the proxy's URL. Callers must not mutate the result.
func (p *Proxy) URL() *url.URL { return p.url }

// Scheme returns the lower-cased proxy scheme (http, https, socks5).
func (p *Proxy) Scheme() string { return strings.ToLower(p.url.Scheme) }

// HeaderSet returns the proxy's browser-style header set.
func (p *Proxy) HeaderSet() HeaderSet { return p.headerSet }

// Key returns the identity key used for map lookups and equality: the raw
// URL string. Go maps need a comparable key, and a *url.URL pointer is not
// a meaningful identity, so the string form backs both.
func (p *Proxy) Key() string { return p.url.String() }

// Equal reports whether two Proxies share the same URL. The header set is
// deliberately excluded from identity.
func (p *Proxy) Equal(other *Proxy) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.Key() == other.Key()
}

// String returns a human-readable, credential-redacted representation.
func (p *Proxy) String() string {
	u := *p.url
	if u.User != nil {
		u.User = url.UserPassword("***", "***")
	}
	return u.String()
}
