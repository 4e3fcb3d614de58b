// Package werrors defines the error taxonomy shared by every layer of the
// façade: pool-empty, quarantine-empty, adjustment-impossible and transport
// failures. Everything here is a sentinel or a wrapped error so callers can
// use errors.Is / errors.As instead of matching on strings.
package werrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for conditions that carry no extra state.
var (
	// ErrInvalidProxyURL is returned by proxy construction when the URL is
	// not syntactically valid or uses an unsupported scheme.
	ErrInvalidProxyURL = errors.New("proxy: invalid url")

	// ErrEmptyPool is returned by pool construction when given no proxies.
	ErrEmptyPool = errors.New("pool: must not be empty")

	// ErrNotInPool is returned by Remove when the proxy is not tracked.
	ErrNotInPool = errors.New("pool: proxy not in pool")

	// ErrExhausted is returned by Lease when every proxy has been evicted.
	ErrExhausted = errors.New("pool: proxies exhausted")

	// ErrAdjustmentImpossible is returned when a 429 drives max_budget below
	// min_budget; fatal for the session manager handling that request.
	ErrAdjustmentImpossible = errors.New("sessionmgr: budget adjustment impossible")

	// ErrTooManyRedirects is returned by a Session when a followed redirect
	// chain exceeds the configured maximum.
	ErrTooManyRedirects = errors.New("session: too many redirects")

	// ErrInternal marks a contract violation (e.g. a pending counter going
	// negative) that must never be swallowed by a caller.
	ErrInternal = errors.New("internal error")
)

// AllLeasedError is returned by Pool.Lease when no proxy is available but at
// least one is currently leased. Ready carries the wake-up signal:
// it is closed the first time the pool transitions from zero available to
// at least one available proxy.
type AllLeasedError struct {
	Ready <-chan struct{}
}

func (e *AllLeasedError) Error() string { return "pool: all proxies leased" }

// StatusError wraps a non-2xx/3xx HTTP response observed for a request. The
// retry engine keys its failure-class map off Status.
type StatusError struct {
	Status   int
	Response *http.Response
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("session: http status %d", e.Status)
}

// TransportKind enumerates the transport-level failure classes the retry
// engine understands, independent of HTTP status codes.
type TransportKind int

const (
	// TransportUnknown is the zero value; never produced deliberately.
	TransportUnknown TransportKind = iota
	TransportConnectTimeout
	TransportReadTimeout
	TransportProxyConnectError
	TransportConnectError
	TransportProtocolError
)

func (k TransportKind) String() string {
	switch k {
	case TransportConnectTimeout:
		return "connect-timeout"
	case TransportReadTimeout:
		return "read-timeout"
	case TransportProxyConnectError:
		return "proxy-connect-error"
	case TransportConnectError:
		return "connect-error"
	case TransportProtocolError:
		return "protocol-error"
	default:
		return "unknown"
	}
}

// TransportError classifies a transport-level failure (dial timeout,
// connection reset, etc.) into one of the kinds the retry engine's budget
// map is keyed by.
type TransportError struct {
	Kind TransportKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("session: transport error (%s): %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
