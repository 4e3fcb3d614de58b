// Package retry implements the Retry Engine: translating HTTP status codes
// and transport error kinds into bounded, per-failure-class retry counts
// around one Host Coordinator dispatch. Connect-level failures get a fixed
// back-off before the next attempt; every other retried class relies on
// the coordinator's own pacing.
package retry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/drsoft-oss/webber/internal/werrors"
)

// Budget is the number of retries remaining for one failure class.
// Unlimited marks a class that is retried forever.
type Budget int64

// Unlimited marks a failure class with no retry ceiling.
const Unlimited Budget = -1

// ClassKind distinguishes the two families of failure class tracked here:
// HTTP status codes and transport error kinds.
type ClassKind int

const (
	StatusClassKind ClassKind = iota
	TransportClassKind
)

// Class identifies one failure class: either an HTTP status code or a
// transport error kind. It is comparable, so it can key a map directly.
type Class struct {
	Kind      ClassKind
	Status    int
	Transport werrors.TransportKind
}

// String renders the class the way the retry map is documented: the bare
// status code for HTTP classes, the transport kind name otherwise. Used as
// the metrics label for per-class retry counters.
func (c Class) String() string {
	if c.Kind == StatusClassKind {
		return strconv.Itoa(c.Status)
	}
	return c.Transport.String()
}

// Status builds the failure class for an HTTP status code, e.g. Status(429).
func Status(code int) Class { return Class{Kind: StatusClassKind, Status: code} }

// Transport builds the failure class for a transport error kind.
func Transport(kind werrors.TransportKind) Class {
	return Class{Kind: TransportClassKind, Transport: kind}
}

// backoffDelay is the fixed back-off inserted before retrying a
// connect-timeout or connect-error.
const backoffDelay = time.Second

// needsBackoff reports whether class gets the fixed ~1s delay before retry;
// every other retried class relies on the Host Coordinator's own pacing.
func needsBackoff(c Class) bool {
	return c.Kind == TransportClassKind &&
		(c.Transport == werrors.TransportConnectTimeout || c.Transport == werrors.TransportConnectError)
}

// DefaultBudgets returns the façade's default retry map: {403:5, 429:2,
// 503:5, read-timeout:1, connect-timeout:∞, connect-error:∞,
// proxy-connect-error:∞}.
func DefaultBudgets() map[Class]Budget {
	return map[Class]Budget{
		Status(http.StatusForbidden):                  5,
		Status(http.StatusTooManyRequests):            2,
		Status(http.StatusServiceUnavailable):         5,
		Transport(werrors.TransportReadTimeout):       1,
		Transport(werrors.TransportConnectTimeout):    Unlimited,
		Transport(werrors.TransportConnectError):      Unlimited,
		Transport(werrors.TransportProxyConnectError): Unlimited,
	}
}

// Operation is one attempt at the gated HTTP call the Retry Engine wraps
// (typically a Host Coordinator's Do).
type Operation func(ctx context.Context) (*http.Response, error)

// Engine runs one Operation, retrying on classified failures up to the
// per-class budgets supplied at construction. Each class's budget is tracked
// independently, so exhausting one class's retries does not affect another.
type Engine struct {
	budgets map[Class]Budget
	backoff backoff.BackOff

	// OnRetry, if set, is called once per consumed retry with the failure
	// class that triggered it. Used to feed per-class retry counters.
	OnRetry func(Class)
}

// New builds an Engine from a caller-supplied retry map. A nil or empty map
// means no class is retried: any failure is re-raised immediately.
func New(budgets map[Class]Budget) *Engine {
	return &Engine{budgets: budgets, backoff: backoff.NewConstantBackOff(backoffDelay)}
}

// Do runs op, and on a classified, retryable failure, restarts it from the
// Host Coordinator (op re-enters the Coordinator's gate on every attempt).
// Classes absent from the Engine's map, and classes whose budget has reached
// zero, are re-raised unchanged without consuming a retry. AllLeasedError is
// handled specially: it is not a failure class at all, so the caller's wait
// on its Ready channel does not consume any class's budget.
func (e *Engine) Do(ctx context.Context, op Operation) (*http.Response, error) {
	budgets := cloneBudgets(e.budgets)

	for {
		resp, err := op(ctx)
		if err == nil {
			return resp, nil
		}

		var allLeased *werrors.AllLeasedError
		if errors.As(err, &allLeased) {
			select {
			case <-allLeased.Ready:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		class, ok := classify(err)
		if !ok {
			return resp, err
		}
		left, tracked := budgets[class]
		if !tracked || left == 0 {
			return resp, err
		}
		if left > 0 {
			budgets[class] = left - 1
		}
		if e.OnRetry != nil {
			e.OnRetry(class)
		}

		if needsBackoff(class) {
			if err := e.sleep(ctx); err != nil {
				return nil, err
			}
		}
	}
}

func (e *Engine) sleep(ctx context.Context) error {
	timer := time.NewTimer(e.backoff.NextBackOff())
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classify maps an error from the Host Coordinator / Session Manager stack
// into the failure class the retry map is keyed by. Errors with no
// corresponding class (pool exhaustion, adjustment-impossible, internal
// contract violations, hook errors) are not retryable here and are reported
// back to the caller unchanged.
func classify(err error) (Class, bool) {
	var statusErr *werrors.StatusError
	if errors.As(err, &statusErr) {
		return Status(statusErr.Status), true
	}
	var transportErr *werrors.TransportError
	if errors.As(err, &transportErr) {
		return Transport(transportErr.Kind), true
	}
	return Class{}, false
}

func cloneBudgets(src map[Class]Budget) map[Class]Budget {
	out := make(map[Class]Budget, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
