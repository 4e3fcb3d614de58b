// Package sessionmgr implements the Session Manager: per-origin allocation,
// reuse and retirement of Sessions, and the 429-triggered budget adaptation
// algorithm.
//
// The Proxy Pool is shared process-wide (one Pool, constructed once by the
// façade) rather than built per host: the pool's data model is a single
// global set of proxies, and a per-host pool would let the same Proxy be
// leased by two Sessions at once.
package sessionmgr

import (
	"context"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drsoft-oss/webber/internal/pool"
	"github.com/drsoft-oss/webber/internal/session"
	"github.com/drsoft-oss/webber/internal/upstream"
	"github.com/drsoft-oss/webber/internal/werrors"
)

// defaultClientDelay is the idle threshold below which a Session is left
// alone rather than reused.
const defaultClientDelay = 1200 * time.Millisecond

// Config controls a Manager's budget policy and Session construction.
type Config struct {
	MinBudget       int
	MaxBudget       int
	ClientDelay     time.Duration
	DialTimeout     time.Duration
	FollowRedirects bool
	MaxRedirects    int
}

// entry is a Manager's bookkeeping record for one live Session.
type entry struct {
	sess    *session.Session
	allowed int // budget_total this Session was created with
	left    int // budget_left: requests remaining before retirement
	busy    bool
	spent   bool
}

// Manager owns every live Session for one origin, drawing Proxies from a
// shared Pool.
type Manager struct {
	mu  sync.Mutex
	rng *rand.Rand

	pool *pool.Pool
	cfg  Config

	sessions map[string]*entry // keyed by proxy.Key()
	retired  atomic.Int64
}

// New builds a Manager. p is the process-wide, shared Proxy Pool.
func New(p *pool.Pool, cfg Config) *Manager {
	if cfg.ClientDelay == 0 {
		cfg.ClientDelay = defaultClientDelay
	}
	if cfg.MaxBudget == 0 {
		cfg.MaxBudget = cfg.MinBudget
	}
	return &Manager{
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // budget jitter, not security sensitive
		pool:     p,
		cfg:      cfg,
		sessions: make(map[string]*entry),
	}
}

// Do performs one GET, selecting a reusable Session or leasing a fresh Proxy
// to create one, and applies the status-driven session lifecycle:
//
//   - a transport error retires the Session and releases its Proxy with no
//     status; any status >= 400 other than 429 retires the Session and
//     releases its Proxy with that status;
//   - 429 runs the budget-adaptation algorithm (see handleStatus);
//   - otherwise, if the Session's budget just hit zero, it is retired with
//     the successful status instead of being kept for reuse.
//
// Do returns *werrors.AllLeasedError or werrors.ErrExhausted verbatim when
// the pool cannot produce a Proxy; callers (the Host Coordinator / Façade)
// decide whether and how long to wait on AllLeased before retrying.
func (m *Manager) Do(ctx context.Context, target string, headers http.Header, hooks session.Hooks, version upstream.HTTPVersion) (*http.Response, error) {
	e, key, budgetBeforeThisRequest, err := m.acquire(version)
	if err != nil {
		return nil, err
	}

	resp, doErr := e.sess.Get(ctx, target, headers, hooks)

	return m.settle(key, e, budgetBeforeThisRequest, resp, doErr)
}

// acquire selects a reusable Session or creates a new one, and decrements
// its budget immediately, before the caller issues the request, so budget
// accounting reflects requests attempted rather than requests completed.
func (m *Manager) acquire(version upstream.HTTPVersion) (*entry, string, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var e *entry
	var key string
	for k, cand := range m.sessions {
		if cand.busy || cand.spent {
			continue
		}
		if cand.sess.HTTPVersion() != version {
			continue
		}
		if now.Sub(cand.sess.LastUsedAt()) < m.cfg.ClientDelay {
			continue
		}
		e, key = cand, k
		break
	}

	if e == nil {
		px, err := m.pool.Lease()
		if err != nil {
			return nil, "", 0, err
		}
		budget := m.cfg.MinBudget
		if m.cfg.MaxBudget > m.cfg.MinBudget {
			budget = m.cfg.MinBudget + m.rng.Intn(m.cfg.MaxBudget-m.cfg.MinBudget+1)
		}
		sess, err := session.New(px, session.Config{
			HTTPVersion:     version,
			FollowRedirects: m.cfg.FollowRedirects,
			MaxRedirects:    m.cfg.MaxRedirects,
			DialTimeout:     m.cfg.DialTimeout,
			BudgetTotal:     budget,
		})
		if err != nil {
			m.pool.Release(px, nil)
			return nil, "", 0, err
		}
		e = &entry{sess: sess, allowed: budget, left: budget}
		key = px.Key()
		m.sessions[key] = e
		log.Printf("[sessionmgr] created session %s for %s (budget=%d)", sess.ID(), sess.Proxy(), budget)
	}

	budgetBefore := e.left
	e.left--
	e.busy = true
	if e.left <= 0 {
		e.spent = true
	}
	return e, key, budgetBefore, nil
}

// settle applies the post-request status/error handling described in Do's
// doc comment, under the Manager's lock.
func (m *Manager) settle(key string, e *entry, budgetBefore int, resp *http.Response, doErr error) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.busy = false

	if doErr != nil {
		m.retireLocked(key, e, nil)
		return nil, doErr
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return resp, m.handle429Locked(key, e, budgetBefore, resp)
	case resp.StatusCode >= 400:
		status := resp.StatusCode
		m.retireLocked(key, e, &status)
		return resp, &werrors.StatusError{Status: resp.StatusCode, Response: resp}
	default:
		if e.spent {
			status := resp.StatusCode
			m.retireLocked(key, e, &status)
		}
		return resp, nil
	}
}

// handle429Locked runs the budget-adaptation algorithm: the new max_budget
// is budget_total - (budget_total - budget_before) - 1, which reduces to
// budget_before - 1, where budget_before is the Session's budget_left just
// before the request that drew the 429. If that falls below min_budget, the policy
// itself is unworkable and the caller is told so via ErrAdjustmentImpossible;
// otherwise every other live Session whose budget_total exceeds the new max
// is evicted, since it could never have been granted under the new policy.
func (m *Manager) handle429Locked(key string, e *entry, budgetBefore int, resp *http.Response) error {
	status := resp.StatusCode
	newMax := budgetBefore - 1

	st := status
	m.retireLocked(key, e, &st)

	if newMax < m.cfg.MinBudget {
		log.Printf("[sessionmgr] 429 budget adaptation impossible: new max %d < min %d", newMax, m.cfg.MinBudget)
		return werrors.ErrAdjustmentImpossible
	}

	log.Printf("[sessionmgr] 429: adapting max_budget %d -> %d", m.cfg.MaxBudget, newMax)
	m.cfg.MaxBudget = newMax
	if m.cfg.MinBudget > m.cfg.MaxBudget {
		m.cfg.MinBudget = m.cfg.MaxBudget
	}

	for k, other := range m.sessions {
		if other.allowed > newMax {
			other.sess.Close()
			m.pool.Release(other.sess.Proxy(), nil)
			delete(m.sessions, k)
			m.retired.Add(1)
		}
	}

	return &werrors.StatusError{Status: status, Response: resp}
}

// retireLocked closes a Session's transport and returns its Proxy to the
// Pool, removing the Session from the reusable set. Called with m.mu held.
func (m *Manager) retireLocked(key string, e *entry, status *int) {
	e.sess.Close()
	m.pool.Release(e.sess.Proxy(), status)
	delete(m.sessions, key)
	m.retired.Add(1)
}

// Close retires every live Session, releasing their Proxies with no status
// update. Used at shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.sessions {
		e.sess.Close()
		m.pool.Release(e.sess.Proxy(), nil)
		delete(m.sessions, key)
		m.retired.Add(1)
	}
}

// SessionCount reports how many live Sessions this Manager currently holds,
// busy or idle.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SessionsRetired reports how many Sessions this Manager has retired over
// its lifetime (budget exhausted, hard failure, policy eviction, shutdown).
func (m *Manager) SessionsRetired() int64 {
	return m.retired.Load()
}
