// Package pool implements a rotating, FIFO-ordered, quarantine-aware proxy
// allocator.
//
// Proxies are leased in release order (least recently freed first) and
// carry a consecutive-bad-response count: a 4xx/5xx on release increments
// it, anything else resets it, and crossing max_bad_responses evicts the
// proxy for good. max_bad_responses of zero disables eviction entirely.
// The available queue is a container/list.List FIFO plus a side map from
// proxy key to list element, giving O(1) membership alongside stable
// rotation order.
package pool

import (
	"container/list"
	"sync"

	"github.com/drsoft-oss/webber/internal/proxy"
	"github.com/drsoft-oss/webber/internal/werrors"
)

// entry is the pool's bookkeeping record for one proxy: the proxy itself
// plus its consecutive-bad-response count.
type entry struct {
	px       *proxy.Proxy
	badCount int
}

// Seed lets a caller pre-populate a pool with a non-zero bad-count, e.g.
// when restoring pool state across a restart.
type Seed struct {
	Proxy    *proxy.Proxy
	BadCount int
}

// Pool is the rotating, quarantine-aware proxy allocator. All operations
// are safe for concurrent use.
type Pool struct {
	mu sync.Mutex

	maxBadResponses int

	available    *list.List // FIFO of *entry, front = next to lease
	availableIdx map[string]*list.Element
	leased       map[string]*entry
	evicted      int

	ready chan struct{} // non-nil only while a Lease call is blocked on AllLeased
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Available int
	Leased    int
	Evicted   int
}

// New constructs a Pool from seeds. maxBadResponses is the consecutive
// 4xx/5xx threshold beyond which a proxy is evicted; 0 disables eviction
// entirely. Fails with werrors.ErrEmptyPool when seeds is empty.
func New(seeds []Seed, maxBadResponses int) (*Pool, error) {
	if len(seeds) == 0 {
		return nil, werrors.ErrEmptyPool
	}
	p := &Pool{
		maxBadResponses: maxBadResponses,
		available:       list.New(),
		availableIdx:    make(map[string]*list.Element),
		leased:          make(map[string]*entry),
	}
	for _, s := range seeds {
		p.pushAvailableLocked(&entry{px: s.Proxy, badCount: s.BadCount})
	}
	return p, nil
}

// NewFromProxies is a convenience constructor for callers with no seeded
// bad-counts.
func NewFromProxies(proxies []*proxy.Proxy, maxBadResponses int) (*Pool, error) {
	seeds := make([]Seed, len(proxies))
	for i, px := range proxies {
		seeds[i] = Seed{Proxy: px}
	}
	return New(seeds, maxBadResponses)
}

// Lease returns the front of the available queue and moves it to leased.
//
// Fails with *werrors.AllLeasedError when no proxy is available but some
// are currently leased; the error's Ready channel closes the next time any
// proxy transitions the pool from zero-available back to at least one.
// Fails with werrors.ErrExhausted when neither available nor leased proxies
// remain (everything has been evicted).
func (p *Pool) Lease() (*proxy.Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.available.Len() == 0 {
		if len(p.leased) > 0 {
			if p.ready == nil {
				p.ready = make(chan struct{})
			}
			return nil, &werrors.AllLeasedError{Ready: p.ready}
		}
		return nil, werrors.ErrExhausted
	}

	front := p.available.Front()
	e := front.Value.(*entry)
	p.available.Remove(front)
	delete(p.availableIdx, e.px.Key())
	p.leased[e.px.Key()] = e
	return e.px, nil
}

// Release returns a leased proxy to the pool.
//
// lastStatus carries the HTTP status code observed on this lease, or nil if
// none is known (e.g. the request was cancelled before completion — the
// bad-count is left unchanged in that case). A status of >=400 increments
// the consecutive-bad-count; anything else resets it to zero. If the
// resulting count exceeds max_bad_responses (and max_bad_responses != 0),
// the proxy is evicted instead of being returned to the available queue.
//
// Releasing a proxy that is not currently leased is a no-op.
func (p *Pool) Release(px *proxy.Proxy, lastStatus *int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.leased[px.Key()]
	if !ok {
		return
	}
	delete(p.leased, px.Key())

	switch {
	case lastStatus == nil:
		// preserved
	case *lastStatus >= 400:
		e.badCount++
	default:
		e.badCount = 0
	}

	if p.maxBadResponses > 0 && e.badCount > p.maxBadResponses {
		p.evicted++
		// An eviction can leave Lease waiters with nothing left to wait
		// for: if neither an available nor a leased proxy remains, wake
		// them so their retried Lease observes Exhausted instead of
		// blocking forever.
		if p.ready != nil && p.available.Len() == 0 && len(p.leased) == 0 {
			close(p.ready)
			p.ready = nil
		}
		return
	}
	p.pushAvailableLocked(e)
}

// Add inserts a new proxy as available. Returns false if the proxy is
// already tracked (either available or leased).
func (p *Pool) Add(px *proxy.Proxy) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.containsLocked(px) {
		return false
	}
	p.pushAvailableLocked(&entry{px: px})
	return true
}

// Remove drops a proxy from the pool entirely, from whichever set it is
// currently in. Fails with werrors.ErrNotInPool if the proxy is untracked.
func (p *Pool) Remove(px *proxy.Proxy) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if elem, ok := p.availableIdx[px.Key()]; ok {
		p.available.Remove(elem)
		delete(p.availableIdx, px.Key())
		return nil
	}
	if _, ok := p.leased[px.Key()]; ok {
		delete(p.leased, px.Key())
		return nil
	}
	return werrors.ErrNotInPool
}

// Size returns the number of tracked proxies (available plus leased);
// evicted proxies are not counted.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available.Len() + len(p.leased)
}

// Stats reports current occupancy, including the running eviction count.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Available: p.available.Len(), Leased: len(p.leased), Evicted: p.evicted}
}

// Contains reports whether px is currently tracked by the pool.
func (p *Pool) Contains(px *proxy.Proxy) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.containsLocked(px)
}

// Empty reports whether the pool has no tracked proxies at all: size,
// contains and Empty all reflect available ∪ leased, never just available.
func (p *Pool) Empty() bool {
	return p.Size() == 0
}

func (p *Pool) containsLocked(px *proxy.Proxy) bool {
	if _, ok := p.availableIdx[px.Key()]; ok {
		return true
	}
	_, ok := p.leased[px.Key()]
	return ok
}

// pushAvailableLocked appends e to the back of the available FIFO and, if
// this transitions the pool from zero-available to non-zero, wakes any
// Lease callers blocked on AllLeased exactly once.
func (p *Pool) pushAvailableLocked(e *entry) {
	wasEmpty := p.available.Len() == 0
	elem := p.available.PushBack(e)
	p.availableIdx[e.px.Key()] = elem

	if wasEmpty && p.ready != nil {
		close(p.ready)
		p.ready = nil
	}
}
