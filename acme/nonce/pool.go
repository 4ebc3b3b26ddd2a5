// Package nonce implements a namespaced, prefetching pool of ACME
// Replay-Nonce values (RFC 8555 §7.2). A namespace groups nonces that share
// an authentication context (see acme/client's directoryURL+kid composition);
// each namespace maintains its own LIFO stack, waiter queue, and in-flight
// refill so that concurrent requests signing under the same account coalesce
// onto a single HEAD newNonce call instead of stampeding the server.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cpu/acmecore/acme/resources"
)

// Fetcher retrieves one fresh nonce from the server for the given namespace,
// typically a HEAD request to the newNonce endpoint.
type Fetcher func(ctx context.Context, namespace string) (string, error)

// Config bounds a Pool's per-namespace behavior.
type Config struct {
	// LowWater is the stack depth at or below which a Get triggers a
	// background prefetch.
	LowWater int
	// HighWater is the stack depth a background prefetch fills up to.
	HighWater int
	// MaxSize is the hard cap on stored nonces per namespace; Observe drops
	// the oldest entry once exceeded rather than growing unbounded.
	MaxSize int
	// MaxAge discards a pooled nonce once it has sat unused longer than
	// this, rather than handing a possibly-expired nonce to a caller. Zero
	// disables age-based eviction.
	MaxAge time.Duration
	// WaiterTimeout bounds how long Get blocks on a refill when ctx carries
	// no deadline of its own. Zero disables the default timeout (ctx
	// cancellation is still honored).
	WaiterTimeout time.Duration
}

// DefaultConfig matches the spec's documented production defaults: prefetch
// kicks in at 5 remaining, tops back up to 10, never grows past 32, discards
// nonces older than 120s, and gives up waiting for a refill after 30s.
func DefaultConfig() Config {
	return Config{
		LowWater:      5,
		HighWater:     10,
		MaxSize:       32,
		MaxAge:        120 * time.Second,
		WaiterTimeout: 30 * time.Second,
	}
}

type entry struct {
	value      string
	acquiredAt time.Time
}

type waiter struct {
	ctx    context.Context
	result chan<- waiterResult
}

type waiterResult struct {
	nonce string
	err   error
}

type namespaceState struct {
	mu        sync.Mutex
	entries   []entry
	waiters   []waiter
	refilling bool
}

// popFresh pops entries from the top of the stack (newest first) until it
// finds one younger than maxAge, discarding any stale entries it skips over.
// Called with s.mu held.
func (s *namespaceState) popFresh(maxAge time.Duration) (string, bool) {
	for len(s.entries) > 0 {
		n := len(s.entries)
		e := s.entries[n-1]
		s.entries = s.entries[:n-1]
		if maxAge > 0 && time.Since(e.acquiredAt) > maxAge {
			continue
		}
		return e.value, true
	}
	return "", false
}

// contains reports whether value is already pooled, for Observe's dedup
// check. Called with s.mu held.
func (s *namespaceState) contains(value string) bool {
	for _, e := range s.entries {
		if e.value == value {
			return true
		}
	}
	return false
}

// push appends a freshly-acquired nonce, evicting the oldest entry if the
// pool is at MaxSize. Called with s.mu held.
func (s *namespaceState) push(value string, maxSize int) {
	s.entries = append(s.entries, entry{value: value, acquiredAt: time.Now()})
	if maxSize > 0 && len(s.entries) > maxSize {
		s.entries = s.entries[len(s.entries)-maxSize:]
	}
}

// Pool hands out nonces per namespace, prefetching in the background to keep
// request latency off the newNonce round trip on the common path.
type Pool struct {
	fetch Fetcher
	cfg   Config

	mu     sync.Mutex
	spaces map[string]*namespaceState
}

// NewPool constructs a Pool. fetch is called (never concurrently within the
// same namespace) whenever the pool needs a fresh nonce.
func NewPool(fetch Fetcher, cfg Config) *Pool {
	return &Pool{
		fetch:  fetch,
		cfg:    cfg,
		spaces: make(map[string]*namespaceState),
	}
}

func (p *Pool) namespace(ns string) *namespaceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.spaces[ns]
	if !ok {
		s = &namespaceState{}
		p.spaces[ns] = s
	}
	return s
}

// Get returns a nonce for the namespace, popping from the pool if one is
// available or blocking for an in-flight/newly-triggered refill otherwise.
// It respects ctx cancellation: an expired deadline (ctx's own or
// WaiterTimeout) yields a NonceTimeoutError, any other cancellation a
// CancelledError.
func (p *Pool) Get(ctx context.Context, ns string) (string, error) {
	s := p.namespace(ns)

	if p.cfg.WaiterTimeout > 0 {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.cfg.WaiterTimeout)
			defer cancel()
		}
	}

	s.mu.Lock()
	if nonce, ok := s.popFresh(p.cfg.MaxAge); ok {
		belowLow := len(s.entries) <= p.cfg.LowWater
		s.mu.Unlock()
		if belowLow {
			p.prefetch(ns)
		}
		return nonce, nil
	}

	resultCh := make(chan waiterResult, 1)
	s.waiters = append(s.waiters, waiter{ctx: ctx, result: resultCh})
	needsRefill := !s.refilling
	if needsRefill {
		s.refilling = true
	}
	s.mu.Unlock()

	if needsRefill {
		go p.refillLoop(ns, s)
	}

	select {
	case res := <-resultCh:
		return res.nonce, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &resources.NonceTimeoutError{Namespace: ns}
		}
		return "", &resources.CancelledError{Op: "nonce.Get", Err: ctx.Err()}
	}
}

// prefetch tops the namespace up to HighWater in the background without
// blocking the caller. A refill already in flight is left to satisfy it.
func (p *Pool) prefetch(ns string) {
	s := p.namespace(ns)
	s.mu.Lock()
	if s.refilling || len(s.entries) >= p.cfg.HighWater {
		s.mu.Unlock()
		return
	}
	s.refilling = true
	s.mu.Unlock()
	go p.refillLoop(ns, s)
}

// refillLoop fetches nonces one at a time, first satisfying any queued
// waiters, then topping the stack up to HighWater, then stopping. This is
// the pool's single-flight: only one refillLoop runs per namespace at a time
// because entry into this function is gated by the refilling flag above.
func (p *Pool) refillLoop(ns string, s *namespaceState) {
	for {
		s.mu.Lock()
		haveWaiter := len(s.waiters) > 0
		needMore := len(s.entries) < p.cfg.HighWater
		if !haveWaiter && !needMore {
			s.refilling = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		nonce, err := p.fetch(context.Background(), ns)

		s.mu.Lock()
		if err != nil {
			// Hand the error to every currently queued waiter; a fetch
			// failure isn't namespace-specific enough to retry blindly.
			waiters := s.waiters
			s.waiters = nil
			s.refilling = false
			s.mu.Unlock()
			for _, w := range waiters {
				w.result <- waiterResult{err: err}
			}
			return
		}

		if len(s.waiters) > 0 {
			w := s.waiters[0]
			s.waiters = s.waiters[1:]
			s.mu.Unlock()
			w.result <- waiterResult{nonce: nonce}
			continue
		}

		if !s.contains(nonce) {
			s.push(nonce, p.cfg.MaxSize)
		}
		s.mu.Unlock()
	}
}

// Observe adds a nonce received incidentally (e.g. the Replay-Nonce header on
// a successful POST response) to the namespace's pool, satisfying a waiter
// immediately if one is queued. A value already pooled is not re-inserted.
func (p *Pool) Observe(ns string, n string) {
	if n == "" {
		return
	}
	s := p.namespace(ns)
	s.mu.Lock()
	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.mu.Unlock()
		w.result <- waiterResult{nonce: n}
		return
	}
	if s.contains(n) {
		s.mu.Unlock()
		return
	}
	s.push(n, p.cfg.MaxSize)
	s.mu.Unlock()
}

// ClearNamespace drops all pooled nonces for ns and rejects any waiters
// currently blocked on a refill with a cleanup error, per the module's
// cancellation policy (a caller mid-Get observes a typed Cancelled error
// rather than hanging forever on a pool that will never be refilled again).
func (p *Pool) ClearNamespace(ns string) {
	p.mu.Lock()
	s, ok := p.spaces[ns]
	delete(p.spaces, ns)
	p.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	for _, w := range waiters {
		w.result <- waiterResult{err: &resources.CancelledError{Op: "nonce.Get", Err: fmt.Errorf("nonce: namespace cleared")}}
	}
}

// Stats reports the current pooled and waiting counts for ns, for tests and
// diagnostics.
func (p *Pool) Stats(ns string) (pooled int, waiting int) {
	s := p.namespace(ns)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), len(s.waiters)
}
