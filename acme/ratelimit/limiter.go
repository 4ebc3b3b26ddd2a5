// Package ratelimit throttles and retries ACME requests: a global
// minimum-interval gate shared by every endpoint, plus a per-endpoint
// exponential backoff that engages whenever an operation reports a retryable
// outcome, honoring any Retry-After value the outcome carries.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cpu/acmecore/acme/resources"
)

// Config bounds a Limiter's pacing and retry behavior.
type Config struct {
	// MinInterval is the minimum spacing enforced between requests across
	// all endpoints, implemented as a token-bucket rate of 1/MinInterval.
	MinInterval time.Duration
	// BaseBackoff is the first backoff delay applied after a retryable
	// failure with no server-supplied Retry-After.
	BaseBackoff time.Duration
	// MaxBackoff caps the exponential backoff delay.
	MaxBackoff time.Duration
	// MaxAttempts bounds how many times Execute runs a single operation,
	// first try included. If the last attempt is still retryable, Execute
	// returns that attempt's error when the operation reported one, and a
	// RateLimitExceededError only when it did not.
	MaxAttempts int
}

// DefaultConfig matches the spec's documented production defaults: no faster
// than 10 requests/second, starting backoff at 1s, capping at 5 minutes, and
// giving up after 3 attempts.
func DefaultConfig() Config {
	return Config{
		MinInterval: 100 * time.Millisecond,
		BaseBackoff: time.Second,
		MaxBackoff:  5 * time.Minute,
		MaxAttempts: 3,
	}
}

// Outcome is reported by the operation passed to Execute so the Limiter can
// decide whether to retry, and with what delay.
type Outcome struct {
	// Retryable marks the outcome as one the limiter should back off and
	// retry for (typically an HTTP 429 or 503 problem document).
	Retryable bool
	// RetryAfter is the delay to honor verbatim, taken from the response's
	// Retry-After header, when HasRetryAfter is true.
	RetryAfter    time.Duration
	HasRetryAfter bool
}

type endpointState struct {
	mu          sync.Mutex
	blockedUntil time.Time
	failures    int
}

// Limiter paces and retries requests per endpoint.
type Limiter struct {
	cfg    Config
	global *rate.Limiter

	mu        sync.Mutex
	endpoints map[string]*endpointState
}

// New constructs a Limiter from Config.
func New(cfg Config) *Limiter {
	var limit rate.Limit = rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &Limiter{
		cfg:       cfg,
		global:    rate.NewLimiter(limit, 1),
		endpoints: make(map[string]*endpointState),
	}
}

func (l *Limiter) endpoint(name string) *endpointState {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.endpoints[name]
	if !ok {
		s = &endpointState{}
		l.endpoints[name] = s
	}
	return s
}

// Execute runs op, enforcing the global pacing gate and this endpoint's
// backoff state, retrying while op reports a Retryable outcome up to
// Config.MaxAttempts.
func Execute[T any](ctx context.Context, l *Limiter, endpoint string, op func(ctx context.Context) (T, Outcome, error)) (T, error) {
	var zero T
	state := l.endpoint(endpoint)

	for attempt := 0; ; attempt++ {
		if err := l.global.Wait(ctx); err != nil {
			return zero, &resources.CancelledError{Op: "ratelimit.Execute", Err: err}
		}

		if err := waitUntil(ctx, state.currentBlockedUntil()); err != nil {
			return zero, &resources.CancelledError{Op: "ratelimit.Execute", Err: err}
		}

		result, outcome, err := op(ctx)

		// Retryable takes precedence over a non-nil err: a 429/503 carries
		// a problem document as err for eventual surfacing, but the limiter
		// still wants to back off and try again rather than bail out.
		if outcome.Retryable {
			if attempt+1 >= l.cfg.MaxAttempts {
				if err != nil {
					return zero, err
				}
				return zero, &resources.RateLimitExceededError{
					Endpoint: endpoint,
					Wait:     state.nextDelay(l.cfg, outcome).String(),
				}
			}
			delay := state.nextDelay(l.cfg, outcome)
			state.block(delay)
			continue
		}

		if err != nil {
			return zero, err
		}

		state.reset()
		return result, nil
	}
}

func (s *endpointState) currentBlockedUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockedUntil
}

func (s *endpointState) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
	s.blockedUntil = time.Time{}
}

func (s *endpointState) block(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	s.blockedUntil = time.Now().Add(d)
}

// nextDelay honors a server Retry-After verbatim; otherwise it computes an
// exponential backoff from the endpoint's failure count, capped at
// MaxBackoff, and then adds up to 20% jitter on top of it.
func (s *endpointState) nextDelay(cfg Config, outcome Outcome) time.Duration {
	if outcome.HasRetryAfter {
		return outcome.RetryAfter
	}

	s.mu.Lock()
	failures := s.failures
	s.mu.Unlock()

	base := cfg.BaseBackoff
	if base <= 0 {
		base = time.Second
	}
	delay := base << failures
	if cfg.MaxBackoff > 0 && delay > cfg.MaxBackoff {
		delay = cfg.MaxBackoff
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	return delay + jitter
}

func waitUntil(ctx context.Context, deadline time.Time) error {
	if deadline.IsZero() {
		return nil
	}
	d := time.Until(deadline)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
