package hooks

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaybot/relay/internal/observability"
)

const (
	// DefaultBreakerThreshold is the consecutive-failure count that trips
	// a handler's breaker.
	DefaultBreakerThreshold = 5

	// DefaultBreakerCooldown is how long a tripped handler is skipped.
	DefaultBreakerCooldown = 60 * time.Second
)

// Breaker isolates a repeatedly failing handler. After threshold
// consecutive failures the handler is skipped (treated as Continue) for a
// cooldown window. A success after the cooldown resets the count.
//
// Counters are atomics: they are the only long-lived mutable state shared
// across concurrent gating paths from many sessions.
type Breaker struct {
	threshold int32
	cooldown  time.Duration

	failures      atomic.Int32
	disabledUntil atomic.Int64 // unix nanos, 0 = enabled
}

// NewBreaker creates a breaker with the given threshold and cooldown.
// Non-positive values fall back to the defaults.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	return &Breaker{threshold: int32(threshold), cooldown: cooldown}
}

// Allow reports whether the handler may be invoked now. During cooldown it
// returns false; once the cooldown elapses the handler is eligible again
// (its failure count intact until the next success resets it).
func (b *Breaker) Allow() bool {
	until := b.disabledUntil.Load()
	if until == 0 {
		return true
	}
	if time.Now().UnixNano() < until {
		return false
	}
	b.disabledUntil.CompareAndSwap(until, 0)
	return true
}

// Success records a successful invocation, resetting the failure count.
func (b *Breaker) Success() {
	b.failures.Store(0)
}

// Failure records a failed invocation and returns true if this failure
// tripped the breaker.
func (b *Breaker) Failure() bool {
	if b.failures.Add(1) >= b.threshold {
		b.disabledUntil.Store(time.Now().Add(b.cooldown).UnixNano())
		b.failures.Store(0)
		return true
	}
	return false
}

// ConsecutiveFailures returns the current consecutive failure count.
func (b *Breaker) ConsecutiveFailures() int {
	return int(b.failures.Load())
}

// breakerSet lazily allocates one breaker per handler identity.
type breakerSet struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	threshold int
	cooldown  time.Duration
}

func newBreakerSet(threshold int, cooldown time.Duration) *breakerSet {
	return &breakerSet{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (s *breakerSet) get(handlerID string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[handlerID]
	if !ok {
		b = NewBreaker(s.threshold, s.cooldown)
		s.breakers[handlerID] = b
	}
	return b
}

func (s *breakerSet) recordFailure(handlerID string) {
	if s.get(handlerID).Failure() {
		observability.BreakerTrips.WithLabelValues(handlerID).Inc()
	}
}
