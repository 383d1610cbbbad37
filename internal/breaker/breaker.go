// Package breaker provides a circuit breaker for calls to the shared store.
//
// After threshold consecutive failures the breaker opens and rejects calls for
// the cooldown period, then lets a single probe through (half-open). A
// successful probe closes the circuit; a failed one reopens it.
package breaker

import (
	"sync"
	"time"

	"github.com/HanTheDev/risk-scoring-gateway/internal/clock"
	"github.com/HanTheDev/risk-scoring-gateway/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker guards a single downstream dependency.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	clock     clock.Clock

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// New creates a breaker. Non-positive arguments fall back to 5 failures / 5s.
func New(name string, threshold int, cooldown time.Duration, clk clock.Clock) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clk,
	}
}

// Allow reports whether a call should be attempted.
func (b *Breaker) Allow() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) >= b.cooldown {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		// a probe is already in flight
		return false
	default:
		return true
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case StateHalfOpen:
		b.openedAt = b.clock.Now()
		b.transition(StateOpen)
	case StateClosed:
		if b.failures >= b.threshold {
			b.openedAt = b.clock.Now()
			b.transition(StateOpen)
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	if b == nil {
		return StateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// caller must hold b.mu
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	metrics.BreakerTransitions.WithLabelValues(b.name, from.String(), to.String()).Inc()
}
