package circuitbreaker

import (
	"sync"
	"time"
)

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker tracks consecutive failures of a backing dependency and opens after
// a threshold. Once the cooldown has elapsed a single trial call is let
// through; its outcome closes or re-opens the circuit.
type Breaker struct {
	mu          sync.Mutex
	failures    int
	openedAt    time.Time
	state       State
	trialActive bool

	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New creates a breaker. Non-positive values fall back to 5 failures and a
// 30 second cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call may be attempted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.trialActive = true
		return true
	default:
		// half-open: only the one trial call is in flight
		if b.trialActive {
			return false
		}
		b.trialActive = true
		return true
	}
}

// RecordSuccess closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.state = StateClosed
	b.trialActive = false
}

// RecordFailure counts a failure and opens the circuit once the threshold is
// reached. A failed half-open trial re-opens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.trialActive = false

	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// Abandon ends a call whose outcome says nothing about the dependency, such
// as one cancelled by its caller. A half-open trial slot is freed without
// changing the state.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trialActive = false
}

// Reset manually closes the circuit.
func (b *Breaker) Reset() {
	b.RecordSuccess()
}

// State returns the current state and failure count for monitoring.
func (b *Breaker) State() (State, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state, b.failures
}
