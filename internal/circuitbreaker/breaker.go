// Package circuitbreaker guards a single upstream dependency. Consecutive
// failures trip the circuit open; after a cooldown one probe request is let
// through, and its outcome decides whether the circuit closes again.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the current circuit position.
type State int

const (
	StateClosed   State = iota // requests flow through
	StateOpen                  // requests are shed
	StateHalfOpen              // one probe in flight
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

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "purple",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by upstream, from-state, and to-state.",
}, []string{"upstream", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

// Breaker protects one named upstream. The name only labels metrics; the
// breaker itself holds a single circuit, not a circuit per key.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    State
	failures int
	retryAt  time.Time

	clock func() time.Time
}

// New returns a closed breaker for the named upstream. The circuit opens
// after threshold consecutive failures and stays open for cooldown before
// admitting a probe.
func New(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (b *Breaker) SetClock(clock func() time.Time) {
	b.mu.Lock()
	b.clock = clock
	b.mu.Unlock()
}

// Allow reports whether a request may be sent upstream. When the cooldown on
// an open circuit has elapsed, the circuit moves to half-open and this call
// admits the single probe; further calls are rejected until the probe's
// outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.clock().Before(b.retryAt) {
			return false
		}
		b.transition(StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure streak. A successful probe closes the
// circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.transition(StateClosed)
	}
}

// RecordFailure extends the failure streak. Reaching the threshold, or
// failing the half-open probe, opens the circuit for another cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch {
	case b.state == StateHalfOpen:
		b.reopen()
	case b.state == StateClosed && b.failures >= b.threshold:
		b.reopen()
	}
}

// State returns the current circuit position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) reopen() {
	b.retryAt = b.clock().Add(b.cooldown)
	b.transition(StateOpen)
}

// transition requires b.mu.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	transitionsTotal.WithLabelValues(b.name, b.state.String(), to.String()).Inc()
	b.state = to
}
