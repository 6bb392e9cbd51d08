// Package circuitbreaker provides a per-key circuit breaker with
// closed → open → half-open state transitions.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: one request at a time tests recovery
)

// String returns the state name.
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

var cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kopa",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(cbStateTransitions)
}

// entry tracks per-key circuit state.
type entry struct {
	state         State
	failures      int
	successes     int
	probeInFlight bool
	openedAt      time.Time
}

// Settings configure a Breaker. Zero values fall back to the defaults.
type Settings struct {
	FailureThreshold int           // consecutive failures that open the circuit (default 5)
	SuccessThreshold int           // consecutive half-open successes that close it (default 2)
	ResetTimeout     time.Duration // time spent open before probing (default 30s)
}

// Breaker is a per-key circuit breaker. It tracks consecutive failures per
// key and trips open at the failure threshold. After the reset timeout the
// circuit moves to half-open and admits a single probe at a time; enough
// consecutive probe successes close it, any probe failure reopens it.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	settings     Settings
	now          func() time.Time
	onTransition func(key string, from, to State) // optional callback for metrics
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a circuit breaker with the given settings.
func New(s Settings, opts ...Option) *Breaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 2
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 30 * time.Second
	}
	b := &Breaker{
		entries:  make(map[string]*entry),
		settings: s,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnTransition sets a callback invoked on state changes.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a request to key may proceed. An open circuit whose
// reset timeout has elapsed moves to half-open and admits the caller as the
// probe. While a probe is in flight other callers are rejected.
//
// Every admitted request must be followed by exactly one of RecordSuccess,
// RecordFailure or Release.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true // No entry = closed
	}

	switch e.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(e.openedAt) < b.settings.ResetTimeout {
			return false
		}
		b.transition(e, key, StateHalfOpen)
		e.probeInFlight = true
		return true
	case StateHalfOpen:
		if e.probeInFlight {
			return false
		}
		e.probeInFlight = true
		return true
	default:
		return true
	}
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}

	e.failures = 0
	if e.state != StateHalfOpen {
		return
	}
	e.probeInFlight = false
	e.successes++
	if e.successes >= b.settings.SuccessThreshold {
		b.transition(e, key, StateClosed)
	}
}

// RecordFailure records a failed request. Reaching the failure threshold
// while closed, or failing a half-open probe, opens the circuit.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}

	e.failures++

	switch e.state {
	case StateHalfOpen:
		b.transition(e, key, StateOpen)
	case StateClosed:
		if e.failures >= b.settings.FailureThreshold {
			b.transition(e, key, StateOpen)
		}
	}
}

// Release gives back an admitted request without recording an outcome,
// for calls that ended for reasons unrelated to the downstream's health.
func (b *Breaker) Release(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[key]; ok && e.state == StateHalfOpen {
		e.probeInFlight = false
	}
}

// State returns the current state for a key. Returns StateClosed for unknown keys.
// An open circuit whose reset timeout has elapsed still reports open until
// the next Allow.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return StateClosed
	}
	return e.state
}

// Failures returns the consecutive failure count for a key.
func (b *Breaker) Failures(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[key]; ok {
		return e.failures
	}
	return 0
}

// transition changes state and fires the callback if set.
// Caller must hold b.mu.
func (b *Breaker) transition(e *entry, key string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	e.probeInFlight = false
	switch to {
	case StateOpen:
		e.openedAt = b.now()
		e.successes = 0
	case StateHalfOpen:
		e.successes = 0
	case StateClosed:
		e.failures = 0
		e.successes = 0
	}
	cbStateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(key, from, to)
	}
}
