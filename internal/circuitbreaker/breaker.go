// Package circuitbreaker fails chain RPC reads fast while a node is down.
// Each RPC method gets its own circuit, which trips open after a run of
// consecutive failures and lets a single probe through once the cool-off
// has passed.
package circuitbreaker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned instead of calling through while a circuit is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State of one circuit.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one probe is in flight
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

var (
	stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paylink",
		Subsystem: "rpc_breaker",
		Name:      "state_transitions_total",
		Help:      "RPC circuit breaker state transitions by method, from-state, and to-state.",
	}, []string{"key", "from_state", "to_state"})

	circuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paylink",
		Subsystem: "rpc_breaker",
		Name:      "state",
		Help:      "Current circuit state by method (0 closed, 1 open, 2 half-open).",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(stateTransitions, circuitState)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// CircuitStatus is a point-in-time view of one circuit.
type CircuitStatus struct {
	Key      string `json:"key"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// Breaker holds one circuit per key.
type Breaker struct {
	threshold int
	openFor   time.Duration
	now       func() time.Time

	mu           sync.Mutex
	circuits     map[string]*circuit
	onTransition func(key string, from, to State)
}

// New creates a breaker that opens a circuit after threshold consecutive
// failures and keeps it open for openFor before probing. Non-positive
// arguments fall back to 5 and 30s.
func New(threshold int, openFor time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		openFor:   openFor,
		now:       time.Now,
		circuits:  make(map[string]*circuit),
	}
}

// WithClock replaces the time source. Tests only.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// OnTransition sets a callback for state changes. It runs on its own
// goroutine so it may call back into the breaker.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a call for key may proceed. A call admitted from an
// expired open circuit is the probe; everyone else waits for its verdict.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return true
	}
	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.openFor {
			return false
		}
		b.setState(key, c, StateHalfOpen)
		return true
	default:
		return false
	}
}

// RecordSuccess closes the circuit and clears its failure run.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return
	}
	c.failures = 0
	b.setState(key, c, StateClosed)
}

// RecordFailure extends the failure run. A failed probe, or reaching the
// threshold while closed, opens the circuit.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++

	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		b.setState(key, c, StateOpen)
	}
}

// State returns the state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c := b.circuits[key]; c != nil {
		return c.state
	}
	return StateClosed
}

// Snapshot lists every circuit that has seen a failure, sorted by key.
func (b *Breaker) Snapshot() []CircuitStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]CircuitStatus, 0, len(b.circuits))
	for key, c := range b.circuits {
		out = append(out, CircuitStatus{Key: key, State: c.state.String(), Failures: c.failures})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// setState requires b.mu.
func (b *Breaker) setState(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	stateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	circuitState.WithLabelValues(key).Set(float64(to))
	if fn := b.onTransition; fn != nil {
		go fn(key, from, to)
	}
}
