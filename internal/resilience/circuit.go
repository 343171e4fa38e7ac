package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is where a breaker currently stands.
type CircuitState int

const (
	// CircuitClosed passes calls through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the reset timeout elapses.
	CircuitOpen
	// CircuitHalfOpen lets probe calls through to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the breaker is rejecting calls.
var ErrCircuitOpen = eris.New("resilience: circuit open")

// CircuitBreakerConfig tunes a breaker.
type CircuitBreakerConfig struct {
	// Service names the upstream for state-change reporting.
	Service string

	// FailureThreshold is the run of consecutive transient failures that
	// opens the circuit. Default 5.
	FailureThreshold int

	// ResetTimeout is how long an open circuit rejects calls before a probe
	// is allowed. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenProbes is the run of successful probes that closes the circuit
	// again. Default 1.
	HalfOpenProbes int

	// OnStateChange reports transitions, e.g. into the ingest metrics.
	OnStateChange func(service string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig matches the feed/Chronicler availability
// profile: their outages last minutes, so a 30s reset probes reasonably
// often without keeping a dead ingest run busy.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenProbes:   1,
	}
}

// CircuitBreaker trips after a run of transient upstream failures and
// recovers through half-open probes. Permanent failures (bad requests,
// decode errors) pass through without counting against the threshold.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
}

// NewCircuitBreaker creates a breaker, applying defaults for zero fields.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = def.HalfOpenProbes
	}
	return &CircuitBreaker{cfg: cfg}
}

// State returns the breaker's current state, accounting for reset timeouts.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeProbe()
	return cb.state
}

// Reset force-closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(CircuitClosed)
	cb.failures = 0
	cb.successes = 0
}

// Execute runs fn unless the circuit is rejecting calls. fn's outcome feeds
// the breaker: transient failures count toward opening it, success in
// half-open counts toward closing it.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.observe(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeProbe()
	if cb.state == CircuitOpen {
		return eris.Wrapf(ErrCircuitOpen, "%s unavailable, retry after %s",
			cb.cfg.Service, cb.cfg.ResetTimeout)
	}
	return nil
}

// maybeProbe moves an open circuit to half-open once the reset timeout has
// elapsed. Callers hold the lock.
func (cb *CircuitBreaker) maybeProbe() {
	if cb.state == CircuitOpen && time.Since(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.transition(CircuitHalfOpen)
		cb.successes = 0
	}
}

func (cb *CircuitBreaker) observe(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		if cb.state == CircuitHalfOpen {
			cb.successes++
			if cb.successes >= cb.cfg.HalfOpenProbes {
				cb.transition(CircuitClosed)
			}
		}
		cb.failures = 0
		return
	}

	if !IsTransient(err) {
		return
	}

	switch cb.state {
	case CircuitHalfOpen:
		// The probe failed; go straight back to open.
		cb.openedAt = time.Now()
		cb.transition(CircuitOpen)
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.openedAt = time.Now()
			cb.transition(CircuitOpen)
		}
	}
}

// transition changes state and notifies. Callers hold the lock.
func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	if to == CircuitClosed {
		cb.failures = 0
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Service, from, to)
	}
}
