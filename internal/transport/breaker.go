package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitState is the state of one host's circuit.
type CircuitState int

const (
	// CircuitClosed lets requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen fails requests without contacting the host.
	CircuitOpen
	// CircuitHalfOpen lets a probe request through.
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

// ErrCircuitOpen is returned by RoundTrip while a host's circuit is open.
var ErrCircuitOpen = errors.New("transport: circuit open")

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive upstream failures
	// (network errors and 5xx responses) that opens the circuit. Default 5.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before a probe.
	// Default 30s.
	RecoveryTimeout time.Duration
}

// DefaultCircuitBreakerConfig returns the defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

type circuit struct {
	state           CircuitState
	failures        int
	lastStateChange time.Time
	probing         bool
}

// CircuitBreaker fails fast against a host that keeps erroring. Quota and
// other 4xx responses are answers, not failures, and never trip it.
type CircuitBreaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreaker creates a breaker. Zero config fields take defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	return &CircuitBreaker{
		circuits: make(map[string]*circuit),
		config:   cfg,
		now:      time.Now,
	}
}

// Allow returns nil if a request to host may proceed. After the recovery
// timeout one probe is let through; its result closes or reopens the circuit.
func (cb *CircuitBreaker) Allow(host string) error {
	if cb == nil {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.get(host)
	switch c.state {
	case CircuitOpen:
		if cb.now().Sub(c.lastStateChange) < cb.config.RecoveryTimeout {
			return fmt.Errorf("%w for %s", ErrCircuitOpen, host)
		}
		cb.transition(c, CircuitHalfOpen)
		c.probing = true
		return nil
	case CircuitHalfOpen:
		if c.probing {
			return fmt.Errorf("%w for %s", ErrCircuitOpen, host)
		}
		c.probing = true
	}
	return nil
}

// RecordSuccess closes the circuit for host.
func (cb *CircuitBreaker) RecordSuccess(host string) {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.get(host)
	c.failures = 0
	c.probing = false
	if c.state != CircuitClosed {
		cb.transition(c, CircuitClosed)
	}
}

// RecordFailure counts an upstream failure for host.
func (cb *CircuitBreaker) RecordFailure(host string) {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.get(host)
	c.failures++
	c.probing = false
	switch c.state {
	case CircuitClosed:
		if c.failures >= cb.config.FailureThreshold {
			cb.transition(c, CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transition(c, CircuitOpen)
	}
}

// State returns the state of host's circuit.
func (cb *CircuitBreaker) State(host string) CircuitState {
	if cb == nil {
		return CircuitClosed
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c, ok := cb.circuits[host]
	if !ok {
		return CircuitClosed
	}
	if c.state == CircuitOpen && cb.now().Sub(c.lastStateChange) >= cb.config.RecoveryTimeout {
		return CircuitHalfOpen
	}
	return c.state
}

// must hold cb.mu
func (cb *CircuitBreaker) get(host string) *circuit {
	c, ok := cb.circuits[host]
	if !ok {
		c = &circuit{state: CircuitClosed, lastStateChange: cb.now()}
		cb.circuits[host] = c
	}
	return c
}

func (cb *CircuitBreaker) transition(c *circuit, to CircuitState) {
	c.state = to
	c.lastStateChange = cb.now()
}
