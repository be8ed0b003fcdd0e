package executor

import (
	"sync"
	"time"

	"github.com/stagewise/stagewise/pkg/schema"
)

// CircuitState is the lifecycle state of one step's circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures per-step failure tracking.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before allowing a test call.
	Cooldown time.Duration
	// HalfOpenMax is the number of test calls allowed while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the standard thresholds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              CircuitBreakerConfig
}

// CircuitBreakerRegistry manages one breaker per step ID. Custom step
// variants share the breaker of their base step, since they invoke the
// same underlying action.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates an empty registry.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(stepID string) *circuitBreaker {
	key := baseStepID(stepID)
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = &circuitBreaker{config: r.config}
		r.breakers[key] = cb
	}
	return cb
}

// AllowRequest reports whether a call for the step may proceed. When the
// circuit is open and the cooldown has not elapsed it returns a
// CIRCUIT_OPEN error.
func (r *CircuitBreakerRegistry) AllowRequest(stepID string) error {
	cb := r.getOrCreate(stepID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for step %q after %d consecutive failures", stepID, cb.consecutiveFailures).
			WithStep(stepID).
			WithDetails(map[string]any{
				"state":                cb.state.String(),
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (cb.config.Cooldown - time.Since(cb.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for step %q: test call already in flight", stepID).WithStep(stepID)
		}
		cb.halfOpenAttempts++
		return nil
	}
	return nil
}

// RecordSuccess closes the circuit for the step.
func (r *CircuitBreakerRegistry) RecordSuccess(stepID string) {
	cb := r.getOrCreate(stepID)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failed call and returns the resulting state. A
// failure while half-open reopens the circuit immediately.
func (r *CircuitBreakerRegistry) RecordFailure(stepID string) CircuitState {
	cb := r.getOrCreate(stepID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
		return CircuitOpen
	}
	return cb.state
}

// State returns the current circuit state for the step, applying the
// open-to-half-open transition when the cooldown has elapsed.
func (r *CircuitBreakerRegistry) State(stepID string) CircuitState {
	cb := r.getOrCreate(stepID)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}
