package admission

import (
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open. The engine
// treats it as store unavailability and fails open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active.
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening
	// the circuit (default: 5).
	FailureThreshold int

	// ResetTimeout is how long to wait before transitioning from Open to
	// Half-Open (default: 30 seconds).
	ResetTimeout time.Duration
}

// circuitBreaker protects the store from being hammered while it is down.
// Closed passes calls through; Open short-circuits them with ErrCircuitOpen;
// Half-Open lets one probe through after the reset timeout.
type circuitBreaker struct {
	mu sync.RWMutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time

	onStateChange func(state CircuitBreakerState)
}

func newCircuitBreaker(cfg CircuitBreakerConfig, onStateChange func(CircuitBreakerState)) *circuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &circuitBreaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		resetTimeout:     cfg.ResetTimeout,
		onStateChange:    onStateChange,
	}
}

func (cb *circuitBreaker) State() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState()
}

func (cb *circuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && time.Since(cb.lastFailureTime) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs fn within the breaker. When the circuit is open it returns
// ErrCircuitOpen without invoking fn.
func (cb *circuitBreaker) Execute(fn func() error) error {
	if cb.State() == StateOpen {
		return ErrCircuitOpen
	}

	err := fn()
	if err != nil && IsUnavailable(err) {
		cb.failure()
		return err
	}
	if err != nil {
		// Business errors count as successful round trips.
		cb.success()
		return err
	}

	cb.success()
	return nil
}

func (cb *circuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen || cb.state == StateOpen {
		cb.changeState(StateClosed)
	}
	cb.consecutiveFailures = 0
}

func (cb *circuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if cb.state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold {
		cb.changeState(StateOpen)
	} else if cb.currentState() == StateHalfOpen {
		cb.changeState(StateOpen)
	}
}

func (cb *circuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}
