// Package resilience guards the archive sinks (S3, MongoDB) against a
// wedged or unreachable backend: once too many uploads fail in a row the
// breaker opens and short-circuits further attempts until a cooldown
// elapses, instead of letting every task-completion event pile up behind
// a dead connection.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Execute while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker's current disposition toward new calls.
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
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker wraps one archive sink's calls with failure counting and
// a cooldown before the sink is tried again.
type CircuitBreaker struct {
	mu              sync.RWMutex
	name            string
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time
	lastStateChange time.Time

	maxFailures     int
	timeout         time.Duration
	halfOpenSuccess int

	onStateChange func(name string, from, to State)
}

// CircuitBreakerConfig configures one CircuitBreaker instance.
type CircuitBreakerConfig struct {
	Name            string
	MaxFailures     int
	Timeout         time.Duration
	HalfOpenSuccess int
	OnStateChange   func(name string, from, to State)
}

// DefaultCircuitBreakerConfig trips after 5 consecutive failures and
// probes again after a 30s cooldown, per the teacher's archive-sink
// defaults.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:            name,
		MaxFailures:     5,
		Timeout:         30 * time.Second,
		HalfOpenSuccess: 3,
	}
}

// NewCircuitBreaker creates a breaker starting in the closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:            config.Name,
		state:           StateClosed,
		maxFailures:     config.MaxFailures,
		timeout:         config.Timeout,
		halfOpenSuccess: config.HalfOpenSuccess,
		onStateChange:   config.OnStateChange,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn if the breaker permits it, recording the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.canExecute() {
		return ErrCircuitOpen
	}

	err := fn()
	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) canExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailureTime) > cb.timeout {
			cb.transitionTo(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.lastFailureTime = time.Now()
	cb.successes = 0

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.maxFailures {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionTo(StateOpen)
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.halfOpenSuccess {
			cb.transitionTo(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()

	if newState == StateClosed {
		cb.failures = 0
		cb.successes = 0
	} else if newState == StateHalfOpen {
		cb.successes = 0
	}

	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, oldState, newState)
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Failures returns the failure count since the breaker last closed or
// last recorded a success while closed.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Reset forces the breaker back to closed, e.g. after an operator
// confirms the archive backend is healthy again.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
}
