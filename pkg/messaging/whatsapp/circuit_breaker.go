package whatsapp

import (
	"sync"
	"time"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

// BreakerState is the state of a CircuitBreaker
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// CircuitBreaker fails calls fast after consecutive failures and lets a
// trial call through once resetTimeout has elapsed.
type CircuitBreaker struct {
	mu sync.Mutex

	state               BreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	openedAt            time.Time
	now                 kinelink.TimeSource

	onStateChange func(state BreakerState)
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration, now kinelink.TimeSource,
	onStateChange func(state BreakerState)) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = defaultFailureThreshold
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              now,
		onStateChange:    onStateChange,
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *CircuitBreaker) currentState() BreakerState {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.changeState(StateHalfOpen)
	}
	return cb.state
}

// Execute runs fn unless the breaker is open. Only errors for which
// countsAsFailure returns true move the breaker toward open.
func (cb *CircuitBreaker) Execute(fn func() error, countsAsFailure func(error) bool) error {
	if cb.State() == StateOpen {
		return ErrCircuitOpen
	}

	err := fn()
	if err != nil && countsAsFailure(err) {
		cb.failure()
		return err
	}
	cb.success()
	return err
}

func (cb *CircuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.changeState(StateClosed)
}

func (cb *CircuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	state := cb.currentState()
	if state == StateHalfOpen || (state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold) {
		cb.openedAt = cb.now()
		cb.changeState(StateOpen)
	}
}

func (cb *CircuitBreaker) changeState(next BreakerState) {
	if cb.state == next {
		return
	}
	cb.state = next
	if cb.onStateChange != nil {
		cb.onStateChange(next)
	}
}
