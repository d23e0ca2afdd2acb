package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState is the state of a session's circuit breaker.
type CircuitState int

const (
	// CircuitClosed passes calls through.
	CircuitClosed CircuitState = iota
	// CircuitOpen fails calls fast.
	CircuitOpen
	// CircuitHalfOpen lets calls probe the session again.
	CircuitHalfOpen
)

// String returns the string representation of the state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "Closed"
	case CircuitOpen:
		return "Open"
	case CircuitHalfOpen:
		return "Half-Open"
	default:
		return "Unknown"
	}
}

// ErrCircuitOpen is returned for calls on a session whose breaker is open.
var ErrCircuitOpen = errors.New("session: circuit breaker is open")

// BreakerPolicy trips a session to Broken after consecutive transport
// failures. A zero FailureThreshold disables the breaker.
type BreakerPolicy struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// DefaultBreakerPolicy opens after 5 failures and probes again after 30s.
func DefaultBreakerPolicy() BreakerPolicy {
	return BreakerPolicy{FailureThreshold: 5, ResetTimeout: 30 * time.Second}
}

// breaker counts consecutive failures of one session's transport calls.
// onChange runs synchronously with the new state, outside the lock.
type breaker struct {
	mu sync.Mutex

	state       CircuitState
	failures    int
	lastFailure time.Time

	threshold int
	timeout   time.Duration
	now       func() time.Time
	onChange  func(CircuitState)
}

func newBreaker(policy BreakerPolicy, now func() time.Time, onChange func(CircuitState)) *breaker {
	return &breaker{
		threshold: policy.FailureThreshold,
		timeout:   policy.ResetTimeout,
		now:       now,
		onChange:  onChange,
	}
}

// execute runs fn unless the breaker is open.
func (b *breaker) execute(fn func() error) error {
	if b.threshold <= 0 {
		return fn()
	}
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *breaker) allow() error {
	b.mu.Lock()
	if b.state != CircuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(b.lastFailure) <= b.timeout {
		b.mu.Unlock()
		return ErrCircuitOpen
	}
	b.state = CircuitHalfOpen
	b.mu.Unlock()
	b.notify(CircuitHalfOpen)
	return nil
}

func (b *breaker) record(err error) {
	// Cancellation says nothing about the session's health.
	if errors.Is(err, context.Canceled) {
		return
	}

	b.mu.Lock()
	prev := b.state
	if err == nil {
		b.failures = 0
		b.state = CircuitClosed
	} else {
		b.failures++
		b.lastFailure = b.now()
		if b.state == CircuitHalfOpen || b.failures >= b.threshold {
			b.state = CircuitOpen
		}
	}
	next := b.state
	b.mu.Unlock()

	if next != prev {
		b.notify(next)
	}
}

func (b *breaker) notify(s CircuitState) {
	if b.onChange != nil {
		b.onChange(s)
	}
}

// State returns the current state.
func (b *breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
