// Package breaker implements a circuit breaker for calls to external
// services. Consecutive failures open the circuit; while open, calls
// fail fast instead of piling onto a struggling upstream. After a
// recovery timeout a single probe call is let through to test whether
// the upstream has recovered.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do when the circuit is open and the call was
// not attempted.
var ErrOpen = errors.New("circuit breaker open")

// State is the circuit's current mode.
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

// Breaker trips after a run of consecutive failures and recovers via a
// single half-open probe.
type Breaker struct {
	mu               sync.Mutex
	failureThreshold int
	recoveryTimeout  time.Duration

	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a circuit breaker that opens after failureThreshold
// consecutive failures and allows a probe after recoveryTimeout.
func New(failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            StateClosed,
	}
}

// State returns the circuit's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.recoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Do runs fn through the circuit. When the circuit is open it returns
// ErrOpen without calling fn. While half-open, exactly one call is
// allowed through as a probe; its outcome decides whether the circuit
// closes again or reopens.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	probe, err := b.admit()
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	b.record(probe, callErr)
	return callErr
}

// admit decides whether a call may proceed. It returns true when the
// call is the half-open probe.
func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if time.Since(b.openedAt) < b.recoveryTimeout {
			return false, ErrOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		return true, nil
	case StateHalfOpen:
		if b.probing {
			return false, ErrOpen
		}
		b.probing = true
		return true, nil
	}
	return false, ErrOpen
}

// record updates the circuit from a call's outcome.
func (b *Breaker) record(probe bool, callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
		if callErr != nil {
			b.state = StateOpen
			b.openedAt = time.Now()
			return
		}
		b.state = StateClosed
		b.failures = 0
		return
	}

	// A non-probe call that finished after the circuit moved on says
	// nothing about the current upstream; ignore it.
	if b.state != StateClosed {
		return
	}

	if callErr == nil {
		b.failures = 0
		return
	}

	b.failures++
	if b.failures >= b.failureThreshold {
		b.state = StateOpen
		b.openedAt = time.Now()
	}
}
