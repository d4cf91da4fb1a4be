package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

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
		return "half_open"
	}
	return "unknown"
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithName labels the breaker in state-change callbacks.
func WithName(name string) Option {
	return func(cb *CircuitBreaker) { cb.name = name }
}

// WithStateChange registers a callback invoked after each transition. It runs
// with the breaker unlocked.
func WithStateChange(fn func(name string, from, to State)) Option {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// WithHalfOpenSuccesses sets how many probes must succeed before closing.
func WithHalfOpenSuccesses(n int) Option {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.halfOpenMax = n
		}
	}
}

// WithFailureFilter decides which errors count against the breaker. By default
// caller cancellation does not.
func WithFailureFilter(fn func(error) bool) Option {
	return func(cb *CircuitBreaker) { cb.isFailure = fn }
}

type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time

	name        string
	maxFailures int
	timeout     time.Duration
	halfOpenMax int
	isFailure   func(error) bool
	onChange    func(name string, from, to State)
	now         func() time.Time
}

func New(maxFailures int, timeout time.Duration, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:       StateClosed,
		maxFailures: maxFailures,
		timeout:     timeout,
		halfOpenMax: 3,
		isFailure:   countsAsFailure,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailure) <= cb.timeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.successes = 0
		from := cb.setState(StateHalfOpen)
		cb.mu.Unlock()
		cb.notify(from, StateHalfOpen)
	} else {
		cb.mu.Unlock()
	}

	err := fn()

	cb.mu.Lock()
	from, to := cb.state, cb.state

	switch {
	case err != nil && cb.isFailure(err):
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			to = StateOpen
		}
	case err != nil:
		// not counted
	case cb.state == StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.halfOpenMax {
			to = StateClosed
			cb.failures = 0
		}
	default:
		cb.failures = 0
	}

	if to != from {
		cb.setState(to)
	}
	cb.mu.Unlock()

	if to != from {
		cb.notify(from, to)
	}
	return err
}

func (cb *CircuitBreaker) setState(to State) State {
	from := cb.state
	cb.state = to
	return from
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}
