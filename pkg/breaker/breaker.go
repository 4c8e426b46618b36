// Package breaker stops calls to a billing or identity API that keeps failing,
// so webhook retries and syncs fail fast instead of piling up on timeouts.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the current state of a breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// Breaker opens after Threshold consecutive failures and lets one trial call
// through once ResetTimeout has passed since the last failure.
type Breaker struct {
	mu sync.Mutex

	name                string
	state               State
	threshold           int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailure         time.Time
	probing             bool

	onStateChange func(name string, state State)
	now           func() time.Time
}

// Config configures a Breaker
type Config struct {
	// Name identifies the guarded API in state change callbacks
	Name string

	// Threshold is the number of consecutive failures that open the breaker
	// Default: 5
	Threshold int

	// ResetTimeout is how long the breaker stays open
	// Default: 30 seconds
	ResetTimeout time.Duration

	OnStateChange func(name string, state State)
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		name:          cfg.Name,
		state:         StateClosed,
		threshold:     cfg.Threshold,
		resetTimeout:  cfg.ResetTimeout,
		onStateChange: cfg.OnStateChange,
		now:           time.Now,
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Allow reports whether a call may proceed. In half-open state only one
// trial call is let through until it reports back.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
	}
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	b.consecutiveFailures = 0
	b.changeState(StateClosed)
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailure = b.now()

	if b.probing || (b.state == StateClosed && b.consecutiveFailures >= b.threshold) {
		b.probing = false
		b.changeState(StateOpen)
	}
}

// abandon frees a half-open trial slot without recording an outcome.
func (b *Breaker) abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

func (b *Breaker) changeState(state State) {
	if b.state == state {
		return
	}
	b.state = state
	if b.onStateChange != nil {
		b.onStateChange(b.name, state)
	}
}
