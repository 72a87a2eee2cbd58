package reliability

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State of a Breaker
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

// Breaker stops calling a failing channel after FailureThreshold consecutive
// failures and lets a single probe through once Cooldown has passed
type Breaker struct {
	name             string
	failureThreshold int
	cooldown         time.Duration
	now              func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool
}

// BreakerOption configures a Breaker
type BreakerOption func(*Breaker)

func WithFailureThreshold(n int) BreakerOption {
	return func(b *Breaker) {
		b.failureThreshold = n
	}
}

func WithCooldown(d time.Duration) BreakerOption {
	return func(b *Breaker) {
		b.cooldown = d
	}
}

// NewBreaker creates a closed breaker; defaults are 5 failures and 30s
func NewBreaker(name string, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: 5,
		cooldown:         30 * time.Second,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs fn unless the circuit is open. Permanent errors do not count
// as failures because they say nothing about the remote side's health.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err)
	return err
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		next := b.lastFailure.Add(b.cooldown)
		if b.now().Before(next) {
			return &BreakerError{Name: b.name, Failures: b.failures, NextRetry: next}
		}
		b.state = StateHalfOpen
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return &BreakerError{Name: b.name, Failures: b.failures, NextRetry: b.now().Add(time.Second)}
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if err == nil || isPermanent(err) {
		b.state = StateClosed
		b.failures = 0
		return
	}

	b.failures++
	b.lastFailure = b.now()
	if b.state == StateHalfOpen || b.failures >= b.failureThreshold {
		b.state = StateOpen
	}
}

func isPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}
