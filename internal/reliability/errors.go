package reliability

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen is returned by Breaker.Execute while the circuit is open
var ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

// PermanentError stops Retry immediately
type PermanentError struct {
	Err error
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// RetryError is returned when every attempt failed
type RetryError struct {
	Attempts int
	Err      error
	Duration time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d attempts over %v: %v",
		e.Attempts, e.Duration.Round(time.Millisecond), e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// BreakerError describes a call rejected by an open circuit
type BreakerError struct {
	Name      string
	Failures  int
	NextRetry time.Time
}

func (e *BreakerError) Error() string {
	return fmt.Sprintf("circuit breaker %s open after %d failures, retry in %v",
		e.Name, e.Failures, time.Until(e.NextRetry).Round(time.Second))
}

func (e *BreakerError) Unwrap() error {
	return ErrCircuitOpen
}
