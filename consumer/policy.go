package consumer

import (
	"fmt"
	"math"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Header names of the retry wire contract
const (
	HeaderRetryCount           = "x-retry-count"
	HeaderRetryConsumerFailure = "x-retry-consumer-failure"
	HeaderOriginalRetryCount   = "x-original-retry-count"
)

// RetryPolicy is an escalation chain of retry queues ending in a dead-letter queue
type RetryPolicy struct {
	RetryQueues []string
	DLQ         string
}

// DefaultRetryPolicy returns a two-step chain named after queue
func DefaultRetryPolicy(queue string) RetryPolicy {
	return RetryPolicy{
		RetryQueues: []string{queue + ".retry.1", queue + ".retry.2"},
		DLQ:         queue + ".dlq",
	}
}

// MaxAttempts is the number of retry hops before a message lands in the DLQ
func (p RetryPolicy) MaxAttempts() int {
	return len(p.RetryQueues)
}

// Validate checks that every queue in the chain is named
func (p RetryPolicy) Validate() error {
	if p.DLQ == "" {
		return fmt.Errorf("%w: retry policy needs a DLQ", ErrInvalidConfiguration)
	}
	for i, q := range p.RetryQueues {
		if q == "" {
			return fmt.Errorf("%w: retry queue %d has no name", ErrInvalidConfiguration, i)
		}
	}
	return nil
}

// RetryDecision is where a message goes next and with which headers
type RetryDecision struct {
	TargetQueue string
	Headers     amqp.Table
	// RetryCount is the parsed incoming count; meaningful only when ValidCount
	RetryCount int64
	ValidCount bool
}

// Decide routes a message by its retry-count header. A valid count n goes to
// RetryQueues[n] while n < MaxAttempts and to the DLQ afterwards, with the
// header bumped to n+1. A missing or malformed count goes straight to the DLQ
// with the headers untouched.
func (p RetryPolicy) Decide(headers amqp.Table) RetryDecision {
	n, ok := ParseRetryCount(headers[HeaderRetryCount])
	if !ok || n == math.MaxInt64 {
		return RetryDecision{
			TargetQueue: p.DLQ,
			Headers:     copyHeaders(headers),
		}
	}

	target := p.DLQ
	if n < int64(p.MaxAttempts()) {
		target = p.RetryQueues[n]
	}

	next := copyHeaders(headers)
	next[HeaderRetryCount] = n + 1

	return RetryDecision{
		TargetQueue: target,
		Headers:     next,
		RetryCount:  n,
		ValidCount:  true,
	}
}

// ParseRetryCount accepts only non-negative integer header values. Floats are
// rejected even when whole: AMQP carries them as a distinct field type.
func ParseRetryCount(v interface{}) (int64, bool) {
	var n int64
	switch val := v.(type) {
	case int:
		n = int64(val)
	case int8:
		n = int64(val)
	case int16:
		n = int64(val)
	case int32:
		n = int64(val)
	case int64:
		n = val
	case uint:
		if uint64(val) > math.MaxInt64 {
			return 0, false
		}
		n = int64(val)
	case uint8:
		n = int64(val)
	case uint16:
		n = int64(val)
	case uint32:
		n = int64(val)
	case uint64:
		if val > math.MaxInt64 {
			return 0, false
		}
		n = int64(val)
	default:
		return 0, false
	}

	if n < 0 {
		return 0, false
	}
	return n, true
}

// FailureHeaders marks a message that reached the DLQ because re-publishing
// failed. The original retry-count value is kept as received.
func FailureHeaders(headers amqp.Table) amqp.Table {
	out := copyHeaders(headers)
	out[HeaderRetryConsumerFailure] = true
	out[HeaderOriginalRetryCount] = headers[HeaderRetryCount]
	return out
}

func copyHeaders(headers amqp.Table) amqp.Table {
	out := make(amqp.Table, len(headers)+2)
	for k, v := range headers {
		out[k] = v
	}
	return out
}
