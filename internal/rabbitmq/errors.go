package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Connection errors
	ErrBrokerUnavailable  = errors.New("rabbitmq: broker unavailable")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")

	// Channel errors
	ErrChannelClosed = errors.New("rabbitmq: channel is closed")

	// Publish errors
	ErrPublishNacked  = errors.New("rabbitmq: publish nacked by broker")
	ErrUnroutable     = errors.New("rabbitmq: message returned as unroutable")
	ErrConfirmTimeout = errors.New("rabbitmq: timeout waiting for publish confirm")

	// Consumer errors
	ErrNotStarted       = errors.New("rabbitmq: consumer not started")
	ErrDeliveriesClosed = errors.New("rabbitmq: delivery channel closed by broker")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// brokerUnavailableMessage is the operator-facing text of BrokerUnavailableError
const brokerUnavailableMessage = "RabbitMQ недоступен"

// BrokerUnavailableError reports that the broker could not be reached
type BrokerUnavailableError struct {
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying transport error
	Timestamp time.Time // When the error occurred
}

func (e *BrokerUnavailableError) Error() string {
	return brokerUnavailableMessage
}

func (e *BrokerUnavailableError) Unwrap() []error {
	return []error{ErrBrokerUnavailable, e.Err}
}

// IsBrokerUnavailable reports whether err is a connectivity failure
func IsBrokerUnavailable(err error) bool {
	var target *BrokerUnavailableError
	return errors.As(err, &target)
}

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %q/%s: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
