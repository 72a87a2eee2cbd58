package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher re-publishes messages to queues through the default exchange and
// only reports success once the broker has confirmed the message
type Publisher struct {
	publishTimeout time.Duration
	confirmTimeout time.Duration
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublishTimeout bounds each publish when the caller's context has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithConfirmTimeout bounds the wait for the broker's confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// NewPublisher creates a new publisher
func NewPublisher(options ...PublisherOption) *Publisher {
	p := &Publisher{
		publishTimeout: 10 * time.Second,
		confirmTimeout: 5 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishToQueue publishes msg to queue as a persistent, mandatory message.
// A queue that does not exist, a broker nack or a missing confirm all fail
// the publish.
func (p *Publisher) PublishToQueue(ctx context.Context, ch *ConfirmChannel, queue string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	msg.DeliveryMode = amqp.Persistent
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if err := ch.publishConfirmed(ctx, "", queue, msg, p.confirmTimeout); err != nil {
		return &PublishError{
			Exchange:   "",
			RoutingKey: queue,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	return nil
}

// Republish builds a publishing from a delivery, keeping its body and message
// properties but replacing the headers.
func Republish(d amqp.Delivery, headers amqp.Table) amqp.Publishing {
	return amqp.Publishing{
		Headers:         headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		CorrelationId:   d.CorrelationId,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		AppId:           d.AppId,
		Priority:        d.Priority,
		Body:            d.Body,
	}
}
