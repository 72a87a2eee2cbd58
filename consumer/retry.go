package consumer

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-notify/internal/rabbitmq"
)

// RetryConfig configures a RetryConsumer
type RetryConfig struct {
	URL    string
	Queue  string
	Policy RetryPolicy
	// OnError receives every publish failure; WithOnError does the same
	OnError func(error)
}

// RetryConsumer moves each message one step along a retry chain by
// re-publishing it to the next queue, ending in the DLQ
type RetryConsumer struct {
	base
	policy    RetryPolicy
	publisher *rabbitmq.Publisher
	prefetch  int
}

// NewRetryConsumer creates a retry consumer; nothing is dialed until Start
func NewRetryConsumer(cfg RetryConfig, opts ...Option) (*RetryConsumer, error) {
	if cfg.URL == "" || cfg.Queue == "" {
		return nil, fmt.Errorf("%w: url and queue are required", ErrInvalidConfiguration)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}

	o := newOptions("retry", opts)
	if cfg.OnError != nil {
		o.onError = cfg.OnError
	}

	c := &RetryConsumer{
		base:      newBase(cfg.URL, cfg.Queue, o),
		policy:    cfg.Policy,
		publisher: o.publisher,
		prefetch:  o.prefetch,
	}
	c.confirms = true
	return c, nil
}

// Policy returns the retry chain this consumer routes along
func (c *RetryConsumer) Policy() RetryPolicy {
	return c.policy
}

// Start declares the queue and starts consuming. Calling Start on a running
// consumer does nothing.
func (c *RetryConsumer) Start(ctx context.Context) error {
	return c.start(ctx, c.prefetch, c.run)
}

// Shutdown stops consuming, waits for the message in flight and closes the
// channel and the connection.
func (c *RetryConsumer) Shutdown(ctx context.Context) error {
	return c.stop(ctx, nil)
}

// CheckHealth dials a separate connection to prove the broker is reachable
func (c *RetryConsumer) CheckHealth(ctx context.Context) error {
	return c.checkHealth(ctx)
}

func (c *RetryConsumer) run(ctx context.Context, ch *rabbitmq.ConfirmChannel, deliveries <-chan amqp.Delivery) {
	handlerCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return

		case d, ok := <-deliveries:
			if !ok {
				c.deliveriesClosed(ctx)
				return
			}
			c.handle(handlerCtx, ch, d)
		}
	}
}

// handle routes one delivery and settles it. A publish only counts once the
// broker confirmed it. The only path that does not ack is a failed DLQ
// fallback, which nacks without requeue.
func (c *RetryConsumer) handle(ctx context.Context, ch *rabbitmq.ConfirmChannel, d amqp.Delivery) {
	if len(d.Body) == 0 {
		c.ack(d)
		return
	}

	decision := c.policy.Decide(d.Headers)
	logger := c.logger.With(
		"deliveryTag", d.DeliveryTag,
		"targetQueue", decision.TargetQueue,
	)
	if !decision.ValidCount {
		logger.Warn("invalid retry count, routing to DLQ", "retryCount", d.Headers[HeaderRetryCount])
	}

	err := c.publisher.PublishToQueue(ctx, ch, decision.TargetQueue, rabbitmq.Republish(d, decision.Headers))
	if err == nil {
		logger.Debug("message routed", "retryCount", decision.Headers[HeaderRetryCount])
		c.ack(d)
		return
	}

	logger.Error("failed to route message, falling back to DLQ", "error", err)
	c.reportError(err)

	fallback := rabbitmq.Republish(d, FailureHeaders(d.Headers))
	if err := c.publisher.PublishToQueue(ctx, ch, c.policy.DLQ, fallback); err != nil {
		logger.Error("DLQ fallback failed, rejecting message", "error", err, "dlq", c.policy.DLQ)
		c.reportError(err)
		c.reject(d)
		return
	}

	c.ack(d)
}
