package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-notify/internal/rabbitmq"
)

// Result is the outcome of one batch item, aligned by position with the batch
type Result struct {
	Success bool
}

// BatchHandler processes a batch and returns one Result per item, in order
type BatchHandler[T any] func(ctx context.Context, items []T) ([]Result, error)

// BatchConfig configures a BatchConsumer
type BatchConfig struct {
	URL          string
	Queue        string
	MaxBatchSize int
	// FlushInterval flushes a partial batch after this long; zero disables the timer
	FlushInterval time.Duration
}

// batchItem pairs a decoded payload with the delivery it must be settled on
type batchItem[T any] struct {
	payload  T
	delivery amqp.Delivery
}

// BatchConsumer groups deliveries into batches for a handler and settles each
// delivery according to its item's result
type BatchConsumer[T any] struct {
	base
	handler       BatchHandler[T]
	decode        func([]byte) (T, error)
	maxBatchSize  int
	flushInterval time.Duration

	// batch is owned by the delivery loop while it runs and by Shutdown after
	batch []batchItem[T]
}

// NewBatchConsumer creates a batch consumer; nothing is dialed until Start
func NewBatchConsumer[T any](handler BatchHandler[T], cfg BatchConfig, opts ...Option) (*BatchConsumer[T], error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: batch handler is required", ErrInvalidConfiguration)
	}
	if cfg.URL == "" || cfg.Queue == "" {
		return nil, fmt.Errorf("%w: url and queue are required", ErrInvalidConfiguration)
	}
	if cfg.MaxBatchSize < 1 {
		return nil, fmt.Errorf("%w: max batch size must be at least 1", ErrInvalidConfiguration)
	}
	if cfg.FlushInterval < 0 {
		return nil, fmt.Errorf("%w: flush interval must not be negative", ErrInvalidConfiguration)
	}

	o := newOptions("batch", opts)

	decode := decodeJSON[T]
	if o.decoder != nil {
		d, ok := o.decoder.(func([]byte) (T, error))
		if !ok {
			return nil, fmt.Errorf("%w: decoder does not produce %T", ErrInvalidConfiguration, *new(T))
		}
		decode = d
	}

	return &BatchConsumer[T]{
		base:          newBase(cfg.URL, cfg.Queue, o),
		handler:       handler,
		decode:        decode,
		maxBatchSize:  cfg.MaxBatchSize,
		flushInterval: cfg.FlushInterval,
		batch:         make([]batchItem[T], 0, cfg.MaxBatchSize),
	}, nil
}

func decodeJSON[T any](body []byte) (T, error) {
	var v T
	err := json.Unmarshal(body, &v)
	return v, err
}

// Start declares the queue, sets prefetch to the batch size and starts
// consuming. Calling Start on a running consumer does nothing.
func (c *BatchConsumer[T]) Start(ctx context.Context) error {
	return c.start(ctx, c.maxBatchSize, c.run)
}

// Shutdown stops consuming, waits for an in-progress flush, flushes what is
// left and closes the channel and the connection.
func (c *BatchConsumer[T]) Shutdown(ctx context.Context) error {
	return c.stop(ctx, func(ctx context.Context) {
		if len(c.batch) > 0 {
			c.flush(ctx)
		}
	})
}

// CheckHealth dials a separate connection to prove the broker is reachable
func (c *BatchConsumer[T]) CheckHealth(ctx context.Context) error {
	return c.checkHealth(ctx)
}

func (c *BatchConsumer[T]) run(ctx context.Context, _ *rabbitmq.ConfirmChannel, deliveries <-chan amqp.Delivery) {
	// items left by a loop that outlived a timed-out shutdown belong to a
	// closed channel and were requeued by the broker
	c.batch = make([]batchItem[T], 0, c.maxBatchSize)

	// the flush timer runs only while a partial batch is pending
	var expired <-chan time.Time
	timer := time.NewTimer(c.flushInterval)
	timer.Stop()
	defer timer.Stop()

	disarm := func() {
		timer.Stop()
		expired = nil
	}

	// in-flight flushes must finish even when the loop is being cancelled
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
			pending := len(c.batch)
			c.accept(d)
			switch {
			case len(c.batch) >= c.maxBatchSize:
				disarm()
				c.flush(handlerCtx)
			case pending == 0 && len(c.batch) == 1 && c.flushInterval > 0:
				timer.Reset(c.flushInterval)
				expired = timer.C
			}

		case <-expired:
			expired = nil
			if len(c.batch) > 0 {
				c.flush(handlerCtx)
			}
		}
	}
}

// accept settles empty and undecodable messages at once and queues the rest
func (c *BatchConsumer[T]) accept(d amqp.Delivery) {
	if len(d.Body) == 0 {
		c.ack(d)
		return
	}

	payload, err := c.decode(d.Body)
	if err != nil {
		c.logger.Warn("rejecting malformed message",
			"error", err,
			"deliveryTag", d.DeliveryTag,
			"messageId", d.MessageId,
		)
		c.reject(d)
		return
	}

	c.batch = append(c.batch, batchItem[T]{payload: payload, delivery: d})
}

// flush swaps the current batch for an empty one and settles the old one
func (c *BatchConsumer[T]) flush(ctx context.Context) {
	items := c.batch
	c.batch = make([]batchItem[T], 0, c.maxBatchSize)
	c.process(ctx, items)
}

func (c *BatchConsumer[T]) process(ctx context.Context, items []batchItem[T]) {
	payloads := make([]T, len(items))
	for i, item := range items {
		payloads[i] = item.payload
	}

	results, err := c.invoke(ctx, payloads)
	if err == nil && len(results) != len(items) {
		err = fmt.Errorf("%w: got %d results for %d items", ErrHandlerResultMismatch, len(results), len(items))
	}

	if err != nil {
		c.logger.Error("batch handler failed, rejecting whole batch",
			"error", err,
			"batchSize", len(items),
		)
		c.reportError(err)
		for _, item := range items {
			c.reject(item.delivery)
		}
		return
	}

	failed := 0
	for i, item := range items {
		if results[i].Success {
			c.ack(item.delivery)
			continue
		}
		failed++
		c.reject(item.delivery)
	}

	c.logger.Debug("batch processed",
		"batchSize", len(items),
		"failed", failed,
	)
}

// invoke calls the handler, turning a panic into an error
func (c *BatchConsumer[T]) invoke(ctx context.Context, payloads []T) (results []Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			results = nil
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return c.handler(ctx, payloads)
}
