package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-notify/internal/rabbitmq"
)

var (
	// ErrInvalidConfiguration is returned by constructors for unusable settings
	ErrInvalidConfiguration = rabbitmq.ErrInvalidConfiguration
	// ErrHandlerResultMismatch means the batch handler returned the wrong number of results
	ErrHandlerResultMismatch = errors.New("consumer: handler result count does not match batch size")
	// ErrHandlerPanic wraps a panic recovered from a batch handler
	ErrHandlerPanic = errors.New("consumer: handler panicked")
)

// Consumer is the lifecycle shared by every queue consumer
type Consumer interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	CheckHealth(ctx context.Context) error
}

// options holds settings common to both consumers
type options struct {
	dialer      rabbitmq.Dialer
	logger      *slog.Logger
	onError     func(error)
	consumerTag string
	prefetch    int
	decoder     interface{}
	publisher   *rabbitmq.Publisher
}

// Option configures a consumer
type Option func(*options)

// WithDialer replaces the amqp091 dialer, mainly for tests
func WithDialer(dialer rabbitmq.Dialer) Option {
	return func(o *options) {
		o.dialer = dialer
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithOnError registers a callback invoked synchronously with every failure
// the consumer handles itself. It is for observation only.
func WithOnError(fn func(error)) Option {
	return func(o *options) {
		o.onError = fn
	}
}

// WithConsumerTag sets the consumer tag; a unique one is generated otherwise
func WithConsumerTag(tag string) Option {
	return func(o *options) {
		o.consumerTag = tag
	}
}

// WithPrefetch sets the channel prefetch count of the retry consumer. The
// batch consumer always uses its batch size.
func WithPrefetch(count int) Option {
	return func(o *options) {
		o.prefetch = count
	}
}

// WithPublisher replaces the publisher used for re-publishing
func WithPublisher(publisher *rabbitmq.Publisher) Option {
	return func(o *options) {
		o.publisher = publisher
	}
}

// WithDecoder sets how the batch consumer turns a message body into T
func WithDecoder[T any](decode func([]byte) (T, error)) Option {
	return func(o *options) {
		o.decoder = decode
	}
}

func newOptions(kind string, opts []Option) *options {
	o := &options{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.dialer == nil {
		o.dialer = rabbitmq.NewAMQPDialer()
	}
	if o.consumerTag == "" {
		o.consumerTag = fmt.Sprintf("%s-%s", kind, uuid.NewString())
	}
	if o.publisher == nil {
		o.publisher = rabbitmq.NewPublisher()
	}
	return o
}

// runFunc processes deliveries until ctx is cancelled or deliveries closes.
// out is nil unless the consumer publishes.
type runFunc func(ctx context.Context, out *rabbitmq.ConfirmChannel, deliveries <-chan amqp.Delivery)

// base owns the session and the delivery loop goroutine of one consumer
type base struct {
	queue       string
	consumerTag string
	session     *rabbitmq.Session
	logger      *slog.Logger
	onError     func(error)
	confirms    bool

	mu     sync.Mutex
	ch     rabbitmq.Channel
	cancel context.CancelFunc
	done   chan struct{}
	// lagging is the loop abandoned by a shutdown that timed out
	lagging chan struct{}
}

func newBase(url, queue string, o *options) base {
	logger := o.logger.With("queue", queue, "consumerTag", o.consumerTag)
	return base{
		queue:       queue,
		consumerTag: o.consumerTag,
		session: rabbitmq.NewSession(url,
			rabbitmq.WithDialer(o.dialer),
			rabbitmq.WithLogger(logger),
		),
		logger:  logger,
		onError: o.onError,
	}
}

// start opens the session, declares the queue and launches run. A consumer
// that is already running is left alone.
func (b *base) start(ctx context.Context, prefetch int, run runFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done != nil {
		return nil
	}

	if b.lagging != nil {
		select {
		case <-b.lagging:
			b.lagging = nil
		case <-ctx.Done():
			return b.consumerError("start", fmt.Errorf("previous delivery loop still running: %w", ctx.Err()))
		}
	}

	ch, _, err := b.session.Open(ctx)
	if err != nil {
		return err
	}

	var out *rabbitmq.ConfirmChannel
	if b.confirms {
		out, err = rabbitmq.EnableConfirms(ch)
	}
	var deliveries <-chan amqp.Delivery
	if err == nil {
		deliveries, err = b.subscribe(ch, prefetch)
	}
	if err != nil {
		if closeErr := b.session.Close(); closeErr != nil {
			b.logger.Warn("failed to close session after subscribe error", "error", closeErr)
		}
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	b.ch = ch
	b.cancel = cancel
	b.done = done

	go func() {
		defer close(done)
		run(loopCtx, out, deliveries)
	}()

	b.logger.Info("consumer started", "prefetchCount", prefetch)
	return nil
}

func (b *base) subscribe(ch rabbitmq.Channel, prefetch int) (<-chan amqp.Delivery, error) {
	if err := rabbitmq.DeclareDurableQueue(ch, b.queue); err != nil {
		return nil, err
	}

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return nil, b.consumerError("set qos", err)
		}
	}

	deliveries, err := ch.Consume(
		b.queue,
		b.consumerTag,
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, b.consumerError("consume", err)
	}
	return deliveries, nil
}

// stop halts the delivery loop, waits for in-flight work, runs drain and
// closes the channel and the connection. Stopping twice is a no-op.
func (b *base) stop(ctx context.Context, drain func(ctx context.Context)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done == nil {
		return nil
	}

	b.cancel()
	if err := b.ch.Cancel(b.consumerTag, false); err != nil {
		b.logger.Warn("failed to cancel consumer", "error", err)
	}

	var waitErr error
	select {
	case <-b.done:
		if drain != nil {
			drain(ctx)
		}
	case <-ctx.Done():
		// unsettled deliveries go back to the queue when the channel closes
		waitErr = b.consumerError("shutdown", ctx.Err())
		b.lagging = b.done
	}

	b.ch = nil
	b.cancel = nil
	b.done = nil

	if err := errors.Join(waitErr, b.session.Close()); err != nil {
		return err
	}

	b.logger.Info("consumer stopped")
	return nil
}

func (b *base) checkHealth(ctx context.Context) error {
	return b.session.CheckHealth(ctx)
}

// deliveriesClosed is called when the broker closes the delivery channel. It
// is only a failure when the consumer did not ask for it.
func (b *base) deliveriesClosed(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	b.logger.Error("delivery channel closed by broker")
	b.reportError(b.consumerError("consume", rabbitmq.ErrDeliveriesClosed))
}

func (b *base) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		b.logger.Error("failed to ack message", "error", err, "deliveryTag", d.DeliveryTag)
		b.reportError(b.consumerError("ack", err))
	}
}

// reject nacks without requeue so the broker never redelivers the message as-is
func (b *base) reject(d amqp.Delivery) {
	if err := d.Nack(false, false); err != nil {
		b.logger.Error("failed to nack message", "error", err, "deliveryTag", d.DeliveryTag)
		b.reportError(b.consumerError("nack", err))
	}
}

func (b *base) reportError(err error) {
	if b.onError != nil {
		b.onError(err)
	}
}

func (b *base) consumerError(op string, err error) error {
	return &rabbitmq.ConsumerError{
		Queue:       b.queue,
		ConsumerTag: b.consumerTag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}
