package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by the consumers
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	Close() error
}

// Connection is a broker connection able to open channels
type Connection interface {
	Channel() (Channel, error)
	Close() error
	IsClosed() bool
}

// Dialer opens broker connections
type Dialer interface {
	Dial(ctx context.Context, url string) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context, url string) (Connection, error)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context, url string) (Connection, error) {
	return f(ctx, url)
}

// AMQPDialer dials real RabbitMQ connections with amqp091-go
type AMQPDialer struct {
	Heartbeat time.Duration
	Timeout   time.Duration
}

// NewAMQPDialer creates a dialer with library defaults
func NewAMQPDialer() *AMQPDialer {
	return &AMQPDialer{
		Heartbeat: 10 * time.Second,
		Timeout:   30 * time.Second,
	}
}

// Dial implements Dialer. The dial itself is not cancellable, so it runs in a
// goroutine and a late connection is closed if ctx expires first.
func (d *AMQPDialer) Dial(ctx context.Context, url string) (Connection, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	type dialResult struct {
		conn *amqp.Connection
		err  error
	}
	resultChan := make(chan dialResult, 1)

	go func() {
		conn, err := amqp.DialConfig(url, amqp.Config{
			Heartbeat: d.Heartbeat,
			Locale:    "en_US",
		})
		resultChan <- dialResult{conn: conn, err: err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return nil, res.err
		}
		return &amqpConnection{conn: res.conn}, nil
	case <-ctx.Done():
		go func() {
			if res := <-resultChan; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// amqpConnection adapts *amqp.Connection to Connection
type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}
