// Package rabbitmqtest provides testify mocks for the rabbitmq broker boundary.
package rabbitmqtest

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"

	"github.com/glimte/mmate-notify/internal/rabbitmq"
)

// MockDialer mocks rabbitmq.Dialer
type MockDialer struct {
	mock.Mock
}

func (m *MockDialer) Dial(ctx context.Context, url string) (rabbitmq.Connection, error) {
	args := m.Called(ctx, url)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(rabbitmq.Connection), args.Error(1)
}

// MockConnection mocks rabbitmq.Connection
type MockConnection struct {
	mock.Mock
}

func (m *MockConnection) Channel() (rabbitmq.Channel, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(rabbitmq.Channel), args.Error(1)
}

func (m *MockConnection) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockConnection) IsClosed() bool {
	args := m.Called()
	return args.Bool(0)
}

// MockChannel mocks rabbitmq.Channel. Once NotifyPublish has been called it
// behaves like a channel in confirm mode: every successful publish is acked,
// unless its routing key was marked unroutable, nacked or unconfirmed.
type MockChannel struct {
	mock.Mock

	confirmMu   sync.Mutex
	confirms    chan amqp.Confirmation
	returns     chan amqp.Return
	published   uint64
	unroutable  map[string]bool
	nacked      map[string]bool
	unconfirmed map[string]bool
}

// MarkUnroutable makes mandatory publishes to key come back as returns
func (m *MockChannel) MarkUnroutable(key string) {
	m.confirmMu.Lock()
	defer m.confirmMu.Unlock()
	if m.unroutable == nil {
		m.unroutable = make(map[string]bool)
	}
	m.unroutable[key] = true
}

// MarkNacked makes the broker nack publishes to key
func (m *MockChannel) MarkNacked(key string) {
	m.confirmMu.Lock()
	defer m.confirmMu.Unlock()
	if m.nacked == nil {
		m.nacked = make(map[string]bool)
	}
	m.nacked[key] = true
}

// MarkUnconfirmed makes the broker never confirm publishes to key
func (m *MockChannel) MarkUnconfirmed(key string) {
	m.confirmMu.Lock()
	defer m.confirmMu.Unlock()
	if m.unconfirmed == nil {
		m.unconfirmed = make(map[string]bool)
	}
	m.unconfirmed[key] = true
}

// ExpectConfirms allows the calls that put the channel into confirm mode
func (m *MockChannel) ExpectConfirms() {
	m.On("Confirm", false).Return(nil)
	m.On("NotifyPublish", mock.Anything).Return()
	m.On("NotifyReturn", mock.Anything).Return()
}

func (m *MockChannel) Confirm(noWait bool) error {
	args := m.Called(noWait)
	return args.Error(0)
}

func (m *MockChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	m.Called(confirm)
	m.confirmMu.Lock()
	defer m.confirmMu.Unlock()
	m.confirms = confirm
	return confirm
}

func (m *MockChannel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	m.Called(c)
	m.confirmMu.Lock()
	defer m.confirmMu.Unlock()
	m.returns = c
	return c
}

// SendReturn delivers a return as the broker would, for a publish made earlier
func (m *MockChannel) SendReturn(ret amqp.Return) {
	m.confirmMu.Lock()
	defer m.confirmMu.Unlock()
	m.returns <- ret
}

// SendConfirm delivers a confirm as the broker would, for a publish made earlier
func (m *MockChannel) SendConfirm(confirm amqp.Confirmation) {
	m.confirmMu.Lock()
	defer m.confirmMu.Unlock()
	m.confirms <- confirm
}

// confirm plays the broker's side of confirm mode for one accepted publish
func (m *MockChannel) confirm(exchange, key string, mandatory bool, msg amqp.Publishing) {
	m.confirmMu.Lock()
	defer m.confirmMu.Unlock()

	if m.confirms == nil {
		return
	}
	m.published++
	if m.unconfirmed[key] {
		return
	}
	if mandatory && m.unroutable[key] && m.returns != nil {
		m.returns <- amqp.Return{
			ReplyCode:  amqp.NoRoute,
			ReplyText:  "NO_ROUTE",
			Exchange:   exchange,
			RoutingKey: key,
			MessageId:  msg.MessageId,
			Headers:    msg.Headers,
			Body:       msg.Body,
		}
	}
	m.confirms <- amqp.Confirmation{DeliveryTag: m.published, Ack: !m.nacked[key]}
}

func (m *MockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	mockArgs := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return amqp.Queue{Name: name}, mockArgs.Error(0)
}

func (m *MockChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	mockArgs := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	if q, ok := mockArgs.Get(0).(amqp.Queue); ok {
		return q, mockArgs.Error(1)
	}
	return amqp.Queue{}, mockArgs.Error(1)
}

func (m *MockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	args := m.Called(prefetchCount, prefetchSize, global)
	return args.Error(0)
}

func (m *MockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	mockArgs := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	if mockArgs.Get(0) == nil {
		return nil, mockArgs.Error(1)
	}
	return mockArgs.Get(0).(<-chan amqp.Delivery), mockArgs.Error(1)
}

func (m *MockChannel) Cancel(consumer string, noWait bool) error {
	args := m.Called(consumer, noWait)
	return args.Error(0)
}

func (m *MockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	args := m.Called(ctx, exchange, key, mandatory, immediate, msg)
	var err error
	if fn, ok := args.Get(0).(func(context.Context, string, string, bool, bool, amqp.Publishing) error); ok {
		err = fn(ctx, exchange, key, mandatory, immediate, msg)
	} else {
		err = args.Error(0)
	}
	if err == nil {
		m.confirm(exchange, key, mandatory, msg)
	}
	return err
}

func (m *MockChannel) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockAcknowledger mocks amqp.Acknowledger so tests can observe ack/nack calls
type MockAcknowledger struct {
	mock.Mock
}

func (m *MockAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *MockAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *MockAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

// Delivery builds a delivery acknowledged through ack
func Delivery(ack amqp.Acknowledger, tag uint64, body []byte, headers amqp.Table) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		Body:         body,
		Headers:      headers,
	}
}

// Deliveries returns a buffered delivery channel and its receive-only view
func Deliveries(size int) (chan amqp.Delivery, <-chan amqp.Delivery) {
	ch := make(chan amqp.Delivery, size)
	return ch, ch
}

// Broker wires a MockDialer to a single MockConnection and MockChannel
type Broker struct {
	Dialer     *MockDialer
	Connection *MockConnection
	Channel    *MockChannel
}

// NewBroker returns mocks where every Dial yields the same connection and
// channel. Close calls on both are expected and succeed, and the channel
// accepts being put into confirm mode.
func NewBroker(url string) *Broker {
	b := &Broker{
		Dialer:     &MockDialer{},
		Connection: &MockConnection{},
		Channel:    &MockChannel{},
	}
	b.Dialer.On("Dial", mock.Anything, url).Return(b.Connection, nil)
	b.Connection.On("Channel").Return(b.Channel, nil)
	b.Connection.On("Close").Return(nil)
	b.Channel.On("Close").Return(nil)
	b.Channel.ExpectConfirms()
	return b
}
