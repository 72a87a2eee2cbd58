package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const confirmBuffer = 8

// ConfirmChannel is a channel in publisher confirm mode. Publishes through it
// are serialized and each one waits for the broker's verdict.
type ConfirmChannel struct {
	Channel

	mu       sync.Mutex
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
	sent     uint64
}

// EnableConfirms puts ch into confirm mode and subscribes to its confirms and
// returns. It must be called once per channel, before the first publish.
func EnableConfirms(ch Channel) (*ConfirmChannel, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, &ConnectionError{
			Op:        "enable confirms",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	return &ConfirmChannel{
		Channel:  ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer)),
		returns:  ch.NotifyReturn(make(chan amqp.Return, confirmBuffer)),
	}, nil
}

// publishConfirmed publishes with the mandatory flag and blocks until the
// broker acks the message. A nack, a return or a missing confirm is an error.
func (c *ConfirmChannel) publishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing, wait time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.Channel.PublishWithContext(ctx, exchange, key, true, false, msg); err != nil {
		return err
	}
	c.sent++
	tag := c.sent

	var expired <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		select {
		case confirm, ok := <-c.confirms:
			if !ok {
				return ErrChannelClosed
			}
			if confirm.DeliveryTag < tag {
				// late confirm of an earlier publish that gave up waiting
				continue
			}
			// the broker sends a return before the confirm of the same message
			returned, err := c.drainReturns(key, msg.MessageId)
			if err != nil {
				return err
			}
			if !confirm.Ack {
				return ErrPublishNacked
			}
			if returned != nil {
				return fmt.Errorf("%w: %d %s", ErrUnroutable, returned.ReplyCode, returned.ReplyText)
			}
			return nil

		case <-expired:
			return ErrConfirmTimeout

		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrConfirmTimeout, ctx.Err())
		}
	}
}

// drainReturns empties the returns buffer and picks out the return of the
// message just published. Returns of abandoned publishes are dropped.
func (c *ConfirmChannel) drainReturns(key, messageID string) (*amqp.Return, error) {
	var mine *amqp.Return
	for {
		select {
		case ret, ok := <-c.returns:
			if !ok {
				return nil, ErrChannelClosed
			}
			if ret.RoutingKey == key && ret.MessageId == messageID {
				mine = &ret
			}
		default:
			return mine, nil
		}
	}
}
