package rabbitmq

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RetryQueue is one step of a retry chain
type RetryQueue struct {
	Name string
	TTL  time.Duration
}

// RetryTopology describes the queues a retry chain needs: each retry queue
// holds messages for its TTL and then dead-letters them back to Source.
type RetryTopology struct {
	Source      string
	RetryQueues []RetryQueue
	DLQ         string
}

// DeclareDurableQueue declares a durable, shared, non-auto-deleting queue
func DeclareDurableQueue(ch Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return &ConsumerError{
			Queue:     name,
			Op:        "declare queue",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// DeclareRetryTopology declares the source queue, every retry queue and the DLQ
func DeclareRetryTopology(ch Channel, topology RetryTopology) error {
	if topology.Source == "" || topology.DLQ == "" {
		return fmt.Errorf("%w: retry topology needs a source queue and a DLQ", ErrInvalidConfiguration)
	}

	if err := DeclareDurableQueue(ch, topology.Source); err != nil {
		return err
	}

	for _, rq := range topology.RetryQueues {
		args := amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": topology.Source,
		}
		if rq.TTL > 0 {
			args["x-message-ttl"] = rq.TTL.Milliseconds()
		}

		if _, err := ch.QueueDeclare(rq.Name, true, false, false, false, args); err != nil {
			return fmt.Errorf("failed to declare retry queue %s: %w", rq.Name, err)
		}
	}

	return DeclareDurableQueue(ch, topology.DLQ)
}

// DeadLetterPolicy returns the rabbitmqctl command that makes source
// dead-letter rejected messages to target through the default exchange.
// Arguments of an existing queue cannot change, so the link is a policy.
func DeadLetterPolicy(name, source, target string) string {
	definition, _ := json.Marshal(map[string]string{
		"dead-letter-exchange":    "",
		"dead-letter-routing-key": target,
	})
	pattern := "^" + regexp.QuoteMeta(source) + "$"
	return fmt.Sprintf("rabbitmqctl set_policy %s '%s' '%s' --apply-to queues", name, pattern, definition)
}

// QueueInfo is a snapshot of a queue's depth
type QueueInfo struct {
	Name      string
	Messages  int
	Consumers int
}

// InspectQueues reads the depth of each named queue with a passive declare.
// A missing queue makes the broker close the channel, so the first error ends
// the scan.
func InspectQueues(ch Channel, names []string) ([]QueueInfo, error) {
	infos := make([]QueueInfo, 0, len(names))
	for _, name := range names {
		q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return infos, &ConsumerError{
				Queue:     name,
				Op:        "inspect queue",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		infos = append(infos, QueueInfo{Name: name, Messages: q.Messages, Consumers: q.Consumers})
	}
	return infos, nil
}
