package rabbitmq

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueWriter publishes through a session it opens on first use. A failed
// publish closes the session so the next call dials again.
type QueueWriter struct {
	session   *Session
	publisher *Publisher

	mu sync.Mutex
	ch *ConfirmChannel
}

func NewQueueWriter(session *Session, publisher *Publisher) *QueueWriter {
	return &QueueWriter{session: session, publisher: publisher}
}

func (w *QueueWriter) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch, opened, err := w.session.Open(ctx)
	if err != nil {
		return err
	}
	if opened || w.ch == nil {
		if w.ch, err = EnableConfirms(ch); err != nil {
			w.reset()
			return err
		}
	}

	if err := w.publisher.PublishToQueue(ctx, w.ch, queue, msg); err != nil {
		w.reset()
		return err
	}
	return nil
}

func (w *QueueWriter) reset() {
	w.ch = nil
	if err := w.session.Close(); err != nil {
		w.session.logger.Warn("failed to close session after publish error", "error", err)
	}
}

// CheckHealth proves the broker is reachable on a separate connection
func (w *QueueWriter) CheckHealth(ctx context.Context) error {
	return w.session.CheckHealth(ctx)
}

func (w *QueueWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ch = nil
	return w.session.Close()
}
