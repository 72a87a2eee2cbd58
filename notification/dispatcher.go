package notification

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-notify/consumer"
)

// Deduplicator remembers which notifications were already delivered, so a
// redelivered message is not sent twice
type Deduplicator interface {
	Seen(ctx context.Context, id string) (bool, error)
	MarkDelivered(ctx context.Context, id string) error
}

// Dispatcher is the batch handler of the notifications queue
type Dispatcher struct {
	senders     []Sender
	dedup       Deduplicator
	logger      *slog.Logger
	concurrency int
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

func WithDeduplicator(d Deduplicator) DispatcherOption {
	return func(disp *Dispatcher) {
		disp.dedup = d
	}
}

func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(disp *Dispatcher) {
		disp.logger = logger
	}
}

// WithConcurrency bounds how many notifications of a batch are sent at once
func WithConcurrency(n int) DispatcherOption {
	return func(disp *Dispatcher) {
		if n > 0 {
			disp.concurrency = n
		}
	}
}

func NewDispatcher(senders []Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		senders:     senders,
		logger:      slog.Default(),
		concurrency: 8,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleBatch delivers every notification and reports success per item, in
// input order. It never fails the batch as a whole.
func (d *Dispatcher) HandleBatch(ctx context.Context, items []Notification) ([]consumer.Result, error) {
	results := make([]consumer.Result, len(items))
	sem := make(chan struct{}, d.concurrency)

	var wg sync.WaitGroup
	for i := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = consumer.Result{Success: d.dispatch(ctx, items[i])}
		}(i)
	}
	wg.Wait()

	return results, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, n Notification) bool {
	logger := d.logger.With("notificationId", n.ID, "strategy", n.EffectiveStrategy())

	if err := n.Validate(); err != nil {
		logger.Warn("dropping invalid notification", "error", err)
		return false
	}

	if d.dedup != nil {
		seen, err := d.dedup.Seen(ctx, n.ID)
		if err != nil {
			logger.Warn("dedup lookup failed, sending anyway", "error", err)
		} else if seen {
			logger.Debug("notification already delivered")
			return true
		}
	}

	if err := Deliver(ctx, d.senders, n); err != nil {
		logger.Error("notification delivery failed", "error", err)
		return false
	}

	if d.dedup != nil {
		if err := d.dedup.MarkDelivered(ctx, n.ID); err != nil {
			logger.Warn("failed to record delivery", "error", err)
		}
	}

	logger.Info("notification delivered", "contacts", len(n.Contacts))
	return true
}
