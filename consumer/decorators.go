package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-notify/internal/metrics"
)

// loggingConsumer logs every lifecycle call of the wrapped consumer
type loggingConsumer struct {
	next   Consumer
	name   string
	logger *slog.Logger
}

// WithLogging wraps c so that Start, Shutdown and CheckHealth are logged
func WithLogging(c Consumer, name string, logger *slog.Logger) Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingConsumer{next: c, name: name, logger: logger.With("consumer", name)}
}

func (l *loggingConsumer) Start(ctx context.Context) error {
	return l.log(ctx, "start", l.next.Start)
}

func (l *loggingConsumer) Shutdown(ctx context.Context) error {
	return l.log(ctx, "shutdown", l.next.Shutdown)
}

func (l *loggingConsumer) CheckHealth(ctx context.Context) error {
	return l.log(ctx, "checkHealth", l.next.CheckHealth)
}

func (l *loggingConsumer) log(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	if err != nil {
		l.logger.ErrorContext(ctx, "consumer operation failed",
			"op", op,
			"error", err,
			"duration", time.Since(start),
		)
		return err
	}
	l.logger.DebugContext(ctx, "consumer operation completed",
		"op", op,
		"duration", time.Since(start),
	)
	return nil
}

// metricsConsumer records counts and durations of lifecycle calls
type metricsConsumer struct {
	next    Consumer
	name    string
	metrics *metrics.Metrics
}

// WithMetrics wraps c so that its lifecycle calls are measured
func WithMetrics(c Consumer, name string, m *metrics.Metrics) Consumer {
	return &metricsConsumer{next: c, name: name, metrics: m}
}

func (m *metricsConsumer) Start(ctx context.Context) error {
	return m.observe(ctx, "start", m.next.Start)
}

func (m *metricsConsumer) Shutdown(ctx context.Context) error {
	return m.observe(ctx, "shutdown", m.next.Shutdown)
}

func (m *metricsConsumer) CheckHealth(ctx context.Context) error {
	return m.observe(ctx, "check_health", m.next.CheckHealth)
}

func (m *metricsConsumer) observe(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	m.metrics.ObserveOperation(m.name, op, time.Since(start), err)
	return err
}

// InstrumentHandler wraps a batch handler to record batch sizes and outcomes.
// Results and errors pass through unchanged.
func InstrumentHandler[T any](h BatchHandler[T], queue string, m *metrics.Metrics) BatchHandler[T] {
	return func(ctx context.Context, items []T) ([]Result, error) {
		results, err := h(ctx, items)
		succeeded := 0
		if err == nil && len(results) == len(items) {
			for _, r := range results {
				if r.Success {
					succeeded++
				}
			}
		}
		m.ObserveBatch(queue, len(items), succeeded)
		return results, err
	}
}

// CountErrors wraps an error callback so that each call is counted. next may be nil.
func CountErrors(next func(error), queue string, m *metrics.Metrics) func(error) {
	return func(err error) {
		m.IncErrors(queue)
		if next != nil {
			next(err)
		}
	}
}
