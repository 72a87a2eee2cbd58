// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/glimte/mmate-notify/consumer"
	"github.com/glimte/mmate-notify/health"
	"github.com/glimte/mmate-notify/internal/config"
	"github.com/glimte/mmate-notify/internal/idempotency"
	"github.com/glimte/mmate-notify/internal/metrics"
	"github.com/glimte/mmate-notify/internal/rabbitmq"
	"github.com/glimte/mmate-notify/notification"
)

// Worker runs the notification batch consumer and the retry router together
type Worker struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	dialer  rabbitmq.Dialer

	batch  consumer.Consumer
	retry  consumer.Consumer
	writer *rabbitmq.QueueWriter
	health *health.Registry
	redis  *redis.Client
}

// WorkerOption configures a Worker
type WorkerOption func(*workerConfig)

type workerConfig struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	dialer  rabbitmq.Dialer
	senders []notification.Sender
	dedup   notification.Deduplicator
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) WorkerOption {
	return func(c *workerConfig) {
		c.logger = logger
	}
}

// WithMetrics records consumer metrics on m instead of a private registry
func WithMetrics(m *metrics.Metrics) WorkerOption {
	return func(c *workerConfig) {
		c.metrics = m
	}
}

// WithDialer replaces the amqp091 dialer of every broker session
func WithDialer(d rabbitmq.Dialer) WorkerOption {
	return func(c *workerConfig) {
		c.dialer = d
	}
}

// WithSenders replaces the senders built from the smtp and bitrix settings
func WithSenders(senders ...notification.Sender) WorkerOption {
	return func(c *workerConfig) {
		c.senders = senders
	}
}

// WithDeduplicator replaces the Redis store built from the redis settings
func WithDeduplicator(d notification.Deduplicator) WorkerOption {
	return func(c *workerConfig) {
		c.dedup = d
	}
}

// NewWorker builds both consumers from cfg. Nothing is dialed until Start.
func NewWorker(cfg config.Config, options ...WorkerOption) (*Worker, error) {
	wc := &workerConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(wc)
	}
	if wc.metrics == nil {
		wc.metrics = metrics.New()
	}
	if wc.dialer == nil {
		wc.dialer = rabbitmq.NewAMQPDialer()
	}

	w := &Worker{
		cfg:     cfg,
		logger:  wc.logger,
		metrics: wc.metrics,
		dialer:  wc.dialer,
		health:  health.NewRegistry(),
	}

	senders := wc.senders
	if senders == nil {
		senders = buildSenders(cfg)
	}
	if len(senders) == 0 {
		return nil, fmt.Errorf("%w: no notification sender configured", rabbitmq.ErrInvalidConfiguration)
	}

	dedup := wc.dedup
	if dedup == nil && cfg.Redis.Addr != "" {
		w.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store := idempotency.NewRedisStore(w.redis, cfg.Redis.TTL)
		dedup = store
		w.health.Register(health.NewDegradedChecker("redis", store))
	}

	dispatchOpts := []notification.DispatcherOption{
		notification.WithLogger(w.logger.With("component", "dispatcher")),
		notification.WithConcurrency(cfg.Dispatch.Concurrency),
	}
	if dedup != nil {
		dispatchOpts = append(dispatchOpts, notification.WithDeduplicator(dedup))
	}
	dispatcher := notification.NewDispatcher(senders, dispatchOpts...)

	batch, err := consumer.NewBatchConsumer(
		consumer.InstrumentHandler(dispatcher.HandleBatch, cfg.RabbitMQ.Queue, w.metrics),
		consumer.BatchConfig{
			URL:           cfg.RabbitMQ.URL,
			Queue:         cfg.RabbitMQ.Queue,
			MaxBatchSize:  cfg.RabbitMQ.MaxBatchSize,
			FlushInterval: cfg.RabbitMQ.FlushInterval,
		},
		consumer.WithDialer(w.dialer),
		consumer.WithLogger(w.logger),
		consumer.WithOnError(w.onError(cfg.RabbitMQ.Queue)),
	)
	if err != nil {
		return nil, fmt.Errorf("batch consumer: %w", err)
	}

	retry, err := consumer.NewRetryConsumer(
		consumer.RetryConfig{
			URL:     cfg.RabbitMQ.URL,
			Queue:   cfg.RabbitMQ.RetryQueue,
			Policy:  w.RetryPolicy(),
			OnError: w.onError(cfg.RabbitMQ.RetryQueue),
		},
		consumer.WithDialer(w.dialer),
		consumer.WithLogger(w.logger),
		consumer.WithPrefetch(cfg.RabbitMQ.Prefetch),
	)
	if err != nil {
		return nil, fmt.Errorf("retry consumer: %w", err)
	}

	w.batch = consumer.WithLogging(consumer.WithMetrics(batch, "batch", w.metrics), "batch", w.logger)
	w.retry = consumer.WithLogging(consumer.WithMetrics(retry, "retry", w.metrics), "retry", w.logger)
	w.writer = rabbitmq.NewQueueWriter(
		rabbitmq.NewSession(cfg.RabbitMQ.URL, rabbitmq.WithDialer(w.dialer), rabbitmq.WithLogger(w.logger)),
		rabbitmq.NewPublisher(),
	)

	w.health.Register(health.NewBrokerChecker("batch", w.batch))
	w.health.Register(health.NewBrokerChecker("retry", w.retry))

	return w, nil
}

func buildSenders(cfg config.Config) []notification.Sender {
	var senders []notification.Sender
	if cfg.Bitrix.WebhookURL != "" {
		senders = append(senders, notification.NewBitrixSender(cfg.Bitrix.WebhookURL))
	}
	if cfg.SMTP.Host != "" {
		senders = append(senders, notification.NewEmailSender(notification.EmailConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}))
	}
	return senders
}

func (w *Worker) onError(queue string) func(error) {
	logger := w.logger.With("queue", queue)
	return consumer.CountErrors(func(err error) {
		logger.Error("consumer error", "error", err)
	}, queue, w.metrics)
}

const deadLetterPolicyName = "notify-dead-letter"

// RetryPolicy is the chain the retry router follows
func (w *Worker) RetryPolicy() consumer.RetryPolicy {
	return consumer.RetryPolicy{
		RetryQueues: w.cfg.RetryQueues(),
		DLQ:         w.cfg.DLQ(),
	}
}

// RetryTopology is the set of queues DeclareTopology creates
func (w *Worker) RetryTopology() rabbitmq.RetryTopology {
	names := w.cfg.RetryQueues()
	queues := make([]rabbitmq.RetryQueue, len(names))
	for i, name := range names {
		queues[i] = rabbitmq.RetryQueue{Name: name}
		if i < len(w.cfg.RabbitMQ.RetryTTLs) {
			queues[i].TTL = w.cfg.RabbitMQ.RetryTTLs[i]
		}
	}
	return rabbitmq.RetryTopology{
		Source:      w.cfg.RabbitMQ.Queue,
		RetryQueues: queues,
		DLQ:         w.cfg.DLQ(),
	}
}

// DeclareTopology declares the router queue and the retry chain on a short
// lived session
func (w *Worker) DeclareTopology(ctx context.Context) error {
	session := rabbitmq.NewSession(w.cfg.RabbitMQ.URL, rabbitmq.WithDialer(w.dialer), rabbitmq.WithLogger(w.logger))
	ch, _, err := session.Open(ctx)
	if err != nil {
		return err
	}

	err = rabbitmq.DeclareRetryTopology(ch, w.RetryTopology())
	if err == nil {
		err = rabbitmq.DeclareDurableQueue(ch, w.cfg.RabbitMQ.RetryQueue)
	}
	return errors.Join(err, session.Close())
}

// DeadLetterPolicy is the broker policy that sends batch items rejected on the
// main queue to the retry router. DeclareTopology does not create it.
func (w *Worker) DeadLetterPolicy() string {
	return rabbitmq.DeadLetterPolicy(deadLetterPolicyName, w.cfg.RabbitMQ.Queue, w.cfg.RabbitMQ.RetryQueue)
}

// InspectQueues reports the depth of every queue the worker uses
func (w *Worker) InspectQueues(ctx context.Context) ([]rabbitmq.QueueInfo, error) {
	session := rabbitmq.NewSession(w.cfg.RabbitMQ.URL, rabbitmq.WithDialer(w.dialer), rabbitmq.WithLogger(w.logger))
	ch, _, err := session.Open(ctx)
	if err != nil {
		return nil, err
	}

	names := []string{w.cfg.RabbitMQ.Queue, w.cfg.RabbitMQ.RetryQueue}
	names = append(names, w.cfg.RetryQueues()...)
	names = append(names, w.cfg.DLQ())

	infos, err := rabbitmq.InspectQueues(ch, names)
	return infos, errors.Join(err, session.Close())
}

// Start starts the retry router and then the batch consumer. If the batch
// consumer cannot start the router is stopped again.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.retry.Start(ctx); err != nil {
		return err
	}
	if err := w.batch.Start(ctx); err != nil {
		return errors.Join(err, w.retry.Shutdown(ctx))
	}
	return nil
}

// Shutdown stops the batch consumer first so its last rejections still reach
// a running router, then the router, then the remaining connections.
func (w *Worker) Shutdown(ctx context.Context) error {
	errs := []error{
		w.batch.Shutdown(ctx),
		w.retry.Shutdown(ctx),
		w.writer.Close(),
	}
	if w.redis != nil {
		errs = append(errs, w.redis.Close())
	}
	return errors.Join(errs...)
}

// CheckHealth reports the first consumer that cannot reach the broker
func (w *Worker) CheckHealth(ctx context.Context) error {
	if err := w.batch.CheckHealth(ctx); err != nil {
		return err
	}
	return w.retry.CheckHealth(ctx)
}

// Health is the registry served on /readyz
func (w *Worker) Health() *health.Registry {
	return w.health
}

func (w *Worker) Metrics() *metrics.Metrics {
	return w.metrics
}

// Writer publishes to the batch queue for the HTTP ingress
func (w *Worker) Writer() *rabbitmq.QueueWriter {
	return w.writer
}
