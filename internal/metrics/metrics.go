package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the worker's Prometheus collectors
type Metrics struct {
	gatherer prometheus.Gatherer

	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	BatchSize         *prometheus.HistogramVec
	BatchItems        *prometheus.CounterVec
	ConsumerErrors    *prometheus.CounterVec
}

// New registers the collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegisterer(reg, reg)
}

// NewWithRegisterer registers the collectors on reg and serves them from g
func NewWithRegisterer(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: g,

		Operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notify_consumer_operations_total",
				Help: "Consumer lifecycle operations by result",
			},
			[]string{"consumer", "op", "result"},
		),

		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notify_consumer_operation_duration_seconds",
				Help:    "Duration of consumer lifecycle operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"consumer", "op"},
		),

		BatchSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notify_batch_size",
				Help:    "Number of messages handed to the batch handler",
				Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200},
			},
			[]string{"queue"},
		),

		BatchItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notify_batch_items_total",
				Help: "Batch items by handler outcome",
			},
			[]string{"queue", "success"},
		),

		ConsumerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notify_consumer_errors_total",
				Help: "Errors reported by consumers",
			},
			[]string{"queue"},
		),
	}
}

// ObserveOperation records one Start/Shutdown/CheckHealth call
func (m *Metrics) ObserveOperation(consumer, op string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Operations.WithLabelValues(consumer, op, result).Inc()
	m.OperationDuration.WithLabelValues(consumer, op).Observe(elapsed.Seconds())
}

// ObserveBatch records a batch and how many of its items succeeded
func (m *Metrics) ObserveBatch(queue string, size, succeeded int) {
	m.BatchSize.WithLabelValues(queue).Observe(float64(size))
	m.BatchItems.WithLabelValues(queue, strconv.FormatBool(true)).Add(float64(succeeded))
	m.BatchItems.WithLabelValues(queue, strconv.FormatBool(false)).Add(float64(size - succeeded))
}

// IncErrors counts one consumer error
func (m *Metrics) IncErrors(queue string) {
	m.ConsumerErrors.WithLabelValues(queue).Inc()
}

// Handler exposes the collectors for scraping
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
