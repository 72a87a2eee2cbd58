package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-notify/consumer"
	"github.com/glimte/mmate-notify/health"
	"github.com/glimte/mmate-notify/internal/metrics"
	"github.com/glimte/mmate-notify/internal/rabbitmq"
	"github.com/glimte/mmate-notify/notification"
)

// Publisher puts a message on a queue
type Publisher interface {
	Publish(ctx context.Context, queue string, msg amqp.Publishing) error
}

// Config wires the HTTP surface of the worker
type Config struct {
	Addr         string
	Queue        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Publisher    Publisher
	Health       *health.Registry
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

type server struct {
	queue     string
	publisher Publisher
	logger    *slog.Logger
}

// NewServer builds the http.Server; the caller runs ListenAndServe
func NewServer(cfg Config) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      NewRouter(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

func NewRouter(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &server{queue: cfg.Queue, publisher: cfg.Publisher, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", health.LivenessHandler())
	if cfg.Health != nil {
		r.Method(http.MethodGet, "/readyz", health.NewHandler(cfg.Health, 5*time.Second))
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/notifications", srv.handleEnqueue)
	})

	return r
}

type enqueueResponse struct {
	ID string `json:"id"`
}

func (s *server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var n notification.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if err := n.Validate(); err != nil {
		httpError(w, http.StatusUnprocessableEntity, "%v", err)
		return
	}

	body, err := json.Marshal(n)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "encode: %v", err)
		return
	}

	err = s.publisher.Publish(r.Context(), s.queue, amqp.Publishing{
		ContentType:   "application/json",
		MessageId:     n.ID,
		CorrelationId: middleware.GetReqID(r.Context()),
		Headers:       amqp.Table{consumer.HeaderRetryCount: int64(0)},
		Body:          body,
	})
	if err != nil {
		s.logger.ErrorContext(r.Context(), "failed to enqueue notification", "notificationId", n.ID, "error", err)
		if rabbitmq.IsBrokerUnavailable(err) {
			httpError(w, http.StatusServiceUnavailable, "%v", err)
			return
		}
		httpError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	writeJSON(w, http.StatusAccepted, enqueueResponse{ID: n.ID})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.DebugContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"requestId", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}

var _ Publisher = (*rabbitmq.QueueWriter)(nil)
