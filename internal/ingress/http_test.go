package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-notify/consumer"
	"github.com/glimte/mmate-notify/health"
	"github.com/glimte/mmate-notify/internal/metrics"
	"github.com/glimte/mmate-notify/internal/rabbitmq"
	"github.com/glimte/mmate-notify/notification"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	return m.Called(ctx, queue, msg).Error(0)
}

func newTestRouter(pub Publisher, registry *health.Registry) http.Handler {
	return NewRouter(Config{
		Queue:     "notifications",
		Publisher: pub,
		Health:    registry,
		Metrics:   metrics.New(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func post(h http.Handler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/notifications", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	return rec
}

const validBody = `{"id":"n-1","body":"hello","contacts":[{"kind":"email","email":"a@example.com"}]}`

func TestEnqueue(t *testing.T) {
	t.Run("publishes a persistent-ready message", func(t *testing.T) {
		pub := &mockPublisher{}
		var got amqp.Publishing
		pub.On("Publish", mock.Anything, "notifications", mock.Anything).
			Run(func(args mock.Arguments) { got = args.Get(2).(amqp.Publishing) }).
			Return(nil)

		rec := post(newTestRouter(pub, nil), validBody)

		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.JSONEq(t, `{"id":"n-1"}`, rec.Body.String())

		assert.Equal(t, "n-1", got.MessageId)
		assert.Equal(t, "application/json", got.ContentType)
		assert.Equal(t, int64(0), got.Headers[consumer.HeaderRetryCount])
		assert.NotEmpty(t, got.CorrelationId)

		var n notification.Notification
		require.NoError(t, json.Unmarshal(got.Body, &n))
		assert.Equal(t, "hello", n.Body)
	})

	t.Run("assigns an id when missing", func(t *testing.T) {
		pub := &mockPublisher{}
		pub.On("Publish", mock.Anything, "notifications", mock.Anything).Return(nil)

		rec := post(newTestRouter(pub, nil), `{"body":"hello","contacts":[{"kind":"bitrix","bitrixUserId":3}]}`)
		require.Equal(t, http.StatusAccepted, rec.Code)

		var resp enqueueResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		_, err := uuid.Parse(resp.ID)
		assert.NoError(t, err)
	})

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed json", `{"id":`, http.StatusBadRequest},
		{"no contacts", `{"id":"x","body":"hello"}`, http.StatusUnprocessableEntity},
		{"unknown strategy", `{"id":"x","body":"b","strategy":"all","contacts":[{"kind":"email","email":"a@b"}]}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &mockPublisher{}
			rec := post(newTestRouter(pub, nil), tt.body)

			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
			pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
		})
	}

	t.Run("unreachable broker is 503", func(t *testing.T) {
		pub := &mockPublisher{}
		pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).
			Return(&rabbitmq.BrokerUnavailableError{Err: errors.New("refused"), Timestamp: time.Now()})

		rec := post(newTestRouter(pub, nil), validBody)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "RabbitMQ недоступен")
	})

	t.Run("other publish errors are 500", func(t *testing.T) {
		pub := &mockPublisher{}
		pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("channel closed"))

		rec := post(newTestRouter(pub, nil), validBody)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestOperationalEndpoints(t *testing.T) {
	registry := health.NewRegistry()
	registry.Register(health.NewBrokerChecker("batch", health.CheckFunc(func(ctx context.Context) error {
		return errors.New("RabbitMQ недоступен")
	})))
	h := newTestRouter(&mockPublisher{}, registry)

	tests := []struct {
		path     string
		code     int
		contains string
	}{
		{"/healthz", http.StatusOK, "alive"},
		{"/readyz", http.StatusServiceUnavailable, "RabbitMQ недоступен"},
		{"/metrics", http.StatusOK, "# HELP"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.contains)
		})
	}
}

func TestNewServer(t *testing.T) {
	srv := NewServer(Config{Addr: ":0", ReadTimeout: time.Second, WriteTimeout: 2 * time.Second, Publisher: &mockPublisher{}})
	assert.Equal(t, ":0", srv.Addr)
	assert.Equal(t, time.Second, srv.ReadTimeout)
	assert.NotNil(t, srv.Handler)
}
