package rabbitmq

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewSession(t *testing.T) {
	t.Run("NewSession creates session with defaults", func(t *testing.T) {
		session := NewSession("amqp://localhost:5672")

		assert.Equal(t, "amqp://localhost:5672", session.url)
		assert.IsType(t, &AMQPDialer{}, session.dialer)
		assert.NotNil(t, session.logger)
		assert.False(t, session.IsOpen())
	})

	t.Run("NewSession applies options", func(t *testing.T) {
		logger := slog.Default()
		dialer := DialerFunc(func(ctx context.Context, url string) (Connection, error) {
			return nil, ErrConnectionNotReady
		})
		session := NewSession("amqp://test:5672", WithLogger(logger), WithDialer(dialer))

		assert.Equal(t, logger, session.logger)
		assert.NotNil(t, session.dialer)
	})
}
