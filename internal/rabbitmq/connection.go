package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Session owns one connection and one channel for a single consumer
type Session struct {
	url    string
	dialer Dialer
	logger *slog.Logger

	mu   sync.Mutex
	conn Connection
	ch   Channel
}

// SessionOption configures the Session
type SessionOption func(*Session)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dialer Dialer) SessionOption {
	return func(s *Session) {
		s.dialer = dialer
	}
}

// NewSession creates a session for the given broker URL. Nothing is dialed
// until Open is called.
func NewSession(url string, options ...SessionOption) *Session {
	s := &Session{
		url:    url,
		dialer: NewAMQPDialer(),
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Open dials the connection and opens the channel. It is idempotent: while the
// session is open the existing channel is returned and opened is false.
func (s *Session) Open(ctx context.Context) (ch Channel, opened bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch != nil {
		return s.ch, false, nil
	}

	conn, err := s.dialer.Dial(ctx, s.url)
	if err != nil {
		return nil, false, s.unavailable(err)
	}

	ch, err = conn.Channel()
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			s.logger.Warn("failed to close connection after channel error", "error", closeErr)
		}
		return nil, false, &ConnectionError{
			Op:        "open channel",
			URL:       SanitizeURL(s.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	s.conn = conn
	s.ch = ch

	s.logger.Info("connected to RabbitMQ", "url", SanitizeURL(s.url))

	return ch, true, nil
}

// IsOpen reports whether Open succeeded and Close has not been called since
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch != nil
}

// Close closes the channel and then the connection. Closing a session that is
// not open is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch == nil && s.conn == nil {
		return nil
	}

	var errs []error
	if s.ch != nil {
		if err := s.ch.Close(); err != nil {
			errs = append(errs, &ConnectionError{
				Op:        "close channel",
				URL:       SanitizeURL(s.url),
				Err:       err,
				Timestamp: time.Now(),
			})
		}
		s.ch = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, &ConnectionError{
				Op:        "close connection",
				URL:       SanitizeURL(s.url),
				Err:       err,
				Timestamp: time.Now(),
			})
		}
		s.conn = nil
	}

	s.logger.Info("disconnected from RabbitMQ", "url", SanitizeURL(s.url))

	return errors.Join(errs...)
}

// CheckHealth dials a throwaway connection and closes it straight away. The
// session's own connection is never used, so a broken consumer channel does
// not hide a reachable broker.
func (s *Session) CheckHealth(ctx context.Context) error {
	conn, err := s.dialer.Dial(ctx, s.url)
	if err != nil {
		return s.unavailable(err)
	}
	if err := conn.Close(); err != nil {
		return s.unavailable(err)
	}
	return nil
}

func (s *Session) unavailable(err error) error {
	return &BrokerUnavailableError{
		URL:       SanitizeURL(s.url),
		Err:       err,
		Timestamp: time.Now(),
	}
}
