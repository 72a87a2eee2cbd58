package notification

import (
	"context"
	"errors"
	"net/smtp"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-notify/internal/reliability"
)

type sentMail struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  string
}

func newTestEmailSender(cfg EmailConfig, results ...error) (*EmailSender, *[]sentMail) {
	var sent []sentMail
	s := NewEmailSender(cfg)
	s.backoff = reliability.NewExponentialBackoff(time.Millisecond, time.Millisecond, 1, 2)
	s.now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	s.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, sentMail{addr: addr, auth: a, from: from, to: to, msg: string(msg)})
		if len(results) == 0 {
			return nil
		}
		err := results[0]
		results = results[1:]
		return err
	}
	return s, &sent
}

func TestEmailSender(t *testing.T) {
	cfg := EmailConfig{Host: "smtp.example.com", Port: 587, From: "noreply@example.com"}
	contact := Contact{Kind: ContactEmail, Email: "user@example.com"}

	t.Run("supports only email contacts", func(t *testing.T) {
		s := NewEmailSender(cfg)
		assert.Equal(t, "email", s.Name())
		assert.True(t, s.Supports(contact))
		assert.False(t, s.Supports(Contact{Kind: ContactEmail}))
		assert.False(t, s.Supports(Contact{Kind: ContactBitrix, BitrixUserID: 1}))
	})

	t.Run("builds a utf-8 message", func(t *testing.T) {
		s, sent := newTestEmailSender(cfg)

		require.NoError(t, s.Send(context.Background(), validNotification(), contact))
		require.Len(t, *sent, 1)

		m := (*sent)[0]
		assert.Equal(t, "smtp.example.com:587", m.addr)
		assert.Nil(t, m.auth)
		assert.Equal(t, "noreply@example.com", m.from)
		assert.Equal(t, []string{"user@example.com"}, m.to)
		assert.Contains(t, m.msg, "To: user@example.com\r\n")
		assert.Contains(t, m.msg, "Subject: =?utf-8?q?")
		assert.Contains(t, m.msg, "Content-Type: text/plain; charset=UTF-8\r\n")
		assert.Contains(t, m.msg, "Message-ID: <n-1@smtp.example.com>\r\n")
		assert.Contains(t, m.msg, "\r\n\r\nВаш заказ готов к выдаче")
	})

	t.Run("uses plain auth when credentials are set", func(t *testing.T) {
		withAuth := cfg
		withAuth.Username, withAuth.Password = "user", "secret"
		s, sent := newTestEmailSender(withAuth)

		require.NoError(t, s.Send(context.Background(), validNotification(), contact))
		assert.NotNil(t, (*sent)[0].auth)
	})

	t.Run("retries transient failures", func(t *testing.T) {
		s, sent := newTestEmailSender(cfg, &textproto.Error{Code: 421, Msg: "try later"}, nil)

		require.NoError(t, s.Send(context.Background(), validNotification(), contact))
		assert.Len(t, *sent, 2)
	})

	t.Run("does not retry permanent rejections", func(t *testing.T) {
		s, sent := newTestEmailSender(cfg, &textproto.Error{Code: 550, Msg: "no such user"})

		err := s.Send(context.Background(), validNotification(), contact)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no such user")
		assert.Len(t, *sent, 1)
	})

	t.Run("gives up after the backoff is exhausted", func(t *testing.T) {
		failure := errors.New("connection refused")
		s, sent := newTestEmailSender(cfg, failure, failure, failure, failure)

		err := s.Send(context.Background(), validNotification(), contact)
		assert.ErrorIs(t, err, failure)
		assert.Len(t, *sent, 3)
	})
}
