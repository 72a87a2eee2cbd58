package notification

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/glimte/mmate-notify/internal/reliability"
)

// EmailConfig holds the SMTP relay settings
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// sendMailFunc matches smtp.SendMail
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender delivers notifications over SMTP
type EmailSender struct {
	cfg      EmailConfig
	sendMail sendMailFunc
	breaker  *reliability.Breaker
	backoff  *reliability.ExponentialBackoff
	now      func() time.Time
}

// NewEmailSender creates an SMTP sender
func NewEmailSender(cfg EmailConfig) *EmailSender {
	return &EmailSender{
		cfg:      cfg,
		sendMail: smtp.SendMail,
		breaker:  reliability.NewBreaker("email"),
		backoff:  reliability.DefaultBackoff(),
		now:      time.Now,
	}
}

func (s *EmailSender) Name() string {
	return "email"
}

func (s *EmailSender) Supports(c Contact) bool {
	return c.Kind == ContactEmail && c.Email != ""
}

func (s *EmailSender) Send(ctx context.Context, n Notification, c Contact) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	msg := s.message(n, c.Email)

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return reliability.Retry(ctx, s.backoff, func(ctx context.Context) error {
			err := s.sendMail(addr, auth, s.cfg.From, []string{c.Email}, msg)
			if err == nil {
				return nil
			}
			err = fmt.Errorf("smtp send to %s: %w", addr, err)
			// 5xx replies are final; 4xx are worth another try
			var reply *textproto.Error
			if errors.As(err, &reply) && reply.Code >= 500 {
				return reliability.Permanent(err)
			}
			return err
		})
	})
}

func (s *EmailSender) message(n Notification, to string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", n.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@%s>\r\n", n.ID, s.cfg.Host)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(n.Body)
	return b.Bytes()
}
