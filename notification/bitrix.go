package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/glimte/mmate-notify/internal/reliability"
)

// BitrixSender posts notifications to Bitrix24 through an incoming webhook
type BitrixSender struct {
	webhookURL string
	client     *http.Client
	breaker    *reliability.Breaker
	backoff    *reliability.ExponentialBackoff
}

// BitrixOption configures a BitrixSender
type BitrixOption func(*BitrixSender)

func WithHTTPClient(c *http.Client) BitrixOption {
	return func(s *BitrixSender) {
		s.client = c
	}
}

func WithBackoff(b *reliability.ExponentialBackoff) BitrixOption {
	return func(s *BitrixSender) {
		s.backoff = b
	}
}

func WithBreaker(b *reliability.Breaker) BitrixOption {
	return func(s *BitrixSender) {
		s.breaker = b
	}
}

// NewBitrixSender creates a sender for the webhook base URL, e.g.
// https://example.bitrix24.ru/rest/1/token
func NewBitrixSender(webhookURL string, opts ...BitrixOption) *BitrixSender {
	s := &BitrixSender{
		webhookURL: strings.TrimRight(webhookURL, "/"),
		client:     &http.Client{Timeout: 10 * time.Second},
		breaker:    reliability.NewBreaker("bitrix"),
		backoff:    reliability.DefaultBackoff(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *BitrixSender) Name() string {
	return "bitrix"
}

func (s *BitrixSender) Supports(c Contact) bool {
	return c.Kind == ContactBitrix && c.BitrixUserID > 0
}

type bitrixRequest struct {
	To      int64  `json:"to"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

type bitrixResponse struct {
	Result           json.RawMessage `json:"result"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

func (s *BitrixSender) Send(ctx context.Context, n Notification, c Contact) error {
	message := n.Body
	if n.Subject != "" {
		message = "[b]" + n.Subject + "[/b]\n" + n.Body
	}

	payload, err := json.Marshal(bitrixRequest{To: c.BitrixUserID, Message: message, Type: "SYSTEM"})
	if err != nil {
		return err
	}

	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return reliability.Retry(ctx, s.backoff, func(ctx context.Context) error {
			return s.post(ctx, payload)
		})
	})
}

// post makes one im.notify call. 4xx responses and API errors are permanent.
func (s *BitrixSender) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL+"/im.notify.json", bytes.NewReader(payload))
	if err != nil {
		return reliability.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("bitrix request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("bitrix read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("bitrix: status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return reliability.Permanent(fmt.Errorf("bitrix: status %d: %s", resp.StatusCode, bitrixError(body)))
	}

	var out bitrixResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return reliability.Permanent(fmt.Errorf("bitrix: decode response: %w", err))
	}
	if out.Error != "" {
		return reliability.Permanent(fmt.Errorf("bitrix: %s: %s", out.Error, out.ErrorDescription))
	}
	return nil
}

func bitrixError(body []byte) string {
	var out bitrixResponse
	if err := json.Unmarshal(body, &out); err == nil && out.Error != "" {
		return out.Error
	}
	return strings.TrimSpace(string(body))
}
