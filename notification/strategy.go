package notification

import (
	"context"
	"errors"
	"fmt"
)

// Sender delivers a notification over one channel
type Sender interface {
	Name() string
	Supports(c Contact) bool
	Send(ctx context.Context, n Notification, c Contact) error
}

// senderFor returns the first sender that supports c
func senderFor(senders []Sender, c Contact) Sender {
	for _, s := range senders {
		if s.Supports(c) {
			return s
		}
	}
	return nil
}

// Deliver sends n to its contacts according to its strategy
func Deliver(ctx context.Context, senders []Sender, n Notification) error {
	switch n.EffectiveStrategy() {
	case AllAvailable:
		return deliverAll(ctx, senders, n)
	default:
		return deliverFirst(ctx, senders, n)
	}
}

// deliverFirst tries contacts in order and stops at the first success
func deliverFirst(ctx context.Context, senders []Sender, n Notification) error {
	var errs []error
	for _, c := range n.Contacts {
		s := senderFor(senders, c)
		if s == nil {
			errs = append(errs, fmt.Errorf("%s: %w", c, ErrNoSender))
			continue
		}
		err := s.Send(ctx, n, c)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s via %s: %w", c, s.Name(), err))
	}
	return fmt.Errorf("%w: %w", ErrNotDelivered, errors.Join(errs...))
}

// deliverAll sends to every supported contact; unsupported contacts are
// skipped, but at least one has to be supported
func deliverAll(ctx context.Context, senders []Sender, n Notification) error {
	var errs []error
	supported := 0
	for _, c := range n.Contacts {
		s := senderFor(senders, c)
		if s == nil {
			continue
		}
		supported++
		if err := s.Send(ctx, n, c); err != nil {
			errs = append(errs, fmt.Errorf("%s via %s: %w", c, s.Name(), err))
		}
	}
	if supported == 0 {
		return fmt.Errorf("%w: %w", ErrNotDelivered, ErrNoSender)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrNotDelivered, errors.Join(errs...))
	}
	return nil
}
