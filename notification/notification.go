package notification

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidNotification = errors.New("notification: invalid notification")
	ErrNoSender            = errors.New("notification: no sender supports the contact")
	ErrNotDelivered        = errors.New("notification: not delivered")
)

// ContactKind tags which field of a Contact is set
type ContactKind string

const (
	ContactEmail  ContactKind = "email"
	ContactBitrix ContactKind = "bitrix"
)

// Contact is one way to reach a recipient
type Contact struct {
	Kind         ContactKind `json:"kind"`
	Email        string      `json:"email,omitempty"`
	BitrixUserID int64       `json:"bitrixUserId,omitempty"`
}

func (c Contact) String() string {
	switch c.Kind {
	case ContactEmail:
		return "email:" + c.Email
	case ContactBitrix:
		return fmt.Sprintf("bitrix:%d", c.BitrixUserID)
	default:
		return string(c.Kind)
	}
}

// Validate checks that the field matching Kind is set
func (c Contact) Validate() error {
	switch c.Kind {
	case ContactEmail:
		if c.Email == "" {
			return fmt.Errorf("%w: email contact without address", ErrInvalidNotification)
		}
	case ContactBitrix:
		if c.BitrixUserID <= 0 {
			return fmt.Errorf("%w: bitrix contact without user id", ErrInvalidNotification)
		}
	default:
		return fmt.Errorf("%w: unknown contact kind %q", ErrInvalidNotification, c.Kind)
	}
	return nil
}

// Strategy picks how many contacts have to be reached
type Strategy string

const (
	// FirstAvailable stops at the first contact that was reached
	FirstAvailable Strategy = "first_available"
	// AllAvailable requires every supported contact to be reached
	AllAvailable Strategy = "all_available"
)

// Notification is the message body carried on the notifications queue
type Notification struct {
	ID       string    `json:"id"`
	Subject  string    `json:"subject"`
	Body     string    `json:"body"`
	Contacts []Contact `json:"contacts"`
	Strategy Strategy  `json:"strategy,omitempty"`
}

// Validate checks the notification before it is queued
func (n Notification) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidNotification)
	}
	if n.Body == "" {
		return fmt.Errorf("%w: body is required", ErrInvalidNotification)
	}
	if len(n.Contacts) == 0 {
		return fmt.Errorf("%w: at least one contact is required", ErrInvalidNotification)
	}
	switch n.Strategy {
	case "", FirstAvailable, AllAvailable:
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidNotification, n.Strategy)
	}
	for i, c := range n.Contacts {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("contact %d: %w", i, err)
		}
	}
	return nil
}

// EffectiveStrategy defaults an empty strategy to FirstAvailable
func (n Notification) EffectiveStrategy() Strategy {
	if n.Strategy == "" {
		return FirstAvailable
	}
	return n.Strategy
}
