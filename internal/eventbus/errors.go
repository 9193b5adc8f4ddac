package eventbus

import (
	"errors"
	"fmt"
)

// ErrInvalidCallback is returned by Subscribe for callbacks with an
// unsupported signature.
var ErrInvalidCallback = errors.New("eventbus: unsupported callback signature")

// SubscriberError describes a subscriber that panicked while handling a message.
type SubscriberError struct {
	SubscriptionID string
	Pattern        string
	Topic          string
	Payload        any
	Panic          any
	Stack          string
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("subscriber %s on %s failed handling %s: %v", e.SubscriptionID, e.Pattern, e.Topic, e.Panic)
}

// Unwrap exposes the panic value when it was an error.
func (e *SubscriberError) Unwrap() error {
	if err, ok := e.Panic.(error); ok {
		return err
	}
	return nil
}
