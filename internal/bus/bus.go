// Package bus abstracts the message broker used to fan router events out to
// other services.
package bus

import (
	"context"
	"errors"
	"time"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

type PullConsumer interface {
	// Fetch blocks up to wait time, returning up to batch messages.
	Fetch(ctx context.Context, batch int, wait time.Duration) ([]Message, error)
}

type Message interface {
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

// Handler processes one message. Returning ErrPoison terminates the message
// instead of asking for redelivery.
type Handler func(ctx context.Context, data []byte) error

var ErrPoison = errors.New("bus: poison message")

// IsTimeout reports whether a Fetch error only means no message arrived in
// the wait window.
type IsTimeout func(error) bool

// Consume fetches and dispatches messages until ctx is done.
func Consume(ctx context.Context, pc PullConsumer, batch int, wait time.Duration, timeout IsTimeout, h Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		msgs, err := pc.Fetch(ctx, batch, wait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if timeout != nil && timeout(err) {
				continue
			}
			return err
		}
		for _, m := range msgs {
			switch err := h(ctx, m.Data()); {
			case err == nil:
				_ = m.Ack()
			case errors.Is(err, ErrPoison):
				_ = m.Term()
			default:
				_ = m.Nak()
			}
		}
	}
}
