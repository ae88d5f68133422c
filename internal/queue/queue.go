// Package queue provides the at-least-once job message transport: blocking
// receive, explicit acknowledgment, delayed redelivery on negative
// acknowledgment and a dead-letter channel.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Delivery is one delivery of a published message. Attempt counts deliveries
// of the same message, starting at 1, and is maintained by the transport.
type Delivery struct {
	MessageID  string
	Body       []byte
	Attempt    int
	ReceivedAt time.Time

	payload string
	// deadline is the visibility deadline (unix ms) the transport recorded
	// for this delivery; a settle only takes effect while it still matches.
	deadline int64
}

// DeadLetter is a message that will not be redelivered.
type DeadLetter struct {
	MessageID      string    `json:"message_id"`
	Reason         string    `json:"reason"`
	Attempt        int       `json:"attempt"`
	Body           []byte    `json:"body"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

type Publisher interface {
	Publish(ctx context.Context, body []byte) (string, error)
}

type Transport interface {
	Publisher
	// Receive blocks until a delivery is available or ctx is done.
	Receive(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Nack(ctx context.Context, d *Delivery, delay time.Duration) error
	DeadLetter(ctx context.Context, d *Delivery, reason string) error
}

// DeadLetterLister exposes the most recent dead letters.
type DeadLetterLister interface {
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

type envelope struct {
	MessageID   string    `json:"message_id"`
	PublishedAt time.Time `json:"published_at"`
	Body        []byte    `json:"body"`
}

func encodeEnvelope(env envelope) (string, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
