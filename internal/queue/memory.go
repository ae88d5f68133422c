package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrUnknownDelivery = errors.New("delivery is not in flight")

// Memory is a channel backed Transport for tests and single-process runs.
type Memory struct {
	pending chan envelope

	mu       sync.Mutex
	attempts map[string]int
	inflight map[string]envelope
	acked    []string
	nacked   []string
	dead     []DeadLetter
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memory{
		pending:  make(chan envelope, capacity),
		attempts: make(map[string]int),
		inflight: make(map[string]envelope),
	}
}

func (m *Memory) Publish(ctx context.Context, body []byte) (string, error) {
	env := envelope{MessageID: uuid.NewString(), PublishedAt: time.Now().UTC(), Body: body}
	select {
	case m.pending <- env:
		return env.MessageID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Memory) Receive(ctx context.Context) (*Delivery, error) {
	select {
	case env := <-m.pending:
		m.mu.Lock()
		m.attempts[env.MessageID]++
		attempt := m.attempts[env.MessageID]
		m.inflight[env.MessageID] = env
		m.mu.Unlock()
		return &Delivery{
			MessageID:  env.MessageID,
			Body:       env.Body,
			Attempt:    attempt,
			ReceivedAt: time.Now().UTC(),
			payload:    env.MessageID,
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Memory) settle(d *Delivery) (envelope, error) {
	env, ok := m.inflight[d.payload]
	if !ok {
		return envelope{}, ErrUnknownDelivery
	}
	delete(m.inflight, d.payload)
	return env, nil
}

func (m *Memory) Ack(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.settle(d); err != nil {
		return err
	}
	m.acked = append(m.acked, d.MessageID)
	return nil
}

func (m *Memory) Nack(_ context.Context, d *Delivery, delay time.Duration) error {
	m.mu.Lock()
	env, err := m.settle(d)
	if err == nil {
		m.nacked = append(m.nacked, d.MessageID)
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	time.AfterFunc(delay, func() { m.pending <- env })
	return nil
}

func (m *Memory) DeadLetter(_ context.Context, d *Delivery, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.settle(d); err != nil {
		return err
	}
	m.dead = append(m.dead, DeadLetter{
		MessageID:      d.MessageID,
		Reason:         reason,
		Attempt:        d.Attempt,
		Body:           d.Body,
		DeadLetteredAt: time.Now().UTC(),
	})
	return nil
}

func (m *Memory) DeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadLetter, 0, len(m.dead))
	for i := len(m.dead) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, m.dead[i])
	}
	return out, nil
}

// Stats reports how many deliveries were acked, nacked and dead-lettered.
func (m *Memory) Stats() (acked, nacked, dead int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked), len(m.nacked), len(m.dead)
}

// Pending returns the number of messages waiting for delivery.
func (m *Memory) Pending() int {
	return len(m.pending)
}
