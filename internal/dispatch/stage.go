package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/imalyk/pixelpipe/internal/queue"
	"github.com/imalyk/pixelpipe/pkg/job"
)

const (
	tierHigh = iota
	tierMedium
	tierLow
	tierCount
)

// rotation serves high, medium and low deliveries 3:2:1.
var rotation = []int{tierHigh, tierMedium, tierHigh, tierLow, tierHigh, tierMedium}

// Stage is a bounded buffer between the receive loop and the workers. Push
// blocks while the buffer is full. Pop prefers tiers in weighted rotation and
// falls back to any waiting tier, so a non-empty tier is never skipped for a
// whole rotation.
type Stage struct {
	slots chan struct{}
	tiers [tierCount]chan *queue.Delivery

	mu  sync.Mutex
	pos int
}

func NewStage(capacity int) *Stage {
	if capacity <= 0 {
		capacity = 1
	}
	s := &Stage{slots: make(chan struct{}, capacity)}
	for i := range s.tiers {
		s.tiers[i] = make(chan *queue.Delivery, capacity)
	}
	return s
}

func (s *Stage) Push(ctx context.Context, d *queue.Delivery, p job.Priority) error {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.tiers[tierOf(p)] <- d
	return nil
}

func (s *Stage) Pop(ctx context.Context) (*queue.Delivery, error) {
	s.mu.Lock()
	preferred := rotation[s.pos]
	s.pos = (s.pos + 1) % len(rotation)
	s.mu.Unlock()

	if d, ok := s.tryTier(preferred); ok {
		return d, nil
	}
	for i := 0; i < tierCount; i++ {
		if d, ok := s.tryTier(i); ok {
			return d, nil
		}
	}

	var d *queue.Delivery
	select {
	case d = <-s.tiers[tierHigh]:
	case d = <-s.tiers[tierMedium]:
	case d = <-s.tiers[tierLow]:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	<-s.slots
	return d, nil
}

func (s *Stage) tryTier(i int) (*queue.Delivery, bool) {
	select {
	case d := <-s.tiers[i]:
		<-s.slots
		return d, true
	default:
		return nil, false
	}
}

// Drain empties the buffer and returns what was staged.
func (s *Stage) Drain() []*queue.Delivery {
	var out []*queue.Delivery
	for i := 0; i < tierCount; i++ {
		for {
			d, ok := s.tryTier(i)
			if !ok {
				break
			}
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of staged deliveries.
func (s *Stage) Len() int {
	return len(s.slots)
}

func tierOf(p job.Priority) int {
	switch p {
	case job.PriorityHigh:
		return tierHigh
	case job.PriorityLow:
		return tierLow
	}
	return tierMedium
}

// priorityOf reads the priority of a raw message without validating it.
// Anything unreadable is staged as medium and rejected later by the worker.
func priorityOf(body []byte) job.Priority {
	var head struct {
		Priority string `json:"priority"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return job.PriorityMedium
	}
	switch p := job.Priority(strings.ToLower(strings.TrimSpace(head.Priority))); p {
	case job.PriorityHigh, job.PriorityLow:
		return p
	}
	return job.PriorityMedium
}
