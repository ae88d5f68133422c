package status

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imalyk/pixelpipe/pkg/job"
)

// Memory is an in-process Store. Claims only exclude deliveries handled by
// the same process.
type Memory struct {
	mu      sync.Mutex
	records map[string]job.Record
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]job.Record), now: time.Now}
}

// WithClock replaces the clock used for lease expiry and timestamps.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) ClaimOrGet(ctx context.Context, jobID string, lease time.Duration) (Claim, error) {
	if err := ctx.Err(); err != nil {
		return Claim{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	rec, ok := m.records[jobID]
	if ok && !rec.Claimable(now) {
		return Claim{Record: copyRecord(rec)}, nil
	}
	if !ok {
		rec = job.Record{JobID: jobID, CreatedAt: now}
	}
	rec.State = job.StateReceived
	rec.RetryAt = nil
	rec.ClaimToken = uuid.NewString()
	rec.ClaimExpiresAt = now.Add(lease)
	rec.UpdatedAt = now
	m.records[jobID] = rec
	return Claim{Claimed: true, Token: rec.ClaimToken, Record: copyRecord(rec)}, nil
}

func (m *Memory) Update(ctx context.Context, jobID, token string, mutate Mutation) (job.Record, error) {
	if err := ctx.Err(); err != nil {
		return job.Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[jobID]
	if !ok {
		return job.Record{}, ErrNotFound
	}
	if err := checkOwnership(rec, token); err != nil {
		return job.Record{}, err
	}
	next := copyRecord(rec)
	if err := mutate(&next); err != nil {
		return job.Record{}, err
	}
	next.JobID = rec.JobID
	next.CreatedAt = rec.CreatedAt
	next.UpdatedAt = m.now().UTC()
	m.records[jobID] = next
	return copyRecord(next), nil
}

func (m *Memory) Get(ctx context.Context, jobID string) (job.Record, error) {
	if err := ctx.Err(); err != nil {
		return job.Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[jobID]
	if !ok {
		return job.Record{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (m *Memory) Counts(ctx context.Context) (map[job.State]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[job.State]int64)
	for _, rec := range m.records {
		counts[rec.State]++
	}
	return counts, nil
}

func copyRecord(r job.Record) job.Record {
	if r.TaskResults != nil {
		results := make(map[string]job.TaskResult, len(r.TaskResults))
		for k, v := range r.TaskResults {
			results[k] = v
		}
		r.TaskResults = results
	}
	if r.RetryAt != nil {
		at := *r.RetryAt
		r.RetryAt = &at
	}
	return r
}
