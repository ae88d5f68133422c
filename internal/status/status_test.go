package status

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/imalyk/pixelpipe/pkg/job"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type storeFactory func(t *testing.T, clock *fakeClock) Store

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T, clock *fakeClock) Store {
		return NewMemory().WithClock(clock.Now)
	})
}

func TestRedisStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T, clock *fakeClock) Store {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		return NewRedis(client, "test").WithClock(clock.Now)
	})
}

func runStoreContract(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	lease := time.Minute

	t.Run("claim creates received record", func(t *testing.T) {
		st := newStore(t, newFakeClock())
		c, err := st.ClaimOrGet(ctx, "j1", lease)
		if err != nil {
			t.Fatalf("ClaimOrGet: %v", err)
		}
		if !c.Claimed || c.Token == "" {
			t.Fatalf("expected claim with token, got %+v", c)
		}
		if c.Record.State != job.StateReceived || c.Record.AttemptCount != 0 {
			t.Fatalf("unexpected record %+v", c.Record)
		}
		again, err := st.ClaimOrGet(ctx, "j1", lease)
		if err != nil {
			t.Fatalf("ClaimOrGet: %v", err)
		}
		if again.Claimed {
			t.Fatal("second claim on live record must not succeed")
		}
		if again.Record.JobID != "j1" {
			t.Fatalf("expected existing record, got %+v", again.Record)
		}
	})

	t.Run("get missing returns not found", func(t *testing.T) {
		st := newStore(t, newFakeClock())
		if _, err := st.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("update requires the claim token", func(t *testing.T) {
		st := newStore(t, newFakeClock())
		c, _ := st.ClaimOrGet(ctx, "j1", lease)
		_, err := st.Update(ctx, "j1", "someone-else", func(r *job.Record) error {
			r.State = job.StateProcessing
			return nil
		})
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("expected ConflictError, got %v", err)
		}
		rec, err := st.Update(ctx, "j1", c.Token, func(r *job.Record) error {
			r.State = job.StateProcessing
			r.SetTaskResult("j1:metadata:-:-", job.TaskResult{Status: job.TaskSucceeded, OutputRef: "mem://a"})
			r.SetTaskResult("j1:resize:1x1:jpeg", job.TaskResult{Status: job.TaskFailed, Error: "boom"})
			return nil
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if rec.State != job.StateProcessing {
			t.Fatalf("state = %s", rec.State)
		}
		got, err := st.Get(ctx, "j1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(got.TaskResults) != 2 || got.TaskResults["j1:resize:1x1:jpeg"].Error != "boom" {
			t.Fatalf("task results not persisted: %+v", got.TaskResults)
		}
		if got.Failures() != 1 {
			t.Fatalf("failures = %d", got.Failures())
		}
	})

	t.Run("terminal records are immutable", func(t *testing.T) {
		st := newStore(t, newFakeClock())
		c, _ := st.ClaimOrGet(ctx, "j1", lease)
		if _, err := st.Update(ctx, "j1", c.Token, func(r *job.Record) error {
			r.State = job.StateCompleted
			return nil
		}); err != nil {
			t.Fatalf("Update: %v", err)
		}
		_, err := st.Update(ctx, "j1", c.Token, func(r *job.Record) error {
			r.State = job.StateFailed
			return nil
		})
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("expected ConflictError on terminal record, got %v", err)
		}
		dup, err := st.ClaimOrGet(ctx, "j1", lease)
		if err != nil {
			t.Fatalf("ClaimOrGet: %v", err)
		}
		if dup.Claimed || dup.Record.State != job.StateCompleted {
			t.Fatalf("expected unclaimed terminal record, got %+v", dup)
		}
	})

	t.Run("expired lease can be reclaimed", func(t *testing.T) {
		clock := newFakeClock()
		st := newStore(t, clock)
		first, _ := st.ClaimOrGet(ctx, "j1", lease)
		if _, err := st.Update(ctx, "j1", first.Token, func(r *job.Record) error {
			r.State = job.StateProcessing
			return nil
		}); err != nil {
			t.Fatalf("Update: %v", err)
		}
		clock.Advance(lease + time.Second)
		second, err := st.ClaimOrGet(ctx, "j1", lease)
		if err != nil {
			t.Fatalf("ClaimOrGet: %v", err)
		}
		if !second.Claimed || second.Token == first.Token {
			t.Fatalf("expected fresh claim, got %+v", second)
		}
		if second.Record.State != job.StateReceived {
			t.Fatalf("reclaimed record state = %s", second.Record.State)
		}
		_, err = st.Update(ctx, "j1", first.Token, func(r *job.Record) error {
			r.State = job.StateCompleted
			return nil
		})
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("stale token must be fenced, got %v", err)
		}
	})

	t.Run("failed record with scheduled retry is reclaimed", func(t *testing.T) {
		clock := newFakeClock()
		st := newStore(t, clock)
		c, _ := st.ClaimOrGet(ctx, "j1", lease)
		retryAt := clock.Now().Add(time.Second)
		if _, err := st.Update(ctx, "j1", c.Token, func(r *job.Record) error {
			r.State = job.StateFailed
			r.AttemptCount = 1
			r.RetryAt = &retryAt
			r.ClaimToken = ""
			r.Cause = "timeout"
			return nil
		}); err != nil {
			t.Fatalf("Update: %v", err)
		}
		got, _ := st.Get(ctx, "j1")
		if got.Terminal() {
			t.Fatal("failed record with retry must not be terminal")
		}
		again, err := st.ClaimOrGet(ctx, "j1", lease)
		if err != nil {
			t.Fatalf("ClaimOrGet: %v", err)
		}
		if !again.Claimed {
			t.Fatalf("expected reclaim of released record, got %+v", again.Record)
		}
		if again.Record.State != job.StateReceived || again.Record.AttemptCount != 1 || again.Record.RetryAt != nil {
			t.Fatalf("unexpected reclaimed record %+v", again.Record)
		}
	})

	t.Run("failed record without retry is terminal", func(t *testing.T) {
		st := newStore(t, newFakeClock())
		c, _ := st.ClaimOrGet(ctx, "j1", lease)
		if _, err := st.Update(ctx, "j1", c.Token, func(r *job.Record) error {
			r.State = job.StateFailed
			return nil
		}); err != nil {
			t.Fatalf("Update: %v", err)
		}
		again, _ := st.ClaimOrGet(ctx, "j1", lease)
		if again.Claimed {
			t.Fatal("terminal FAILED record must not be reclaimed")
		}
	})

	t.Run("released claim is reclaimed without an attempt", func(t *testing.T) {
		st := newStore(t, newFakeClock())
		c, _ := st.ClaimOrGet(ctx, "j1", lease)
		if _, err := st.Update(ctx, "j1", c.Token, func(r *job.Record) error {
			r.State = job.StateProcessing
			r.Releases++
			r.ClaimToken = ""
			r.ClaimExpiresAt = time.Time{}
			return nil
		}); err != nil {
			t.Fatalf("Update: %v", err)
		}
		again, err := st.ClaimOrGet(ctx, "j1", lease)
		if err != nil || !again.Claimed {
			t.Fatalf("released record not reclaimed: %+v, %v", again, err)
		}
		if again.Record.Releases != 1 || again.Record.AttemptCount != 0 {
			t.Fatalf("reclaimed record = %+v", again.Record)
		}
	})

	t.Run("counts follow state changes", func(t *testing.T) {
		clock := newFakeClock()
		st := newStore(t, clock)
		c1, _ := st.ClaimOrGet(ctx, "j1", lease)
		c2, _ := st.ClaimOrGet(ctx, "j2", lease)
		_, _ = st.ClaimOrGet(ctx, "j3", lease)
		for _, state := range []job.State{job.StateProcessing, job.StateCompleted} {
			if _, err := st.Update(ctx, "j1", c1.Token, func(r *job.Record) error {
				r.State = state
				return nil
			}); err != nil {
				t.Fatalf("Update j1: %v", err)
			}
		}
		retryAt := clock.Now().Add(time.Second)
		if _, err := st.Update(ctx, "j2", c2.Token, func(r *job.Record) error {
			r.State = job.StateFailed
			r.RetryAt = &retryAt
			return nil
		}); err != nil {
			t.Fatalf("Update j2: %v", err)
		}
		assertCounts(t, st, map[job.State]int64{job.StateReceived: 1, job.StateCompleted: 1, job.StateFailed: 1})

		if again, _ := st.ClaimOrGet(ctx, "j2", lease); !again.Claimed {
			t.Fatal("failed record with retry not reclaimed")
		}
		assertCounts(t, st, map[job.State]int64{job.StateReceived: 2, job.StateCompleted: 1})
	})

	t.Run("concurrent claims yield one owner", func(t *testing.T) {
		st := newStore(t, newFakeClock())
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c, err := st.ClaimOrGet(ctx, "j-concurrent", lease)
				if err != nil {
					t.Errorf("ClaimOrGet: %v", err)
					return
				}
				if c.Claimed {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		if got := wins.Load(); got != 1 {
			t.Fatalf("expected exactly one claim, got %d", got)
		}
	})
}

func assertCounts(t *testing.T, st Store, want map[job.State]int64) {
	t.Helper()
	got, err := st.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	for _, state := range job.States {
		if got[state] != want[state] {
			t.Fatalf("count for %s = %d, want %d (all: %v)", state, got[state], want[state], got)
		}
	}
}
