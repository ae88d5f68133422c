package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/imalyk/pixelpipe/internal/failure"
	"github.com/imalyk/pixelpipe/internal/queue"
	"github.com/imalyk/pixelpipe/internal/source"
	"github.com/imalyk/pixelpipe/internal/status"
	"github.com/imalyk/pixelpipe/pkg/job"
)

type call struct {
	op     string
	id     string
	delay  time.Duration
	reason string
}

type fakeTransport struct {
	mu    sync.Mutex
	calls []call
}

func (f *fakeTransport) Publish(context.Context, []byte) (string, error) { return "m", nil }
func (f *fakeTransport) Receive(ctx context.Context) (*queue.Delivery, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeTransport) record(c call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return nil
}

func (f *fakeTransport) Ack(_ context.Context, d *queue.Delivery) error {
	return f.record(call{op: "ack", id: d.MessageID})
}

func (f *fakeTransport) Nack(_ context.Context, d *queue.Delivery, delay time.Duration) error {
	return f.record(call{op: "nack", id: d.MessageID, delay: delay})
}

func (f *fakeTransport) DeadLetter(_ context.Context, d *queue.Delivery, reason string) error {
	return f.record(call{op: "dead", id: d.MessageID, reason: reason})
}

func (f *fakeTransport) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newController(store status.Store, tr queue.Transport) *Controller {
	return NewController(store, tr, Policy{MaxAttempts: 3, MinBackoff: 10 * time.Millisecond, MaxBackoff: 80 * time.Millisecond}, testLogger())
}

var transientFetch = &source.FetchError{URL: "https://x/a.jpg", Transient: true, Err: errors.New("503")}

func TestTransientFailureDeadLettersAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := status.NewMemory()
	tr := &fakeTransport{}
	c := newController(store, tr)

	var decisions []Decision
	for attempt := 1; attempt <= 10; attempt++ {
		claim, err := store.ClaimOrGet(ctx, "job-1", time.Minute)
		if err != nil {
			t.Fatalf("ClaimOrGet: %v", err)
		}
		if !claim.Claimed {
			t.Fatalf("attempt %d: expected claim, record %+v", attempt, claim.Record)
		}
		d := &queue.Delivery{MessageID: "m1", Attempt: attempt}
		dec, err := c.Resolve(ctx, d, claim, Outcome{State: job.StateFailed, Err: transientFetch})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		decisions = append(decisions, dec)
		if dec == DeadLetter {
			break
		}
	}

	want := []Decision{Nack, Nack, Nack, DeadLetter}
	if len(decisions) != len(want) {
		t.Fatalf("decisions = %v, want %v", decisions, want)
	}
	for i := range want {
		if decisions[i] != want[i] {
			t.Fatalf("decisions = %v, want %v", decisions, want)
		}
	}
	if got := tr.last(); got.reason != failure.CauseRetriesExhausted {
		t.Fatalf("dead-letter reason = %q", got.reason)
	}

	rec, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.State != job.StateDeadLettered || rec.AttemptCount != 3 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Cause != failure.CauseRetriesExhausted {
		t.Fatalf("cause = %q", rec.Cause)
	}
}

func TestTransientFailureSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	store := status.NewMemory()
	tr := &fakeTransport{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := newController(store, tr).WithClock(func() time.Time { return now })

	claim, _ := store.ClaimOrGet(ctx, "job-2", time.Minute)
	dec, err := c.Resolve(ctx, &queue.Delivery{MessageID: "m2", Attempt: 1}, claim, Outcome{State: job.StateFailed, Err: transientFetch})
	if err != nil || dec != Nack {
		t.Fatalf("Resolve = %v, %v", dec, err)
	}
	got := tr.last()
	if got.delay < 10*time.Millisecond || got.delay > 80*time.Millisecond {
		t.Fatalf("nack delay %v out of bounds", got.delay)
	}

	rec, _ := store.Get(ctx, "job-2")
	if rec.State != job.StateFailed || rec.RetryAt == nil || rec.Terminal() {
		t.Fatalf("expected open FAILED record, got %+v", rec)
	}
	if rec.AttemptCount != 1 || rec.Cause != failure.CauseFetch {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !rec.RetryAt.Equal(now.Add(got.delay)) {
		t.Fatalf("retry_at = %v, want %v", rec.RetryAt, now.Add(got.delay))
	}
}

func TestDeliveryCounterAheadOfRecord(t *testing.T) {
	ctx := context.Background()
	store := status.NewMemory()
	tr := &fakeTransport{}
	c := newController(store, tr)

	// The transport saw more deliveries than the record, e.g. after a
	// crashed worker lost its closing write.
	claim, _ := store.ClaimOrGet(ctx, "job-3", time.Minute)
	dec, _ := c.Resolve(ctx, &queue.Delivery{MessageID: "m3", Attempt: 4}, claim, Outcome{State: job.StateFailed, Err: transientFetch})
	if dec != DeadLetter {
		t.Fatalf("decision = %v, want dead_letter", dec)
	}
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	store := status.NewMemory()
	tr := &fakeTransport{}
	c := newController(store, tr)

	claim, _ := store.ClaimOrGet(ctx, "job-4", time.Minute)
	perm := &source.FetchError{URL: "https://x/a.jpg", StatusCode: 404, Err: errors.New("not found")}
	dec, err := c.Resolve(ctx, &queue.Delivery{MessageID: "m4", Attempt: 1}, claim, Outcome{State: job.StateFailed, Err: perm})
	if err != nil || dec != DeadLetter {
		t.Fatalf("Resolve = %v, %v", dec, err)
	}
	if got := tr.last(); got.reason != failure.CauseFetch {
		t.Fatalf("reason = %q", got.reason)
	}
	rec, _ := store.Get(ctx, "job-4")
	if rec.State != job.StateDeadLettered || rec.AttemptCount != 0 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestPartialFailureIsAcked(t *testing.T) {
	ctx := context.Background()
	store := status.NewMemory()
	tr := &fakeTransport{}
	c := newController(store, tr)

	claim, _ := store.ClaimOrGet(ctx, "job-5", time.Minute)
	out := Outcome{
		State: job.StatePartiallyFailed,
		Results: map[string]job.TaskResult{
			"a": {Status: job.TaskSucceeded, OutputRef: "mem://a"},
			"b": {Status: job.TaskFailed, Error: "boom"},
		},
		Err: errors.New("boom"),
	}
	dec, err := c.Resolve(ctx, &queue.Delivery{MessageID: "m5", Attempt: 1}, claim, out)
	if err != nil || dec != Ack {
		t.Fatalf("Resolve = %v, %v", dec, err)
	}
	rec, _ := store.Get(ctx, "job-5")
	if rec.State != job.StatePartiallyFailed || len(rec.TaskResults) != 2 || rec.Failures() != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if _, err := store.Update(ctx, "job-5", claim.Token, func(r *job.Record) error { return nil }); err == nil {
		t.Fatalf("terminal record accepted an update")
	}
}

func TestStaleClaimIsDroppedAndAcked(t *testing.T) {
	ctx := context.Background()
	store := status.NewMemory()
	tr := &fakeTransport{}
	c := newController(store, tr)

	claim, _ := store.ClaimOrGet(ctx, "job-6", time.Minute)
	stale := claim
	stale.Token = "someone-else"
	dec, err := c.Resolve(ctx, &queue.Delivery{MessageID: "m6", Attempt: 1}, stale, Outcome{State: job.StateCompleted})
	if err != nil || dec != Ack {
		t.Fatalf("Resolve = %v, %v", dec, err)
	}
	rec, _ := store.Get(ctx, "job-6")
	if rec.State != job.StateReceived {
		t.Fatalf("stale write landed: %+v", rec)
	}
}

type brokenStore struct{ status.Store }

func (brokenStore) Update(context.Context, string, string, status.Mutation) (job.Record, error) {
	return job.Record{}, errors.New("connection refused")
}

func TestStoreFailureKeepsMessage(t *testing.T) {
	ctx := context.Background()
	tr := &fakeTransport{}
	c := newController(brokenStore{status.NewMemory()}, tr)

	dec, _ := c.Resolve(ctx, &queue.Delivery{MessageID: "m7", Attempt: 1}, status.Claim{Claimed: true, Token: "t", Record: job.Record{JobID: "job-7"}}, Outcome{State: job.StateCompleted})
	if dec != Nack {
		t.Fatalf("decision = %v, want nack", dec)
	}
}

type flakyStore struct {
	*status.Memory
	failures int
}

func (f *flakyStore) Update(ctx context.Context, jobID, token string, mutate status.Mutation) (job.Record, error) {
	if f.failures > 0 {
		f.failures--
		return job.Record{}, errors.New("i/o timeout")
	}
	return f.Memory.Update(ctx, jobID, token, mutate)
}

func TestStoreFailureReleasesClaimWhenPossible(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Memory: status.NewMemory(), failures: 1}
	tr := &fakeTransport{}
	c := newController(store, tr)

	claim, _ := store.ClaimOrGet(ctx, "job-8", time.Minute)
	dec, _ := c.Resolve(ctx, &queue.Delivery{MessageID: "m8", Attempt: 1}, claim, Outcome{State: job.StateCompleted})
	if dec != Nack {
		t.Fatalf("decision = %v, want nack", dec)
	}
	if got := tr.last(); got.delay != 10*time.Millisecond {
		t.Fatalf("nack delay = %v, want the minimum backoff", got.delay)
	}
	again, err := store.ClaimOrGet(ctx, "job-8", time.Minute)
	if err != nil || !again.Claimed {
		t.Fatalf("released job not claimable: %+v, %v", again, err)
	}
}

func TestReleaseDoesNotConsumeAttempts(t *testing.T) {
	ctx := context.Background()
	store := status.NewMemory()
	tr := &fakeTransport{}
	c := NewController(store, tr, Policy{MaxAttempts: 1, MinBackoff: 10 * time.Millisecond, MaxBackoff: 80 * time.Millisecond}, testLogger())

	for attempt := 1; attempt <= 2; attempt++ {
		claim, err := store.ClaimOrGet(ctx, "job-9", time.Minute)
		if err != nil || !claim.Claimed {
			t.Fatalf("delivery %d not claimed: %+v, %v", attempt, claim, err)
		}
		dec, err := c.Release(ctx, &queue.Delivery{MessageID: "m9", Attempt: attempt}, claim)
		if err != nil || dec != Nack {
			t.Fatalf("Release = %v, %v", dec, err)
		}
		if got := tr.last(); got.delay != 0 {
			t.Fatalf("release delay = %v, want 0", got.delay)
		}
	}
	rec, _ := store.Get(ctx, "job-9")
	if rec.AttemptCount != 0 || rec.Releases != 2 || rec.Terminal() {
		t.Fatalf("record after releases = %+v", rec)
	}

	claim, _ := store.ClaimOrGet(ctx, "job-9", time.Minute)
	dec, _ := c.Resolve(ctx, &queue.Delivery{MessageID: "m9", Attempt: 3}, claim, Outcome{State: job.StateFailed, Err: transientFetch})
	if dec != Nack {
		t.Fatalf("first real failure = %v, want nack", dec)
	}
	claim, _ = store.ClaimOrGet(ctx, "job-9", time.Minute)
	dec, _ = c.Resolve(ctx, &queue.Delivery{MessageID: "m9", Attempt: 4}, claim, Outcome{State: job.StateFailed, Err: transientFetch})
	if dec != DeadLetter {
		t.Fatalf("second real failure = %v, want dead letter", dec)
	}
	rec, _ = store.Get(ctx, "job-9")
	if rec.State != job.StateDeadLettered || rec.AttemptCount != 1 {
		t.Fatalf("final record = %+v", rec)
	}
}

func TestRejectAndDuplicate(t *testing.T) {
	ctx := context.Background()
	tr := &fakeTransport{}
	c := newController(status.NewMemory(), tr)

	if dec, _ := c.Reject(ctx, &queue.Delivery{MessageID: "bad"}, &job.ValidationError{Field: "resize_formats", Reason: "bad size"}); dec != DeadLetter {
		t.Fatalf("Reject = %v", dec)
	}
	if got := tr.last(); got.reason != failure.CauseValidation {
		t.Fatalf("reason = %q", got.reason)
	}
	if dec, _ := c.Duplicate(ctx, &queue.Delivery{MessageID: "dup"}, job.Record{JobID: "j", State: job.StateCompleted}); dec != Ack {
		t.Fatalf("Duplicate = %v", dec)
	}
}

func TestBackoffBounds(t *testing.T) {
	c := NewController(status.NewMemory(), &fakeTransport{}, Policy{MaxAttempts: 3, MinBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}, testLogger())
	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, time.Second},
		{40, time.Second},
	}
	for _, tt := range tests {
		if got := c.Backoff(tt.n); got != tt.want {
			t.Fatalf("Backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}

	jittered := NewController(status.NewMemory(), &fakeTransport{}, Policy{MaxAttempts: 3, MinBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, JitterPercent: 50}, testLogger())
	for n := 1; n <= 8; n++ {
		d := jittered.Backoff(n)
		if d < 100*time.Millisecond || d > time.Second {
			t.Fatalf("Backoff(%d) = %v out of bounds", n, d)
		}
	}
}
