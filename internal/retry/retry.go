// Package retry decides what happens to a delivery once its job attempt is
// over: acknowledge, schedule a redelivery, or move it to the dead-letter
// channel. It is the only place that acks, nacks or dead-letters.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/imalyk/pixelpipe/internal/failure"
	"github.com/imalyk/pixelpipe/internal/metrics"
	"github.com/imalyk/pixelpipe/internal/queue"
	"github.com/imalyk/pixelpipe/internal/status"
	"github.com/imalyk/pixelpipe/pkg/job"
)

const maxErrorLen = 1024

type Decision string

const (
	Ack        Decision = "ack"
	Nack       Decision = "nack"
	DeadLetter Decision = "dead_letter"
)

type Policy struct {
	// MaxAttempts is the number of redeliveries allowed before a transient
	// failure is dead-lettered.
	MaxAttempts   int
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	JitterPercent uint64
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, MinBackoff: 2 * time.Second, MaxBackoff: 5 * time.Minute, JitterPercent: 20}
}

// Outcome is the aggregated result of one job attempt.
type Outcome struct {
	State   job.State
	Results map[string]job.TaskResult
	// Err is set for FAILED outcomes and, for PARTIALLY_FAILED, describes
	// the first failed task.
	Err     error
	Elapsed time.Duration
}

type Controller struct {
	store     status.Store
	transport queue.Transport
	policy    Policy
	logger    *slog.Logger
	now       func() time.Time
}

func NewController(store status.Store, transport queue.Transport, policy Policy, logger *slog.Logger) *Controller {
	def := DefaultPolicy()
	if policy.MaxAttempts < 0 {
		policy.MaxAttempts = 0
	}
	if policy.MinBackoff <= 0 {
		policy.MinBackoff = def.MinBackoff
	}
	if policy.MaxBackoff < policy.MinBackoff {
		policy.MaxBackoff = policy.MinBackoff
	}
	if policy.JitterPercent > 100 {
		policy.JitterPercent = 100
	}
	return &Controller{
		store:     store,
		transport: transport,
		policy:    policy,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock replaces the clock used to stamp retry_at.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

func (c *Controller) Policy() Policy { return c.policy }

// Backoff returns the delay before redelivery number n (1-based): exponential
// from MinBackoff with jitter, never below MinBackoff or above MaxBackoff.
func (c *Controller) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	b := goretry.NewExponential(c.policy.MinBackoff)
	if c.policy.JitterPercent > 0 {
		b = goretry.WithJitterPercent(c.policy.JitterPercent, b)
	}
	b = goretry.WithCappedDuration(c.policy.MaxBackoff, b)

	var delay time.Duration
	for i := 0; i < n; i++ {
		delay, _ = b.Next()
		if delay >= c.policy.MaxBackoff {
			break
		}
	}
	if delay < c.policy.MinBackoff {
		delay = c.policy.MinBackoff
	}
	return delay
}

// Reject dead-letters a message that failed validation. No record exists for it.
func (c *Controller) Reject(ctx context.Context, d *queue.Delivery, cause error) (Decision, error) {
	c.logger.Warn("rejecting invalid job message", "message_id", d.MessageID, "attempt", d.Attempt, "error", cause)
	return c.deadLetter(ctx, d, failure.CauseValidation)
}

// Duplicate acknowledges a delivery whose job id is already owned or finished.
func (c *Controller) Duplicate(ctx context.Context, d *queue.Delivery, rec job.Record) (Decision, error) {
	c.logger.Info("duplicate delivery acknowledged", "message_id", d.MessageID, "job_id", rec.JobID, "state", rec.State)
	return c.ack(ctx, d)
}

// Abort settles a delivery whose attempt could not be driven to an outcome,
// typically because the store was unreachable. The message is kept and
// redelivered once the claim, if one was taken, has expired.
func (c *Controller) Abort(ctx context.Context, d *queue.Delivery, jobID string, claim status.Claim, cause error) (Decision, error) {
	logger := c.logger.With("job_id", jobID, "message_id", d.MessageID, "attempt", d.Attempt)
	return c.storeFailure(ctx, d, claim, logger, cause)
}

// Release hands back a delivery whose attempt was interrupted by shutdown.
// The claim is dropped without touching the state or the attempt count, and
// the message is redelivered right away.
func (c *Controller) Release(ctx context.Context, d *queue.Delivery, claim status.Claim) (Decision, error) {
	jobID := claim.Record.JobID
	logger := c.logger.With("job_id", jobID, "message_id", d.MessageID, "attempt", d.Attempt)
	if err := c.release(ctx, jobID, claim.Token); err != nil {
		return c.storeFailure(ctx, d, claim, logger, err)
	}
	logger.Info("job attempt interrupted, message returned")
	return c.nack(ctx, d, 0)
}

// Resolve writes the closing state of a claimed job attempt and settles the
// delivery accordingly.
func (c *Controller) Resolve(ctx context.Context, d *queue.Delivery, claim status.Claim, out Outcome) (Decision, error) {
	rec := claim.Record
	logger := c.logger.With("job_id", rec.JobID, "message_id", d.MessageID, "attempt", d.Attempt)

	switch out.State {
	case job.StateCompleted, job.StatePartiallyFailed:
		if err := c.close(ctx, rec.JobID, claim.Token, out, out.State, 0, nil); err != nil {
			return c.storeFailure(ctx, d, claim, logger, err)
		}
		metrics.RecordJob(string(out.State), out.Elapsed)
		logger.Info("job finished", "state", out.State, "tasks", len(out.Results))
		return c.ack(ctx, d)

	case job.StateFailed:
		cause := failure.CauseOf(out.Err)
		if failure.IsPermanent(out.Err) {
			if err := c.close(ctx, rec.JobID, claim.Token, out, job.StateDeadLettered, 0, nil); err != nil {
				return c.storeFailure(ctx, d, claim, logger, err)
			}
			metrics.RecordJob(string(job.StateDeadLettered), out.Elapsed)
			logger.Error("job failed permanently", "cause", cause, "error", out.Err)
			return c.deadLetter(ctx, d, cause)
		}

		nacks := max(rec.AttemptCount, d.Attempt-1-rec.Releases)
		if nacks >= c.policy.MaxAttempts {
			exhausted := out
			exhausted.Err = &exhaustedError{attempts: nacks, err: out.Err}
			if err := c.close(ctx, rec.JobID, claim.Token, exhausted, job.StateDeadLettered, nacks, nil); err != nil {
				return c.storeFailure(ctx, d, claim, logger, err)
			}
			metrics.RecordJob(string(job.StateDeadLettered), out.Elapsed)
			logger.Error("job failed with no retries remaining", "attempts", nacks, "cause", cause, "error", out.Err)
			return c.deadLetter(ctx, d, failure.CauseRetriesExhausted)
		}

		delay := c.Backoff(nacks + 1)
		retryAt := c.now().UTC().Add(delay)
		if err := c.close(ctx, rec.JobID, claim.Token, out, job.StateFailed, nacks+1, &retryAt); err != nil {
			return c.storeFailure(ctx, d, claim, logger, err)
		}
		metrics.RecordJob(string(job.StateFailed), out.Elapsed)
		logger.Warn("job failed, retrying", "cause", cause, "retry_in", delay, "error", out.Err)
		return c.nack(ctx, d, delay)
	}

	return c.storeFailure(ctx, d, claim, logger, fmt.Errorf("unexpected outcome state %s", out.State))
}

// close writes the final fields of an attempt under the caller's claim.
// A non-nil retryAt keeps the record open for the next delivery and releases
// the claim.
func (c *Controller) close(ctx context.Context, jobID, token string, out Outcome, state job.State, attempts int, retryAt *time.Time) error {
	_, err := c.store.Update(ctx, jobID, token, func(r *job.Record) error {
		for id, res := range out.Results {
			r.SetTaskResult(id, res)
		}
		r.State = state
		if attempts > r.AttemptCount {
			r.AttemptCount = attempts
		}
		if out.Err != nil {
			r.LastError = truncate(out.Err.Error())
			r.Cause = failure.CauseOf(out.Err)
		} else {
			r.LastError, r.Cause = "", ""
		}
		r.RetryAt = retryAt
		if retryAt != nil {
			r.ClaimToken = ""
			r.ClaimExpiresAt = time.Time{}
		}
		return nil
	})
	return err
}

// release clears the claim and counts the delivery as handed back.
func (c *Controller) release(ctx context.Context, jobID, token string) error {
	_, err := c.store.Update(ctx, jobID, token, func(r *job.Record) error {
		r.Releases++
		r.ClaimToken = ""
		r.ClaimExpiresAt = time.Time{}
		return nil
	})
	return err
}

func (c *Controller) storeFailure(ctx context.Context, d *queue.Delivery, claim status.Claim, logger *slog.Logger, err error) (Decision, error) {
	var conflict *status.ConflictError
	if errors.As(err, &conflict) {
		logger.Warn("update rejected, dropping delivery", "error", err)
		return c.ack(ctx, d)
	}
	delay := c.policy.MinBackoff
	if claim.Claimed {
		rerr := c.release(ctx, claim.Record.JobID, claim.Token)
		if rerr == nil {
			logger.Error("failed to record job outcome, claim released", "retry_in", delay, "error", err)
			return c.nack(ctx, d, delay)
		}
		// A redelivery arriving while our claim is live would be acked as a duplicate.
		if until := claim.Record.ClaimExpiresAt.Sub(c.now()); until > delay {
			delay = until
		}
		logger.Warn("holding message until the claim expires",
			"retry_in", delay, "claim_expires_at", claim.Record.ClaimExpiresAt, "release_error", rerr)
	}
	logger.Error("failed to record job outcome", "retry_in", delay, "error", err)
	return c.nack(ctx, d, delay)
}

func (c *Controller) ack(ctx context.Context, d *queue.Delivery) (Decision, error) {
	metrics.RecordDelivery(string(Ack))
	if err := c.transport.Ack(ctx, d); err != nil {
		return Ack, fmt.Errorf("ack %s: %w", d.MessageID, err)
	}
	return Ack, nil
}

func (c *Controller) nack(ctx context.Context, d *queue.Delivery, delay time.Duration) (Decision, error) {
	metrics.RecordDelivery(string(Nack))
	if err := c.transport.Nack(ctx, d, delay); err != nil {
		return Nack, fmt.Errorf("nack %s: %w", d.MessageID, err)
	}
	return Nack, nil
}

func (c *Controller) deadLetter(ctx context.Context, d *queue.Delivery, reason string) (Decision, error) {
	metrics.RecordDelivery(string(DeadLetter))
	if err := c.transport.DeadLetter(ctx, d, reason); err != nil {
		return DeadLetter, fmt.Errorf("dead-letter %s: %w", d.MessageID, err)
	}
	return DeadLetter, nil
}

type exhaustedError struct {
	attempts int
	err      error
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.attempts, e.err)
}

func (e *exhaustedError) Unwrap() error   { return e.err }
func (e *exhaustedError) Permanent() bool { return true }
func (e *exhaustedError) Cause() string   { return failure.CauseRetriesExhausted }

func truncate(s string) string {
	if len(s) > maxErrorLen {
		return s[:maxErrorLen]
	}
	return s
}
