// Package dispatch pulls job messages from the transport, stages them by
// priority and runs each job's tasks under the configured concurrency limits.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/imalyk/pixelpipe/internal/queue"
	"github.com/imalyk/pixelpipe/internal/retry"
	"github.com/imalyk/pixelpipe/internal/status"
	"github.com/imalyk/pixelpipe/pkg/job"
)

type Config struct {
	Workers         int
	InboundCapacity int
	// ClaimGrace is added to the job timeout to form the claim lease.
	ClaimGrace time.Duration
	// ReceiveBackoff is the pause after a failed receive.
	ReceiveBackoff time.Duration
}

type Pool struct {
	cfg       Config
	transport queue.Transport
	store     status.Store
	exec      *Executor
	ctrl      *retry.Controller
	stage     *Stage
	logger    *slog.Logger
}

func NewPool(cfg Config, transport queue.Transport, store status.Store, exec *Executor, ctrl *retry.Controller, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.InboundCapacity <= 0 {
		cfg.InboundCapacity = cfg.Workers * 2
	}
	if cfg.ClaimGrace <= 0 {
		cfg.ClaimGrace = 30 * time.Second
	}
	if cfg.ReceiveBackoff <= 0 {
		cfg.ReceiveBackoff = time.Second
	}
	return &Pool{
		cfg:       cfg,
		transport: transport,
		store:     store,
		exec:      exec,
		ctrl:      ctrl,
		stage:     NewStage(cfg.InboundCapacity),
		logger:    logger,
	}
}

// Run receives and processes deliveries until ctx is cancelled. Deliveries
// still staged at shutdown are handed back to the transport.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.receive(gctx) })
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error { return p.work(gctx, i) })
	}
	err := g.Wait()

	settle := context.WithoutCancel(ctx)
	for _, d := range p.stage.Drain() {
		if nerr := p.transport.Nack(settle, d, 0); nerr != nil {
			p.logger.Error("failed to return staged delivery", "message_id", d.MessageID, "error", nerr)
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) receive(ctx context.Context) error {
	for {
		d, err := p.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("failed to receive from queue", "error", err)
			select {
			case <-time.After(p.cfg.ReceiveBackoff):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := p.stage.Push(ctx, d, priorityOf(d.Body)); err != nil {
			settle := context.WithoutCancel(ctx)
			if nerr := p.transport.Nack(settle, d, 0); nerr != nil {
				p.logger.Error("failed to return delivery", "message_id", d.MessageID, "error", nerr)
			}
			return err
		}
	}
}

func (p *Pool) work(ctx context.Context, id int) error {
	logger := p.logger.With("worker", id)
	for {
		d, err := p.stage.Pop(ctx)
		if err != nil {
			return err
		}
		if dec, err := p.Handle(ctx, d); err != nil {
			logger.Error("failed to settle delivery", "message_id", d.MessageID, "decision", dec, "error", err)
		}
	}
}

// Handle runs one delivery to completion and settles it with the transport.
func (p *Pool) Handle(ctx context.Context, d *queue.Delivery) (retry.Decision, error) {
	// Settling must survive shutdown so the message is not left in flight.
	settle := context.WithoutCancel(ctx)

	j, err := job.Validate(d.Body)
	if err != nil {
		return p.ctrl.Reject(settle, d, err)
	}
	logger := p.logger.With("job_id", j.ID, "message_id", d.MessageID, "attempt", d.Attempt, "priority", j.Priority)

	claim, err := p.store.ClaimOrGet(ctx, j.ID, p.lease())
	if err != nil {
		return p.ctrl.Abort(settle, d, j.ID, status.Claim{}, err)
	}
	if !claim.Claimed {
		return p.ctrl.Duplicate(settle, d, claim.Record)
	}
	logger.Info("job claimed", "previous_attempts", claim.Record.AttemptCount)

	if err := p.transition(ctx, j.ID, claim.Token, job.StateExpanding); err != nil {
		return p.abort(ctx, settle, d, j.ID, claim, err)
	}
	tasks, err := job.Plan(j)
	if err != nil {
		return p.ctrl.Resolve(settle, d, claim, retry.Outcome{State: job.StateFailed, Err: err})
	}
	if err := p.transition(ctx, j.ID, claim.Token, job.StateProcessing); err != nil {
		return p.abort(ctx, settle, d, j.ID, claim, err)
	}
	logger.Info("processing job", "tasks", len(tasks))

	out := p.exec.Execute(ctx, j, tasks)
	if interrupted(ctx, out) {
		return p.ctrl.Release(settle, d, claim)
	}
	return p.ctrl.Resolve(settle, d, claim, out)
}

// abort settles a delivery whose claimed job could not be advanced. A
// shutdown hands the job back without spending an attempt.
func (p *Pool) abort(ctx, settle context.Context, d *queue.Delivery, jobID string, claim status.Claim, err error) (retry.Decision, error) {
	if ctx.Err() != nil {
		return p.ctrl.Release(settle, d, claim)
	}
	return p.ctrl.Abort(settle, d, jobID, claim, err)
}

// interrupted reports whether an unfinished attempt was cut short by the
// worker stopping rather than by the job itself.
func interrupted(ctx context.Context, out retry.Outcome) bool {
	if ctx.Err() == nil || out.State == job.StateCompleted {
		return false
	}
	var timeout *TimeoutError
	return !errors.As(out.Err, &timeout)
}

func (p *Pool) transition(ctx context.Context, jobID, token string, state job.State) error {
	_, err := p.store.Update(ctx, jobID, token, func(r *job.Record) error {
		r.State = state
		return nil
	})
	return err
}

func (p *Pool) lease() time.Duration {
	return p.exec.Config().JobTimeout + p.cfg.ClaimGrace
}

// Staged returns the number of deliveries waiting for a worker.
func (p *Pool) Staged() int {
	return p.stage.Len()
}
