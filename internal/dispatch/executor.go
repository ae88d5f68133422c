package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/imalyk/pixelpipe/internal/blob"
	"github.com/imalyk/pixelpipe/internal/failure"
	"github.com/imalyk/pixelpipe/internal/metrics"
	"github.com/imalyk/pixelpipe/internal/retry"
	"github.com/imalyk/pixelpipe/internal/source"
	"github.com/imalyk/pixelpipe/internal/transform"
	"github.com/imalyk/pixelpipe/pkg/job"
)

// TimeoutError marks a job attempt that ran past its deadline.
type TimeoutError struct {
	JobID string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s timed out after %s", e.JobID, e.After)
}

func (e *TimeoutError) Unwrap() error   { return context.DeadlineExceeded }
func (e *TimeoutError) Permanent() bool { return false }
func (e *TimeoutError) Cause() string   { return failure.CauseTimeout }

type ExecutorConfig struct {
	JobTimeout      time.Duration
	MaxTasksPerJob  int
	GlobalTaskLimit int64
}

// Executor runs the tasks of one job: fetch the source once, then transform
// and store every task with bounded fan-out.
type Executor struct {
	fetcher     source.Fetcher
	transformer transform.Transformer
	blobs       blob.Store
	sem         *semaphore.Weighted
	cfg         ExecutorConfig
	logger      *slog.Logger
}

func NewExecutor(cfg ExecutorConfig, fetcher source.Fetcher, transformer transform.Transformer, blobs blob.Store, logger *slog.Logger) *Executor {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.MaxTasksPerJob <= 0 {
		cfg.MaxTasksPerJob = 8
	}
	if cfg.GlobalTaskLimit <= 0 {
		cfg.GlobalTaskLimit = 32
	}
	return &Executor{
		fetcher:     fetcher,
		transformer: transformer,
		blobs:       blobs,
		sem:         semaphore.NewWeighted(cfg.GlobalTaskLimit),
		cfg:         cfg,
		logger:      logger,
	}
}

func (e *Executor) Config() ExecutorConfig { return e.cfg }

// Execute never returns an error: every failure is folded into the outcome.
func (e *Executor) Execute(ctx context.Context, j job.Job, tasks []job.Task) retry.Outcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.JobTimeout)
	defer cancel()

	fetch := sync.OnceValues(func() (source.Source, error) {
		return e.fetcher.Fetch(ctx, j.SourceURL)
	})
	results := newResultSet()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var g errgroup.Group
		g.SetLimit(max(1, min(len(tasks), e.cfg.MaxTasksPerJob)))
		for _, task := range tasks {
			g.Go(func() error {
				res, err := e.runTask(ctx, task, fetch)
				results.set(task.ID, res, err)
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	snapshot, errs := results.seal()

	out := aggregate(tasks, snapshot, errs)
	if ctx.Err() != nil && len(snapshot) < len(tasks) {
		out.State = job.StateFailed
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			out.Err = &TimeoutError{JobID: j.ID, After: e.cfg.JobTimeout}
		} else {
			out.Err = ctx.Err()
		}
		e.logger.Warn("job attempt abandoned", "job_id", j.ID, "finished_tasks", len(snapshot), "tasks", len(tasks), "error", out.Err)
	}
	out.Elapsed = time.Since(start)
	return out
}

func (e *Executor) runTask(ctx context.Context, task job.Task, fetch func() (source.Source, error)) (job.TaskResult, error) {
	res, err := e.attempt(ctx, task, fetch)
	if err != nil {
		res = job.TaskResult{Status: job.TaskFailed, Error: err.Error()}
		e.logger.Warn("task failed", "job_id", task.JobID, "task_id", task.ID, "cause", failure.CauseOf(err), "error", err)
	}
	metrics.RecordTask(string(task.Kind), string(res.Status))
	return res, err
}

func (e *Executor) attempt(ctx context.Context, task job.Task, fetch func() (source.Source, error)) (res job.TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task panicked", "job_id", task.JobID, "task_id", task.ID, "panic", r, "stack", string(debug.Stack()))
			res, err = job.TaskResult{}, fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return job.TaskResult{}, err
	}
	defer e.sem.Release(1)

	src, err := fetch()
	if err != nil {
		return job.TaskResult{}, err
	}
	var out transform.Output
	if task.Kind == job.KindOriginal {
		out = transform.Output{Data: src.Data, ContentType: src.ContentType}
	} else if out, err = e.transformer.Apply(ctx, task, src); err != nil {
		return job.TaskResult{}, err
	}
	ref, err := e.blobs.Put(ctx, task.ID, out.Data, out.ContentType)
	if err != nil {
		return job.TaskResult{}, err
	}
	return job.TaskResult{Status: job.TaskSucceeded, OutputRef: ref}, nil
}

// aggregate folds task results into a closing state. A fetch failure fails
// the whole job. Otherwise all-success completes, all-failure fails, and
// anything in between is a partial failure.
func aggregate(tasks []job.Task, results map[string]job.TaskResult, errs map[string]error) retry.Outcome {
	out := retry.Outcome{State: job.StateCompleted, Results: results}

	var first, firstTransient, fetchErr error
	failed := 0
	for _, task := range tasks {
		err, ok := errs[task.ID]
		if !ok {
			continue
		}
		failed++
		if first == nil {
			first = err
		}
		if firstTransient == nil && !failure.IsPermanent(err) {
			firstTransient = err
		}
		var ferr *source.FetchError
		if fetchErr == nil && errors.As(err, &ferr) {
			fetchErr = err
		}
	}

	switch {
	case fetchErr != nil:
		out.State, out.Err = job.StateFailed, fetchErr
	case failed == 0:
	case failed == len(tasks):
		out.State, out.Err = job.StateFailed, first
		if firstTransient != nil {
			out.Err = firstTransient
		}
	default:
		out.State, out.Err = job.StatePartiallyFailed, first
	}
	return out
}

// resultSet collects task results until sealed. Results arriving after the
// seal belong to an abandoned attempt and are dropped.
type resultSet struct {
	mu      sync.Mutex
	sealed  bool
	results map[string]job.TaskResult
	errs    map[string]error
}

func newResultSet() *resultSet {
	return &resultSet{results: make(map[string]job.TaskResult), errs: make(map[string]error)}
}

func (r *resultSet) set(taskID string, res job.TaskResult, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.results[taskID] = res
	if err != nil {
		r.errs[taskID] = err
	}
}

func (r *resultSet) seal() (map[string]job.TaskResult, map[string]error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	results := make(map[string]job.TaskResult, len(r.results))
	for k, v := range r.results {
		results[k] = v
	}
	errs := make(map[string]error, len(r.errs))
	for k, v := range r.errs {
		errs[k] = v
	}
	return results, errs
}
