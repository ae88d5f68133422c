// Package status holds the job status store: the durable record of each job's
// lifecycle and the claim that keeps two deliveries of the same job id from
// running at once.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/imalyk/pixelpipe/pkg/job"
)

var ErrNotFound = errors.New("job record not found")

// ConflictError is returned when an update targets a terminal record or the
// caller no longer owns the claim.
type ConflictError struct {
	JobID  string
	State  job.State
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict updating job %s in state %s: %s", e.JobID, e.State, e.Reason)
}

func (e *ConflictError) Permanent() bool { return true }

// Claim is the result of ClaimOrGet. Token is set only when Claimed is true
// and must accompany every Update made under the claim.
type Claim struct {
	Claimed bool
	Token   string
	Record  job.Record
}

// Mutation edits a record in place. Returning an error aborts the update.
type Mutation func(r *job.Record) error

type Store interface {
	// ClaimOrGet creates a RECEIVED record and claims it when the job id is
	// unknown, or re-claims a record whose previous claim was released or
	// expired. Otherwise it returns the existing record unclaimed.
	ClaimOrGet(ctx context.Context, jobID string, lease time.Duration) (Claim, error)
	Update(ctx context.Context, jobID, token string, mutate Mutation) (job.Record, error)
	Get(ctx context.Context, jobID string) (job.Record, error)
	// Counts returns the number of records in each state. States with no
	// records may be absent.
	Counts(ctx context.Context) (map[job.State]int64, error)
}

func checkOwnership(rec job.Record, token string) error {
	if rec.Terminal() {
		return &ConflictError{JobID: rec.JobID, State: rec.State, Reason: "record is terminal"}
	}
	if rec.ClaimToken == "" || rec.ClaimToken != token {
		return &ConflictError{JobID: rec.JobID, State: rec.State, Reason: "claim not held"}
	}
	return nil
}
