package job

import "time"

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// State is the lifecycle state of a job record.
type State string

const (
	StateReceived        State = "RECEIVED"
	StateExpanding       State = "EXPANDING"
	StateProcessing      State = "PROCESSING"
	StatePartiallyFailed State = "PARTIALLY_FAILED"
	StateCompleted       State = "COMPLETED"
	StateFailed          State = "FAILED"
	StateDeadLettered    State = "DEAD_LETTERED"
)

// States lists every lifecycle state.
var States = []State{
	StateReceived, StateExpanding, StateProcessing,
	StatePartiallyFailed, StateCompleted, StateFailed, StateDeadLettered,
}

type ProcessingOptions struct {
	CreateThumbnail *bool    `json:"create_thumbnail,omitempty"`
	ExtractMetadata *bool    `json:"extract_metadata,omitempty"`
	ArchiveOriginal bool     `json:"archive_original,omitempty"`
	ResizeFormats   []string `json:"resize_formats,omitempty"`
	OutputFormats   []string `json:"output_formats,omitempty"`
}

// Thumbnail reports whether a thumbnail was requested. Unset means yes.
func (o ProcessingOptions) Thumbnail() bool {
	return o.CreateThumbnail == nil || *o.CreateThumbnail
}

// Metadata reports whether metadata extraction was requested. Unset means yes.
func (o ProcessingOptions) Metadata() bool {
	return o.ExtractMetadata == nil || *o.ExtractMetadata
}

// Job is a validated, defaulted image processing request.
type Job struct {
	ID                string            `json:"job_id"`
	ImageID           string            `json:"image_id"`
	SourceURL         string            `json:"source_url"`
	Priority          Priority          `json:"priority"`
	Category          string            `json:"category,omitempty"`
	BatchID           string            `json:"batch_id,omitempty"`
	ProcessingOptions ProcessingOptions `json:"processing_options"`
}

type TaskStatus string

const (
	TaskSucceeded TaskStatus = "success"
	TaskFailed    TaskStatus = "failure"
)

type TaskResult struct {
	Status    TaskStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	OutputRef string     `json:"output_ref,omitempty"`
}

// Record is the status store entry for one job id.
type Record struct {
	JobID        string                `json:"job_id"`
	State        State                 `json:"state"`
	AttemptCount int                   `json:"attempt_count"`
	// Releases counts deliveries handed back unprocessed (worker shutdown).
	// They are not held against the retry budget.
	Releases     int                   `json:"releases,omitempty"`
	TaskResults  map[string]TaskResult `json:"task_results,omitempty"`
	LastError    string                `json:"last_error,omitempty"`
	Cause        string                `json:"cause,omitempty"`
	RetryAt      *time.Time            `json:"retry_at,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`

	ClaimToken     string    `json:"-"`
	ClaimExpiresAt time.Time `json:"-"`
}

// Terminal reports whether the record can no longer change. A FAILED record
// with a scheduled retry is waiting for redelivery and is not terminal.
func (r Record) Terminal() bool {
	switch r.State {
	case StateCompleted, StatePartiallyFailed, StateDeadLettered:
		return true
	case StateFailed:
		return r.RetryAt == nil
	}
	return false
}

// Claimable reports whether a new delivery may take ownership of the record.
func (r Record) Claimable(now time.Time) bool {
	if r.Terminal() {
		return false
	}
	if r.State == StateFailed {
		return true
	}
	return r.ClaimToken == "" || !now.Before(r.ClaimExpiresAt)
}

// SetTaskResult records the outcome of one task.
func (r *Record) SetTaskResult(taskID string, res TaskResult) {
	if r.TaskResults == nil {
		r.TaskResults = make(map[string]TaskResult)
	}
	r.TaskResults[taskID] = res
}

// Failures returns the number of failed task results.
func (r Record) Failures() int {
	n := 0
	for _, res := range r.TaskResults {
		if res.Status == TaskFailed {
			n++
		}
	}
	return n
}
