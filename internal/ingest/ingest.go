// Package ingest turns a CSV batch of image URLs into job messages.
package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/imalyk/pixelpipe/internal/metrics"
	"github.com/imalyk/pixelpipe/internal/queue"
	"github.com/imalyk/pixelpipe/pkg/job"
)

const defaultCategory = "unknown"

// columnAliases maps accepted header names to their canonical column.
var columnAliases = map[string]string{
	"image_id":   "image_id",
	"id":         "image_id",
	"url":        "url",
	"source_url": "url",
	"priority":   "priority",
	"category":   "category",
	"job_id":     "job_id",
}

// Row is one accepted CSV line turned into a job.
type Row struct {
	Line     int
	Job      job.Job
	Warnings []string
}

// RowError describes a CSV line that was skipped.
type RowError struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Line, e.Reason)
}

type Reader struct {
	csv     *csv.Reader
	columns map[string]int
	batchID string
	options job.ProcessingOptions
	row     int
}

// NewReader reads the header line. batchID is generated when empty. Every job
// gets a copy of options.
func NewReader(r io.Reader, batchID string, options job.ProcessingOptions) (*Reader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("csv is empty")
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	columns := make(map[string]int)
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if canonical, ok := columnAliases[name]; ok {
			if _, dup := columns[canonical]; !dup {
				columns[canonical] = i
			}
		}
	}
	for _, required := range []string{"image_id", "url"} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("csv header is missing column %q", required)
		}
	}
	if batchID == "" {
		batchID = uuid.NewString()
	}
	return &Reader{csv: cr, columns: columns, batchID: batchID, options: options}, nil
}

func (r *Reader) BatchID() string { return r.batchID }

// Next returns the next row. Invalid rows yield a *RowError and reading can
// continue; io.EOF marks the end of the batch.
func (r *Reader) Next() (Row, error) {
	record, err := r.csv.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Row{}, io.EOF
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			r.row++
			return Row{}, &RowError{Line: r.row, Reason: perr.Err.Error()}
		}
		return Row{}, err
	}
	r.row++
	line := r.row

	get := func(col string) string {
		i, ok := r.columns[col]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var warnings []string
	priority := job.Priority(strings.ToLower(get("priority")))
	switch priority {
	case job.PriorityLow, job.PriorityMedium, job.PriorityHigh:
	case "":
		priority = job.PriorityMedium
	default:
		warnings = append(warnings, fmt.Sprintf("invalid priority %q, defaulting to medium", get("priority")))
		priority = job.PriorityMedium
	}

	jobID := get("job_id")
	if jobID == "" {
		jobID = fmt.Sprintf("%s_%03d", r.batchID, line)
	}
	category := get("category")
	if category == "" {
		category = defaultCategory
	}

	j, err := job.Normalize(job.Job{
		ID:                jobID,
		ImageID:           get("image_id"),
		SourceURL:         get("url"),
		Priority:          priority,
		Category:          category,
		BatchID:           r.batchID,
		ProcessingOptions: cloneOptions(r.options),
	})
	if err != nil {
		return Row{}, &RowError{Line: line, Reason: err.Error()}
	}
	return Row{Line: line, Job: j, Warnings: warnings}, nil
}

func cloneOptions(o job.ProcessingOptions) job.ProcessingOptions {
	o.ResizeFormats = append([]string(nil), o.ResizeFormats...)
	o.OutputFormats = append([]string(nil), o.OutputFormats...)
	return o
}

type Entry struct {
	JobID     string `json:"job_id"`
	URL       string `json:"url"`
	MessageID string `json:"message_id"`
}

// Report summarises one ingested batch.
type Report struct {
	BatchID       string     `json:"batch_id"`
	TotalRows     int        `json:"total_rows"`
	Published     int        `json:"published"`
	Rejected      int        `json:"rejected"`
	PublishFailed int        `json:"publish_failed"`
	Jobs          []Entry    `json:"jobs"`
	Errors        []RowError `json:"errors,omitempty"`
	Warnings      []string   `json:"warnings,omitempty"`
}

// Submit reads every row of r and publishes the valid ones. Row and publish
// failures are counted in the report; only unreadable input is an error.
func Submit(ctx context.Context, pub queue.Publisher, r io.Reader, batchID string, options job.ProcessingOptions, logger *slog.Logger) (Report, error) {
	reader, err := NewReader(r, batchID, options)
	if err != nil {
		return Report{}, err
	}
	report := Report{BatchID: reader.BatchID(), Jobs: []Entry{}}
	logger = logger.With("batch_id", report.BatchID)

	for {
		row, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		var rowErr *RowError
		if errors.As(err, &rowErr) {
			report.TotalRows++
			report.Rejected++
			report.Errors = append(report.Errors, *rowErr)
			logger.Warn("csv row rejected", "line", rowErr.Line, "reason", rowErr.Reason)
			continue
		}
		if err != nil {
			return report, fmt.Errorf("read csv: %w", err)
		}
		report.TotalRows++
		for _, w := range row.Warnings {
			report.Warnings = append(report.Warnings, fmt.Sprintf("row %d: %s", row.Line, w))
			logger.Warn("csv row warning", "line", row.Line, "warning", w)
		}

		body, err := json.Marshal(row.Job)
		if err != nil {
			return report, fmt.Errorf("encode job %s: %w", row.Job.ID, err)
		}
		msgID, err := pub.Publish(ctx, body)
		if err != nil {
			report.PublishFailed++
			logger.Error("failed to publish job", "job_id", row.Job.ID, "error", err)
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			continue
		}
		report.Published++
		report.Jobs = append(report.Jobs, Entry{JobID: row.Job.ID, URL: row.Job.SourceURL, MessageID: msgID})
	}

	metrics.RecordBatch("published", report.Published)
	metrics.RecordBatch("rejected", report.Rejected)
	metrics.RecordBatch("publish_failed", report.PublishFailed)
	logger.Info("csv batch ingested", "total", report.TotalRows, "published", report.Published,
		"rejected", report.Rejected, "publish_failed", report.PublishFailed)
	return report, nil
}
