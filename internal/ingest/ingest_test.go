package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/imalyk/pixelpipe/pkg/job"
)

type recordingPublisher struct {
	bodies [][]byte
	failOn int
}

func (p *recordingPublisher) Publish(_ context.Context, body []byte) (string, error) {
	if p.failOn > 0 && len(p.bodies)+1 == p.failOn {
		p.failOn = 0
		return "", errors.New("broker unavailable")
	}
	p.bodies = append(p.bodies, body)
	return "msg", nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const batchCSV = `image_id,url,priority,category
img_001,https://example.com/a.jpg,high,landscape
img_002,https://example.com/b.jpg,URGENT,portrait
,https://example.com/c.jpg,low,nature
img_004,not a url,low,nature
img_005,https://example.com/e.jpg,,
`

func TestReaderRows(t *testing.T) {
	r, err := NewReader(strings.NewReader(batchCSV), "batch", job.ProcessingOptions{})
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	row, err := r.Next()
	if err != nil {
		t.Fatalf("row 1: %v", err)
	}
	if row.Job.ID != "batch_001" || row.Job.Priority != job.PriorityHigh || row.Job.BatchID != "batch" {
		t.Fatalf("row 1 job = %+v", row.Job)
	}
	if len(row.Job.ProcessingOptions.ResizeFormats) != 2 {
		t.Fatalf("defaults not applied: %+v", row.Job.ProcessingOptions)
	}

	row, err = r.Next()
	if err != nil {
		t.Fatalf("row 2: %v", err)
	}
	if row.Job.Priority != job.PriorityMedium || len(row.Warnings) != 1 {
		t.Fatalf("invalid priority not downgraded: %+v", row)
	}

	for _, line := range []int{3, 4} {
		_, err = r.Next()
		var rowErr *RowError
		if !errors.As(err, &rowErr) || rowErr.Line != line {
			t.Fatalf("expected RowError for line %d, got %v", line, err)
		}
	}

	row, err = r.Next()
	if err != nil {
		t.Fatalf("row 5: %v", err)
	}
	if row.Job.Category != "unknown" || row.Job.Priority != job.PriorityMedium {
		t.Fatalf("row 5 job = %+v", row.Job)
	}

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReaderHeaderAliasesAndJobID(t *testing.T) {
	in := "ID,Source_URL,job_id\nimg,https://x/a.png,custom-id\n"
	r, err := NewReader(strings.NewReader(in), "b", job.ProcessingOptions{OutputFormats: []string{"PNG"}})
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	row, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if row.Job.ID != "custom-id" || row.Job.ImageID != "img" {
		t.Fatalf("job = %+v", row.Job)
	}
	if got := row.Job.ProcessingOptions.OutputFormats; len(got) != 1 || got[0] != "png" {
		t.Fatalf("output formats = %v", got)
	}
}

func TestReaderRejectsMissingColumns(t *testing.T) {
	if _, err := NewReader(strings.NewReader("image_id,priority\na,high\n"), "", job.ProcessingOptions{}); err == nil {
		t.Fatalf("expected error for missing url column")
	}
	if _, err := NewReader(strings.NewReader(""), "", job.ProcessingOptions{}); err == nil {
		t.Fatalf("expected error for empty csv")
	}
}

func TestSubmitReport(t *testing.T) {
	pub := &recordingPublisher{failOn: 3}
	report, err := Submit(context.Background(), pub, strings.NewReader(batchCSV), "batch", job.ProcessingOptions{}, testLogger())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if report.TotalRows != 5 || report.Published != 2 || report.Rejected != 2 || report.PublishFailed != 1 {
		t.Fatalf("report = %+v", report)
	}
	if len(report.Warnings) != 1 || len(report.Errors) != 2 {
		t.Fatalf("warnings = %v, errors = %v", report.Warnings, report.Errors)
	}

	got, err := job.Validate(pub.bodies[0])
	if err != nil {
		t.Fatalf("published body does not validate: %v", err)
	}
	if got.ID != "batch_001" || got.SourceURL != "https://example.com/a.jpg" {
		t.Fatalf("published job = %+v", got)
	}

	var raw map[string]any
	if err := json.Unmarshal(pub.bodies[1], &raw); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if raw["batch_id"] != "batch" {
		t.Fatalf("batch_id missing from body: %v", raw)
	}
}

func TestSubmitGeneratesBatchID(t *testing.T) {
	report, err := Submit(context.Background(), &recordingPublisher{}, strings.NewReader("image_id,url\na,https://x/a.jpg\n"), "", job.ProcessingOptions{}, testLogger())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if report.BatchID == "" || report.Jobs[0].JobID != report.BatchID+"_001" {
		t.Fatalf("report = %+v", report)
	}
}
