package job

import "strings"

type TaskKind string

const (
	KindResize    TaskKind = "resize"
	KindThumbnail TaskKind = "thumbnail"
	KindMetadata  TaskKind = "metadata"
	KindOriginal  TaskKind = "original"
)

const (
	thumbnailSize = "*"
	noValue       = "-"
)

// Task is one indivisible unit of work derived from a Job.
type Task struct {
	ID     string   `json:"task_id"`
	JobID  string   `json:"job_id"`
	Kind   TaskKind `json:"kind"`
	Size   string   `json:"size"`
	Format string   `json:"format"`
	Width  int      `json:"width,omitempty"`
	Height int      `json:"height,omitempty"`
}

// TaskID builds the deterministic identifier {job_id}:{kind}:{size}:{format}.
func TaskID(jobID string, kind TaskKind, size, format string) string {
	return strings.Join([]string{jobID, string(kind), size, format}, ":")
}

// Plan expands a job into its ordered task list: every size x format resize,
// then one thumbnail per output format, then the metadata task and the
// archived original when requested. The order is stable for equal jobs.
func Plan(j Job) ([]Task, error) {
	n, err := Normalize(j)
	if err != nil {
		return nil, err
	}
	opts := n.ProcessingOptions

	tasks := make([]Task, 0, len(opts.ResizeFormats)*len(opts.OutputFormats)+len(opts.OutputFormats)+2)
	for _, size := range opts.ResizeFormats {
		w, h, _ := ParseSize(size)
		for _, format := range opts.OutputFormats {
			tasks = append(tasks, Task{
				ID:     TaskID(n.ID, KindResize, size, format),
				JobID:  n.ID,
				Kind:   KindResize,
				Size:   size,
				Format: format,
				Width:  w,
				Height: h,
			})
		}
	}
	if opts.Thumbnail() {
		for _, format := range opts.OutputFormats {
			tasks = append(tasks, Task{
				ID:     TaskID(n.ID, KindThumbnail, thumbnailSize, format),
				JobID:  n.ID,
				Kind:   KindThumbnail,
				Size:   thumbnailSize,
				Format: format,
			})
		}
	}
	if opts.Metadata() {
		tasks = append(tasks, Task{
			ID:     TaskID(n.ID, KindMetadata, noValue, noValue),
			JobID:  n.ID,
			Kind:   KindMetadata,
			Size:   noValue,
			Format: noValue,
		})
	}
	if opts.ArchiveOriginal {
		tasks = append(tasks, Task{
			ID:     TaskID(n.ID, KindOriginal, noValue, noValue),
			JobID:  n.ID,
			Kind:   KindOriginal,
			Size:   noValue,
			Format: noValue,
		})
	}
	return tasks, nil
}
