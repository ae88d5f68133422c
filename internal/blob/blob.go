// Package blob persists task outputs. Object keys are derived from task ids,
// so putting the same task twice overwrites the earlier output.
package blob

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/imalyk/pixelpipe/internal/failure"
)

type Store interface {
	Put(ctx context.Context, taskID string, data []byte, contentType string) (string, error)
}

// PersistenceError is a failed storage write. Writes are retried by
// redelivering the job, so it is always transient.
type PersistenceError struct {
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error   { return e.Err }
func (e *PersistenceError) Permanent() bool { return false }
func (e *PersistenceError) Cause() string   { return failure.CausePersistence }

// ObjectKey maps {job_id}:{kind}:{size}:{format} to a storage path:
// resize outputs to {job}/resize/{size}.{format}, thumbnails to
// {job}/thumbnail.{format}, metadata to {job}/metadata.json and the archived
// source image to {job}/original.
func ObjectKey(taskID string) string {
	parts := strings.Split(taskID, ":")
	if len(parts) < 4 {
		return "misc/" + url.PathEscape(taskID)
	}
	n := len(parts)
	jobID := url.PathEscape(strings.Join(parts[:n-3], ":"))
	kind, size, format := parts[n-3], parts[n-2], parts[n-1]
	switch kind {
	case "resize":
		return fmt.Sprintf("%s/resize/%s.%s", jobID, size, format)
	case "thumbnail":
		return fmt.Sprintf("%s/thumbnail.%s", jobID, format)
	case "metadata":
		return jobID + "/metadata.json"
	case "original":
		return jobID + "/original"
	}
	return fmt.Sprintf("%s/%s/%s.%s", jobID, url.PathEscape(kind), url.PathEscape(size), url.PathEscape(format))
}

// ContentType returns the MIME type for an output format.
func ContentType(format string) string {
	switch strings.ToLower(format) {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	case "json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
