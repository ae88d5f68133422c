// Package transform applies a single task to a downloaded source image.
package transform

import (
	"context"
	"fmt"

	"github.com/imalyk/pixelpipe/internal/failure"
	"github.com/imalyk/pixelpipe/internal/source"
	"github.com/imalyk/pixelpipe/pkg/job"
)

type Output struct {
	Data        []byte
	ContentType string
}

type Transformer interface {
	Apply(ctx context.Context, task job.Task, src source.Source) (Output, error)
}

// Error is a failed conversion. Only unsupported formats are permanent.
type Error struct {
	TaskID      string
	Unsupported bool
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transform %s: %v", e.TaskID, e.Err)
}

func (e *Error) Unwrap() error   { return e.Err }
func (e *Error) Permanent() bool { return e.Unsupported }

func (e *Error) Cause() string {
	if e.Unsupported {
		return failure.CauseUnsupportedFormat
	}
	return failure.CauseTransform
}

// Supported reports whether format can be encoded.
func Supported(format string) bool {
	_, ok := encoders[format]
	return ok
}

type encoder struct {
	codec string
	ext   string
	mime  string
	args  func(quality int) []string
}

var encoders = map[string]encoder{
	"jpeg": {codec: "mjpeg", ext: ".jpg", mime: "image/jpeg", args: jpegArgs},
	"jpg":  {codec: "mjpeg", ext: ".jpg", mime: "image/jpeg", args: jpegArgs},
	"png":  {codec: "png", ext: ".png", mime: "image/png", args: func(int) []string { return nil }},
	"webp": {codec: "libwebp", ext: ".webp", mime: "image/webp", args: func(q int) []string {
		return []string{"-quality", fmt.Sprint(q)}
	}},
}

// jpegArgs maps a 1-100 quality to ffmpeg's 2-31 qscale, lower is better.
func jpegArgs(quality int) []string {
	q := 31 - (quality*29)/100
	if q < 2 {
		q = 2
	}
	return []string{"-pix_fmt", "yuvj420p", "-q:v", fmt.Sprint(q)}
}
