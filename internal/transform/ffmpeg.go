package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/imalyk/pixelpipe/internal/source"
	"github.com/imalyk/pixelpipe/pkg/job"
)

type FFmpegConfig struct {
	FFMPEGPath      string
	FFProbePath     string
	TempDir         string
	ThumbnailWidth  int
	ThumbnailHeight int
	Quality         int
}

// FFmpeg converts images by running the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	cfg FFmpegConfig
}

func NewFFmpeg(cfg FFmpegConfig) (*FFmpeg, error) {
	if cfg.FFMPEGPath == "" {
		cfg.FFMPEGPath = "ffmpeg"
	}
	if cfg.FFProbePath == "" {
		cfg.FFProbePath = "ffprobe"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.ThumbnailWidth <= 0 || cfg.ThumbnailHeight <= 0 {
		cfg.ThumbnailWidth, cfg.ThumbnailHeight = 150, 150
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 85
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return &FFmpeg{cfg: cfg}, nil
}

func (f *FFmpeg) Apply(ctx context.Context, task job.Task, src source.Source) (Output, error) {
	switch task.Kind {
	case job.KindResize:
		return f.scale(ctx, task, src, task.Width, task.Height)
	case job.KindThumbnail:
		return f.scale(ctx, task, src, f.cfg.ThumbnailWidth, f.cfg.ThumbnailHeight)
	case job.KindMetadata:
		return f.metadata(ctx, task, src)
	}
	return Output{}, &Error{TaskID: task.ID, Unsupported: true, Err: fmt.Errorf("unknown task kind %q", task.Kind)}
}

func (f *FFmpeg) scale(ctx context.Context, task job.Task, src source.Source, width, height int) (Output, error) {
	enc, ok := encoders[task.Format]
	if !ok {
		return Output{}, &Error{TaskID: task.ID, Unsupported: true, Err: fmt.Errorf("unsupported output format %q", task.Format)}
	}

	inputPath, cleanupIn, err := f.writeInput(src)
	if err != nil {
		return Output{}, &Error{TaskID: task.ID, Err: err}
	}
	defer cleanupIn()

	out, err := os.CreateTemp(f.cfg.TempDir, "pixelpipe-*-output"+enc.ext)
	if err != nil {
		return Output{}, &Error{TaskID: task.ID, Err: fmt.Errorf("prepare output: %w", err)}
	}
	outputPath := out.Name()
	out.Close()
	defer os.Remove(outputPath)

	args := scaleArgs(inputPath, outputPath, width, height, enc, f.cfg.Quality)
	if err := f.run(ctx, f.cfg.FFMPEGPath, args); err != nil {
		return Output{}, &Error{TaskID: task.ID, Err: err}
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		return Output{}, &Error{TaskID: task.ID, Err: fmt.Errorf("read output: %w", err)}
	}
	if len(data) == 0 {
		return Output{}, &Error{TaskID: task.ID, Err: errors.New("ffmpeg produced an empty file")}
	}
	return Output{Data: data, ContentType: enc.mime}, nil
}

func scaleArgs(inputPath, outputPath string, width, height int, enc encoder, quality int) []string {
	args := []string{
		"-y",
		"-v", "error",
		"-i", inputPath,
		"-vf", fmt.Sprintf("scale=w=%d:h=%d:force_original_aspect_ratio=decrease", width, height),
		"-frames:v", "1",
		"-c:v", enc.codec,
	}
	args = append(args, enc.args(quality)...)
	return append(args, outputPath)
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		PixFmt    string `json:"pix_fmt"`
	} `json:"streams"`
	Format struct {
		FormatName string            `json:"format_name"`
		Tags       map[string]string `json:"tags"`
	} `json:"format"`
}

// Metadata is the document stored for a metadata task.
type Metadata struct {
	Source struct {
		URL           string    `json:"url"`
		ContentType   string    `json:"content_type"`
		ContentLength int       `json:"content_length"`
		SHA256        string    `json:"sha256"`
		FetchedAt     time.Time `json:"fetched_at"`
	} `json:"source"`
	Format          string            `json:"format,omitempty"`
	Codec           string            `json:"codec,omitempty"`
	Width           int               `json:"width,omitempty"`
	Height          int               `json:"height,omitempty"`
	PixelFormat     string            `json:"pixel_format,omitempty"`
	HasTransparency bool              `json:"has_transparency"`
	Tags            map[string]string `json:"tags,omitempty"`
}

func (f *FFmpeg) metadata(ctx context.Context, task job.Task, src source.Source) (Output, error) {
	inputPath, cleanup, err := f.writeInput(src)
	if err != nil {
		return Output{}, &Error{TaskID: task.ID, Err: err}
	}
	defer cleanup()

	cmd := exec.CommandContext(ctx, f.cfg.FFProbePath, "-v", "error", "-show_format", "-show_streams", "-of", "json", inputPath)
	raw, err := cmd.Output()
	if err != nil {
		return Output{}, &Error{TaskID: task.ID, Err: fmt.Errorf("ffprobe: %w", err)}
	}
	doc, err := buildMetadata(raw, src)
	if err != nil {
		return Output{}, &Error{TaskID: task.ID, Err: err}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return Output{}, &Error{TaskID: task.ID, Err: err}
	}
	return Output{Data: data, ContentType: "application/json"}, nil
}

func buildMetadata(probe []byte, src source.Source) (Metadata, error) {
	var out probeOutput
	if err := json.Unmarshal(probe, &out); err != nil {
		return Metadata{}, fmt.Errorf("decode ffprobe output: %w", err)
	}

	var doc Metadata
	doc.Source.URL = src.URL
	doc.Source.ContentType = src.ContentType
	doc.Source.ContentLength = len(src.Data)
	doc.Source.SHA256 = src.SHA256
	doc.Source.FetchedAt = src.FetchedAt
	doc.Format = out.Format.FormatName
	doc.Tags = out.Format.Tags

	for _, s := range out.Streams {
		if s.CodecType != "" && s.CodecType != "video" {
			continue
		}
		doc.Codec = s.CodecName
		doc.Width = s.Width
		doc.Height = s.Height
		doc.PixelFormat = s.PixFmt
		doc.HasTransparency = hasAlpha(s.PixFmt)
		break
	}
	return doc, nil
}

func hasAlpha(pixFmt string) bool {
	return strings.HasPrefix(pixFmt, "rgba") || strings.HasPrefix(pixFmt, "bgra") ||
		strings.HasPrefix(pixFmt, "argb") || strings.HasPrefix(pixFmt, "abgr") ||
		strings.HasPrefix(pixFmt, "yuva") || strings.HasPrefix(pixFmt, "ya") ||
		strings.HasPrefix(pixFmt, "pal8")
}

func (f *FFmpeg) writeInput(src source.Source) (string, func(), error) {
	in, err := os.CreateTemp(f.cfg.TempDir, "pixelpipe-*-input")
	if err != nil {
		return "", nil, fmt.Errorf("create input: %w", err)
	}
	path := in.Name()
	cleanup := func() { os.Remove(path) }
	if _, err := in.Write(src.Data); err != nil {
		in.Close()
		cleanup()
		return "", nil, fmt.Errorf("write input: %w", err)
	}
	if err := in.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close input: %w", err)
	}
	return path, cleanup, nil
}

func (f *FFmpeg) run(ctx context.Context, bin string, args []string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg execution: %w - %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
