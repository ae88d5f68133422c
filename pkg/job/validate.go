package job

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/imalyk/pixelpipe/internal/failure"
)

var (
	DefaultResizeFormats = []string{"800x600", "400x300"}
	DefaultOutputFormats = []string{"jpeg", "webp"}

	sizePattern   = regexp.MustCompile(`^\d+x\d+$`)
	formatPattern = regexp.MustCompile(`^[a-z0-9]+$`)
)

// ValidationError reports why an inbound job was rejected. It is permanent:
// a malformed job never becomes valid on redelivery.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid job: " + e.Reason
	}
	return fmt.Sprintf("invalid job: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Permanent() bool { return true }
func (e *ValidationError) Cause() string   { return failure.CauseValidation }

type rawJob struct {
	JobID             string             `json:"job_id"`
	ImageID           string             `json:"image_id"`
	SourceURL         string             `json:"source_url"`
	URL               string             `json:"url"`
	Priority          string             `json:"priority"`
	Category          string             `json:"category"`
	BatchID           string             `json:"batch_id"`
	ProcessingOptions *ProcessingOptions `json:"processing_options"`
}

// Validate decodes an inbound payload and returns the canonical Job.
func Validate(raw []byte) (Job, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Job{}, &ValidationError{Reason: "payload must be a JSON object"}
	}

	var in rawJob
	if err := json.Unmarshal(trimmed, &in); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return Job{}, &ValidationError{Field: typeErr.Field, Reason: "expected " + typeErr.Type.String()}
		}
		return Job{}, &ValidationError{Reason: "malformed JSON: " + err.Error()}
	}

	source := in.SourceURL
	if source == "" {
		source = in.URL
	}
	j := Job{
		ID:        in.JobID,
		ImageID:   in.ImageID,
		SourceURL: source,
		Priority:  Priority(in.Priority),
		Category:  in.Category,
		BatchID:   in.BatchID,
	}
	if in.ProcessingOptions != nil {
		j.ProcessingOptions = *in.ProcessingOptions
	}
	return Normalize(j)
}

// Normalize validates an already decoded job and applies defaults. On error
// the zero Job is returned.
func Normalize(j Job) (Job, error) {
	out := Job{
		ID:       strings.TrimSpace(j.ID),
		ImageID:  strings.TrimSpace(j.ImageID),
		Category: strings.TrimSpace(j.Category),
		BatchID:  strings.TrimSpace(j.BatchID),
	}
	if out.ID == "" {
		return Job{}, &ValidationError{Field: "job_id", Reason: "required"}
	}
	if out.ImageID == "" {
		return Job{}, &ValidationError{Field: "image_id", Reason: "required"}
	}

	src := strings.TrimSpace(j.SourceURL)
	if src == "" {
		return Job{}, &ValidationError{Field: "source_url", Reason: "required"}
	}
	u, err := url.Parse(src)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return Job{}, &ValidationError{Field: "source_url", Reason: fmt.Sprintf("not a well-formed URI: %q", src)}
	}
	out.SourceURL = src

	switch p := Priority(strings.ToLower(strings.TrimSpace(string(j.Priority)))); p {
	case "":
		out.Priority = PriorityMedium
	case PriorityLow, PriorityMedium, PriorityHigh:
		out.Priority = p
	default:
		return Job{}, &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", j.Priority)}
	}

	opts := j.ProcessingOptions
	sizes, err := normalizeSizes(opts.ResizeFormats)
	if err != nil {
		return Job{}, err
	}
	formats, err := normalizeFormats(opts.OutputFormats)
	if err != nil {
		return Job{}, err
	}
	thumb, meta := opts.Thumbnail(), opts.Metadata()
	out.ProcessingOptions = ProcessingOptions{
		CreateThumbnail: &thumb,
		ExtractMetadata: &meta,
		ArchiveOriginal: opts.ArchiveOriginal,
		ResizeFormats:   sizes,
		OutputFormats:   formats,
	}
	return out, nil
}

// ParseSize splits a WIDTHxHEIGHT token.
func ParseSize(token string) (int, int, error) {
	if !sizePattern.MatchString(token) {
		return 0, 0, fmt.Errorf("malformed size %q, expected WIDTHxHEIGHT", token)
	}
	w, h, _ := strings.Cut(token, "x")
	width, err := strconv.Atoi(w)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid width in %q", token)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid height in %q", token)
	}
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("size %q must have positive dimensions", token)
	}
	return width, height, nil
}

func normalizeSizes(in []string) ([]string, error) {
	if len(in) == 0 {
		in = DefaultResizeFormats
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if _, _, err := ParseSize(s); err != nil {
			return nil, &ValidationError{Field: "processing_options.resize_formats", Reason: err.Error()}
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func normalizeFormats(in []string) ([]string, error) {
	if len(in) == 0 {
		in = DefaultOutputFormats
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, f := range in {
		f = strings.ToLower(strings.TrimSpace(f))
		if !formatPattern.MatchString(f) {
			return nil, &ValidationError{Field: "processing_options.output_formats", Reason: fmt.Sprintf("malformed format %q", f)}
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}
