package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

type HTTPOptions struct {
	Timeout   time.Duration
	MaxBytes  int64
	UserAgent string
}

// HTTP downloads http(s) sources.
type HTTP struct {
	client *http.Client
	opts   HTTPOptions
}

func NewHTTP(opts HTTPOptions) *HTTP {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 50 << 20
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "pixelpipe/1.0"
	}
	return &HTTP{client: &http.Client{Timeout: opts.Timeout}, opts: opts}
}

func (h *HTTP) Fetch(ctx context.Context, rawURL string) (Source, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Source{}, &FetchError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", h.opts.UserAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := h.client.Do(req)
	if err != nil {
		return Source{}, &FetchError{URL: rawURL, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Source{}, &FetchError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Transient:  retryableStatus(resp.StatusCode),
			Err:        errors.New(http.StatusText(resp.StatusCode)),
		}
	}

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if !strings.HasPrefix(mediaType, "image/") {
		return Source{}, &FetchError{URL: rawURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("invalid content type %q", contentType)}
	}
	if resp.ContentLength > h.opts.MaxBytes {
		return Source{}, &FetchError{URL: rawURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("image too large: %d bytes", resp.ContentLength)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.opts.MaxBytes+1))
	if err != nil {
		return Source{}, &FetchError{URL: rawURL, Transient: true, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(data)) > h.opts.MaxBytes {
		return Source{}, &FetchError{URL: rawURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("image larger than %d bytes", h.opts.MaxBytes)}
	}
	return newSource(rawURL, data, mediaType), nil
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}
