// Package source downloads job source images and classifies download
// failures as transient or permanent.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	"github.com/imalyk/pixelpipe/internal/failure"
)

// Source is a downloaded image shared read-only by the tasks of one job.
type Source struct {
	URL         string
	Data        []byte
	ContentType string
	SHA256      string
	FetchedAt   time.Time
}

func newSource(rawURL string, data []byte, contentType string) Source {
	sum := sha256.Sum256(data)
	return Source{
		URL:         rawURL,
		Data:        data,
		ContentType: contentType,
		SHA256:      hex.EncodeToString(sum[:]),
		FetchedAt:   time.Now().UTC(),
	}
}

type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Source, error)
}

// FetchError reports a failed download. Transient errors (timeouts, network
// failures, 5xx, 429) may succeed on redelivery; permanent ones never will.
type FetchError struct {
	URL        string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s (%s, status %d): %v", e.URL, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.URL, kind, e.Err)
}

func (e *FetchError) Unwrap() error   { return e.Err }
func (e *FetchError) Permanent() bool { return !e.Transient }
func (e *FetchError) Cause() string   { return failure.CauseFetch }

// Router dispatches on the URL scheme.
type Router struct {
	byScheme map[string]Fetcher
}

func NewRouter() *Router {
	return &Router{byScheme: make(map[string]Fetcher)}
}

// Handle registers f for the given URL schemes.
func (r *Router) Handle(f Fetcher, schemes ...string) *Router {
	for _, s := range schemes {
		r.byScheme[s] = f
	}
	return r
}

func (r *Router) Fetch(ctx context.Context, rawURL string) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Source{}, &FetchError{URL: rawURL, Err: err}
	}
	f, ok := r.byScheme[u.Scheme]
	if !ok {
		return Source{}, &FetchError{URL: rawURL, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	return f.Fetch(ctx, rawURL)
}
