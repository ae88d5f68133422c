package source

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
)

// S3 reads s3://bucket/key sources from the object store.
type S3 struct {
	client   *minio.Client
	maxBytes int64
}

func NewS3(client *minio.Client, maxBytes int64) *S3 {
	if maxBytes <= 0 {
		maxBytes = 50 << 20
	}
	return &S3{client: client, maxBytes: maxBytes}
}

func (s *S3) Fetch(ctx context.Context, rawURL string) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Source{}, &FetchError{URL: rawURL, Err: err}
	}
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return Source{}, &FetchError{URL: rawURL, Err: fmt.Errorf("expected s3://bucket/key")}
	}

	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return Source{}, classifyS3(rawURL, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return Source{}, classifyS3(rawURL, err)
	}
	if info.Size > s.maxBytes {
		return Source{}, &FetchError{URL: rawURL, Err: fmt.Errorf("image too large: %d bytes", info.Size)}
	}
	data, err := io.ReadAll(io.LimitReader(obj, s.maxBytes+1))
	if err != nil {
		return Source{}, classifyS3(rawURL, err)
	}
	contentType := info.ContentType
	if !strings.HasPrefix(contentType, "image/") {
		return Source{}, &FetchError{URL: rawURL, Err: fmt.Errorf("invalid content type %q", contentType)}
	}
	return newSource(rawURL, data, contentType), nil
}

func classifyS3(rawURL string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "AccessDenied", "InvalidBucketName":
		return &FetchError{URL: rawURL, StatusCode: resp.StatusCode, Err: err}
	}
	return &FetchError{URL: rawURL, StatusCode: resp.StatusCode, Transient: true, Err: err}
}
