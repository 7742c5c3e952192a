package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
)

// ObjectFetcher opens a remote object for reading.
type ObjectFetcher interface {
	Open(ctx context.Context, bucket, object string) (io.ReadCloser, error)
}

// GCSFetcher reads objects from Google Cloud Storage using application
// default credentials.
type GCSFetcher struct {
	client *storage.Client
}

// NewGCSFetcher creates a storage client.
func NewGCSFetcher(ctx context.Context) (*GCSFetcher, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSFetcher{client: client}, nil
}

// Open returns a reader for gs://bucket/object.
func (f *GCSFetcher) Open(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	r, err := f.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open GCS object reader: %w", err)
	}
	return r, nil
}

// Close releases the storage client.
func (f *GCSFetcher) Close() error {
	return f.client.Close()
}

// Open resolves a source URI: "-" is stdin, gs://bucket/object goes through
// fetcher, anything else is a local path.
func Open(ctx context.Context, uri string, fetcher ObjectFetcher) (io.ReadCloser, error) {
	switch {
	case uri == "-":
		return io.NopCloser(os.Stdin), nil
	case strings.HasPrefix(uri, "gs://"):
		bucket, object, ok := strings.Cut(strings.TrimPrefix(uri, "gs://"), "/")
		if !ok || bucket == "" || object == "" {
			return nil, fmt.Errorf("invalid gcs uri %q: want gs://bucket/object", uri)
		}
		if fetcher == nil {
			return nil, fmt.Errorf("no object fetcher configured for %q", uri)
		}
		return fetcher.Open(ctx, bucket, object)
	}

	f, err := os.Open(uri)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	return f, nil
}

// NewStream picks a record stream from the source name: .jsonl and .ndjson
// are JSON lines, everything else is CSV.
func NewStream(name string, r io.Reader) RecordStream {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jsonl", ".ndjson":
		return NewJSONLinesStream(r)
	}
	return NewCSVStream(r)
}
