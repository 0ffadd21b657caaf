//go:build gcp

package storagebroker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSBackend serves gs://bucket/<uuid> URIs.
type GCSBackend struct {
	client *storage.Client
}

// NewGCSBackend creates a client from application default credentials.
func NewGCSBackend(ctx context.Context) (*GCSBackend, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSBackend{client: client}, nil
}

func (*GCSBackend) Scheme() string { return "gs" }

func (*GCSBackend) GenerateURI(_ string, uuid, baseURI string) (string, error) {
	return bucketGenerateURI("gs", uuid, baseURI)
}

func (g *GCSBackend) Open(_ context.Context, uri string) (Broker, error) {
	bucket, prefix, err := bucketURI("gs", uri)
	if err != nil {
		return nil, err
	}
	return newObjectBroker(&gcsObjects{bucket: g.client.Bucket(bucket)}, uri, prefix), nil
}

type gcsObjects struct {
	bucket *storage.BucketHandle
}

func (o *gcsObjects) put(ctx context.Context, key string, body io.ReadSeeker, _ int64, meta map[string]string) error {
	w := o.bucket.Object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.Metadata = meta
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed: %w", err)
	}
	return nil
}

func (o *gcsObjects) get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := o.bucket.Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, errNoObject
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", key, err)
	}
	return r, nil
}

func (o *gcsObjects) head(ctx context.Context, key string) (objectInfo, error) {
	attrs, err := o.bucket.Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return objectInfo{}, errNoObject
		}
		return objectInfo{}, fmt.Errorf("gcs attrs error: %w", err)
	}
	return objectInfo{Size: attrs.Size, Meta: attrs.Metadata}, nil
}

func (o *gcsObjects) remove(ctx context.Context, key string) error {
	err := o.bucket.Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete failed for %s: %w", key, err)
	}
	return nil
}

func (o *gcsObjects) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := o.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list failed for %s: %w", prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (o *gcsObjects) close() error { return nil }
