package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned when a key does not exist in the bucket.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage defines the object operations the file tracker needs.
// MinIO backs it in production; MemoryStorage serves single-box mode and tests.
type ObjectStorage interface {
	// GetObject opens a reader for an object. Caller must close it.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)

	// PutObject uploads sizeBytes read from reader. A negative size streams
	// until EOF.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error

	// StatObject returns size and ETag for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)

	// RemoveObjects deletes keys; missing keys are not an error.
	RemoveObjects(ctx context.Context, bucket string, keys []string) error

	// PresignGet returns a URL a remote worker can download the object from.
	PresignGet(ctx context.Context, bucket, objectKey string, ttl time.Duration) (string, error)
}

// ObjectStat contains object metadata.
type ObjectStat struct {
	SizeBytes    int64
	ETag         string
	ContentType  string
	LastModified time.Time
}
