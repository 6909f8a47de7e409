// Package filetracker stores job files (sources, binaries, test data) in
// object storage under path-like identifiers such as /submissions/12.cpp.
package filetracker

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"ojeval/internal/common/storage"
	appErr "ojeval/pkg/errors"
)

// FileInfo describes a stored file.
type FileInfo struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Digest string `json:"digest"`
}

// Client maps file paths to objects in one bucket.
type Client struct {
	storage    storage.ObjectStorage
	bucket     string
	presignTTL time.Duration
}

// NewClient creates a client on bucket.
func NewClient(store storage.ObjectStorage, bucket string, presignTTL time.Duration) (*Client, error) {
	if store == nil {
		return nil, fmt.Errorf("object storage is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if presignTTL <= 0 {
		presignTTL = time.Hour
	}
	return &Client{storage: store, bucket: bucket, presignTTL: presignTTL}, nil
}

func objectKey(path string) (string, error) {
	key := strings.TrimPrefix(path, "/")
	if key == "" || strings.Contains(key, "..") {
		return "", appErr.ValidationError("path", "invalid file path")
	}
	return key, nil
}

// Put uploads size bytes from r to path and returns its BLAKE3 digest.
func (c *Client) Put(ctx context.Context, path string, r io.Reader, size int64) (FileInfo, error) {
	key, err := objectKey(path)
	if err != nil {
		return FileInfo{}, err
	}
	hasher := blake3.New()
	counter := &countingWriter{}
	body := io.TeeReader(r, io.MultiWriter(hasher, counter))
	if err := c.storage.PutObject(ctx, c.bucket, key, body, size, "application/octet-stream"); err != nil {
		return FileInfo{}, appErr.Wrapf(err, appErr.StorageError, "put %s", path)
	}
	return FileInfo{Path: path, Size: counter.n, Digest: hex.EncodeToString(hasher.Sum(nil))}, nil
}

// PutBytes uploads data to path.
func (c *Client) PutBytes(ctx context.Context, path string, data []byte) (FileInfo, error) {
	return c.Put(ctx, path, bytes.NewReader(data), int64(len(data)))
}

// Get opens path for reading. The caller must close the reader.
func (c *Client) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	key, err := objectKey(path)
	if err != nil {
		return nil, err
	}
	rc, err := c.storage.GetObject(ctx, c.bucket, key)
	if err != nil {
		return nil, mapStorageError(err, path)
	}
	return rc, nil
}

// ReadAll returns the content of path.
func (c *Client) ReadAll(ctx context.Context, path string) ([]byte, error) {
	rc, err := c.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Stat returns object metadata of path.
func (c *Client) Stat(ctx context.Context, path string) (storage.ObjectStat, error) {
	key, err := objectKey(path)
	if err != nil {
		return storage.ObjectStat{}, err
	}
	stat, err := c.storage.StatObject(ctx, c.bucket, key)
	if err != nil {
		return storage.ObjectStat{}, mapStorageError(err, path)
	}
	return stat, nil
}

// Delete removes paths; missing files are ignored.
func (c *Client) Delete(ctx context.Context, paths ...string) error {
	keys := make([]string, 0, len(paths))
	for _, path := range paths {
		key, err := objectKey(path)
		if err != nil {
			return err
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.storage.RemoveObjects(ctx, c.bucket, keys); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "delete files")
	}
	return nil
}

// URL returns a time-limited download URL for remote workers.
func (c *Client) URL(ctx context.Context, path string) (string, error) {
	key, err := objectKey(path)
	if err != nil {
		return "", err
	}
	url, err := c.storage.PresignGet(ctx, c.bucket, key, c.presignTTL)
	if err != nil {
		return "", mapStorageError(err, path)
	}
	return url, nil
}

func mapStorageError(err error, path string) error {
	if errors.Is(err, storage.ErrObjectNotFound) {
		return appErr.Wrapf(err, appErr.ObjectNotFound, "file %s not found", path)
	}
	return appErr.Wrapf(err, appErr.StorageError, "access %s", path)
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}
