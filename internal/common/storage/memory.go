package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"
)

type memoryObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// MemoryStorage keeps objects in process memory.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

// NewMemoryStorage creates an empty store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string]memoryObject)}
}

func memoryKey(bucket, objectKey string) string {
	return bucket + "/" + objectKey
}

func (s *MemoryStorage) GetObject(_ context.Context, bucket, objectKey string) (io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objects[memoryKey(bucket, objectKey)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, objectKey)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MemoryStorage) PutObject(_ context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error {
	if reader == nil {
		return fmt.Errorf("reader is nil")
	}
	if sizeBytes >= 0 {
		reader = io.LimitReader(reader, sizeBytes)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read object body failed: %w", err)
	}
	s.mu.Lock()
	s.objects[memoryKey(bucket, objectKey)] = memoryObject{data: data, contentType: contentType, modified: time.Now()}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) StatObject(_ context.Context, bucket, objectKey string) (ObjectStat, error) {
	s.mu.RLock()
	obj, ok := s.objects[memoryKey(bucket, objectKey)]
	s.mu.RUnlock()
	if !ok {
		return ObjectStat{}, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, objectKey)
	}
	sum := md5.Sum(obj.data)
	return ObjectStat{
		SizeBytes:    int64(len(obj.data)),
		ETag:         hex.EncodeToString(sum[:]),
		ContentType:  obj.contentType,
		LastModified: obj.modified,
	}, nil
}

func (s *MemoryStorage) RemoveObjects(_ context.Context, bucket string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.objects, memoryKey(bucket, key))
	}
	return nil
}

func (s *MemoryStorage) PresignGet(_ context.Context, bucket, objectKey string, _ time.Duration) (string, error) {
	return "mem://" + bucket + "/" + url.PathEscape(objectKey), nil
}

var _ ObjectStorage = (*MemoryStorage)(nil)
