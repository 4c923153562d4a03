// Package resume persists the opaque resume blobs transports hand out for
// interrupted downloads, keyed by task id.
package resume

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"transfer-hub/internal/cache"
)

// ErrNotFound is returned by Read when no resume data is stored for a task.
var ErrNotFound = errors.New("resume: no resume data")

// Store reads and writes resume data in a blob bucket.
type Store struct {
	bucket *blob.Bucket
}

// New wraps an open bucket. The store takes ownership of it.
func New(bucket *blob.Bucket) *Store {
	return &Store{bucket: bucket}
}

// OpenDir opens a store backed by a local directory.
func OpenDir(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("resume: create dir %s: %w", dir, err)
	}
	bucket, err := fileblob.OpenBucket(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("resume: open dir %s: %w", dir, err)
	}
	return New(bucket), nil
}

// OpenMemory opens an in-memory store.
func OpenMemory() *Store {
	return New(memblob.OpenBucket(nil))
}

// Open opens a store from a gocloud bucket URL such as "file:///var/cache"
// or "mem://".
func Open(ctx context.Context, url string) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("resume: open %s: %w", url, err)
	}
	return New(bucket), nil
}

// Write stores data for taskID, replacing whatever was there.
func (s *Store) Write(ctx context.Context, taskID string, data []byte) error {
	if err := s.bucket.WriteAll(ctx, cache.ResumeKey(taskID), data, nil); err != nil {
		return fmt.Errorf("resume: write %s: %w", taskID, err)
	}
	return nil
}

// Read returns the stored data for taskID or ErrNotFound.
func (s *Store) Read(ctx context.Context, taskID string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, cache.ResumeKey(taskID))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resume: read %s: %w", taskID, err)
	}
	return data, nil
}

// Delete removes the stored data for taskID. Deleting nothing is not an error.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	err := s.bucket.Delete(ctx, cache.ResumeKey(taskID))
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("resume: delete %s: %w", taskID, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.bucket.Close()
}
