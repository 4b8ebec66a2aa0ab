// Package storage persists small blobs, such as the OAuth credential, either
// on the local filesystem or in a Cloud Storage bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
)

// errNotExist is returned (wrapped) by every backend when a key is absent.
var errNotExist = errors.New("storage: object doesn't exist")

// Store reads and writes blobs by key.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	prefix    string
}

// NewLocal creates a store rooted at a local directory.
func NewLocal(localPath string, logger *slog.Logger) *Store {
	return &Store{
		localPath: localPath,
		logger:    logger,
	}
}

// NewBucket creates a store backed by a Cloud Storage bucket. Object names are
// prefixed with prefix.
func NewBucket(client *storage.Client, bucket, prefix string, logger *slog.Logger) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}
}

// validKey rejects keys that could escape the store root.
func validKey(key string) bool {
	if key == "" || strings.Contains(key, "..") || strings.ContainsAny(key, `/\`) {
		return false
	}
	return true
}

// Location describes where key is stored, for log messages.
func (s *Store) Location(key string) string {
	if s.localPath != "" || s.client == nil {
		return filepath.Join(s.localPath, key)
	}
	return fmt.Sprintf("gs://%s/%s%s", s.bucket, s.prefix, key)
}

// Save writes data under key, replacing any previous value.
func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	if !validKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}
	s.logger.Debug("Saving blob", "key", key, "bytes", len(data))

	// Local filesystem storage
	if s.client == nil {
		if s.localPath != "" {
			if err := os.MkdirAll(s.localPath, 0o700); err != nil {
				return fmt.Errorf("create local storage directory: %w", err)
			}
		}
		filePath := filepath.Join(s.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}

		s.logger.Info("Blob saved to local storage", "path", filePath, "bytes", len(data))
		return nil
	}

	object := s.prefix + key
	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "object", object, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Info("Blob saved", "bucket", s.bucket, "object", object, "bytes", len(data))
	return nil
}

// Load reads the blob stored under key.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	if !validKey(key) {
		return nil, fmt.Errorf("invalid key %q", key)
	}

	if s.client == nil {
		filePath := filepath.Join(s.localPath, key)
		data, err := os.ReadFile(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%s: %w", filePath, errNotExist)
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	object := s.prefix + key
	var data []byte
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(object).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(fmt.Errorf("open %s: %w", object, errNotExist))
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying load operation after error", "attempt", n, "object", object, "error", retryErr)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// Delete removes the blob stored under key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if !validKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}
	s.logger.Debug("Deleting blob", "key", key)

	if s.client == nil {
		filePath := filepath.Join(s.localPath, key)
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		s.logger.Info("Blob deleted from local storage", "path", filePath)
		return nil
	}

	object := s.prefix + key
	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(object).Delete(ctx); deleteErr != nil {
				// Deletion is idempotent
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying delete operation after error", "attempt", n, "object", object, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}

	s.logger.Info("Blob deleted", "bucket", s.bucket, "object", object)
	return nil
}

// IsNotFound checks if an error indicates a key was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, errNotExist)
}
