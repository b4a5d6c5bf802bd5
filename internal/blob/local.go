package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore writes objects under baseDir/bucket on the local filesystem. Used for development
// and for running the batch importer against exported files.
type LocalStore struct {
	root   string
	bucket string
}

// NewLocalStore creates the bucket directory if needed and checks it is writable.
func NewLocalStore(baseDir, bucket string) (*LocalStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	root := filepath.Join(baseDir, bucket)

	info, err := os.Stat(root)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(root, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create bucket directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat bucket directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("bucket path %s is not a directory", root)
	}

	probe := filepath.Join(root, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("bucket directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}
	return &LocalStore{root: root, bucket: bucket}, nil
}

func (s *LocalStore) Bucket() string { return s.bucket }

func (s *LocalStore) PutObject(_ context.Context, key, _ string, data []byte) error {
	fullPath, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func (s *LocalStore) GetObject(_ context.Context, key string) ([]byte, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", s.bucket, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// resolve maps key into the bucket directory and rejects keys that escape it.
func (s *LocalStore) resolve(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	fullPath := filepath.Clean(filepath.Join(s.root, key))
	if !strings.HasPrefix(fullPath, filepath.Clean(s.root)+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}
