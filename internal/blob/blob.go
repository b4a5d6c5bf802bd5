// Package blob stores immutable snapshots under hierarchical string keys. One Store addresses
// one bucket.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by GetObject when the key does not exist.
var ErrNotFound = errors.New("blob not found")

// Store writes and reads whole objects in a single bucket.
type Store interface {
	PutObject(ctx context.Context, key, contentType string, data []byte) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	// Bucket names the destination for logs and errors.
	Bucket() string
}

// SnapshotKey returns {prefix}/{city}/{YYYYMMDDTHHMMSSZ}.json for the UTC instant t.
func SnapshotKey(prefix, city string, t time.Time) string {
	return fmt.Sprintf("%s/%s/%s.json", strings.Trim(prefix, "/"), city, t.UTC().Format("20060102T150405Z"))
}
