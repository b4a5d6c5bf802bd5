// Package secret fetches credentials once per process and memoizes them.
package secret

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kjstillabower/smartcity-telemetry/internal/observability"
)

// ErrNotFound is returned by a Fetcher when the named secret does not exist or is empty.
var ErrNotFound = errors.New("secret not found")

// Fetcher retrieves the raw secret string for name.
type Fetcher interface {
	Fetch(ctx context.Context, name string) (string, error)
}

// Value is a parsed secret: a JSON object when the raw string is one, otherwise the string itself
// (unquoted when it was a JSON string literal).
type Value struct {
	Raw    string
	Fields map[string]any
}

// Field returns the string value of key when the secret is a JSON object, or the raw string
// when it is not. Non-string field values are rendered with fmt.
func (v Value) Field(key string) string {
	if v.Fields == nil {
		return strings.TrimSpace(v.Raw)
	}
	f, ok := v.Fields[key]
	if !ok || f == nil {
		return ""
	}
	if s, ok := f.(string); ok {
		return strings.TrimSpace(s)
	}
	return fmt.Sprint(f)
}

// Parse turns a raw secret string into a Value. A JSON object becomes Fields and a JSON string
// literal is unquoted; anything else keeps the raw text.
func Parse(raw string) Value {
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return Value{Raw: raw}
	}
	switch v := decoded.(type) {
	case map[string]any:
		return Value{Raw: raw, Fields: v}
	case string:
		return Value{Raw: v}
	default:
		return Value{Raw: raw}
	}
}

// Cache memoizes parsed secrets for its lifetime. Entries are never refreshed; failed fetches
// are not cached so a later call retries the source.
type Cache struct {
	fetcher Fetcher
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]Value
}

// NewCache returns a Cache over fetcher.
func NewCache(fetcher Fetcher, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{fetcher: fetcher, logger: logger, entries: make(map[string]Value)}
}

// Get returns the cached value for name, fetching it on first use. The lock is held across the
// fetch so concurrent first calls reach the source once.
func (c *Cache) Get(ctx context.Context, name string) (Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.entries[name]; ok {
		return v, nil
	}

	raw, err := c.fetcher.Fetch(ctx, name)
	observability.SecretFetchesTotal.WithLabelValues(observability.StatusLabel(err)).Inc()
	if err != nil {
		return Value{}, fmt.Errorf("fetch secret %q: %w", name, err)
	}
	v := Parse(raw)
	c.entries[name] = v
	c.logger.Debug("secret cached", zap.String("secret_name", name), zap.Bool("json", v.Fields != nil))
	return v, nil
}
