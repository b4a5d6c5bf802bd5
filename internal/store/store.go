// Package store persists canonical records in a keyed store addressed by (city_id, timestamp)
// and reads them back newest first.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/apd/v3"

	"github.com/kjstillabower/smartcity-telemetry/internal/canonical"
	"github.com/kjstillabower/smartcity-telemetry/internal/models"
)

// ErrInvalidItem is returned when an item lacks a string city_id or timestamp.
var ErrInvalidItem = errors.New("invalid item")

// Store is a keyed store of canonical records.
type Store interface {
	// Put writes item unconditionally under its (city_id, timestamp) key; last write wins.
	// item is the output of canonical.Map.
	Put(ctx context.Context, item map[string]any) error
	// Latest returns up to limit records for city, newest first.
	Latest(ctx context.Context, city string, limit int) ([]models.Record, error)
	// Backend is the metric label of the implementation.
	Backend() string
	// Location names the table for logs and errors.
	Location() string
}

func itemKey(item map[string]any) (city, ts string, err error) {
	city, _ = item["city_id"].(string)
	ts, _ = item["timestamp"].(string)
	if city == "" || ts == "" {
		return "", "", fmt.Errorf("%w: city_id and timestamp are required", ErrInvalidItem)
	}
	return city, ts, nil
}

// intField reads an integral canonical number.
func intField(item map[string]any, key string) (int64, bool) {
	switch v := item[key].(type) {
	case *apd.Decimal:
		n, err := v.Int64()
		return n, err == nil
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// recordFromItem converts a canonical document back into a Record through its JSON form.
func recordFromItem(item map[string]any) (models.Record, error) {
	data, err := json.Marshal(canonical.JSONable(item))
	if err != nil {
		return models.Record{}, fmt.Errorf("encode item: %w", err)
	}
	return decodeRecord(data)
}

func decodeRecord(data []byte) (models.Record, error) {
	var rec models.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return models.Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}
