// Package persist writes one ingestion run's outputs: the canonical record to the keyed store
// and, when configured, raw and processed snapshots to blob storage.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/smartcity-telemetry/internal/blob"
	"github.com/kjstillabower/smartcity-telemetry/internal/models"
	"github.com/kjstillabower/smartcity-telemetry/internal/observability"
	"github.com/kjstillabower/smartcity-telemetry/internal/store"
)

// ErrPersistenceFailed matches every PersistenceError.
var ErrPersistenceFailed = errors.New("persistence failed")

// Write targets.
const (
	TargetStore     = "store"
	TargetRaw       = "raw"
	TargetProcessed = "processed"
)

// PersistenceError names the destination that failed.
type PersistenceError struct {
	Target   string
	Location string // table or bucket
	Key      string
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed: %s %s/%s: %v", e.Target, e.Location, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistenceFailed
}

// Gateway fans one record out to its destinations. raw and processed may be nil, which
// disables that snapshot.
type Gateway struct {
	store     store.Store
	raw       blob.Store
	processed blob.Store
	city      string
	logger    *zap.Logger
}

func NewGateway(s store.Store, raw, processed blob.Store, city string, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{store: s, raw: raw, processed: processed, city: city, logger: logger}
}

// Persist writes item (the canonical copy of rec) to the keyed store, then the raw snapshot,
// then rec itself as the processed snapshot. The first failure is returned; writes already made
// are not rolled back.
func (g *Gateway) Persist(ctx context.Context, rec models.Record, item map[string]any, raw models.RawPayloads, now time.Time) error {
	logger := observability.LoggerFromContext(ctx, g.logger)

	err := g.store.Put(ctx, item)
	observability.StoreWritesTotal.WithLabelValues(g.store.Backend(), observability.StatusLabel(err)).Inc()
	if err != nil {
		return &PersistenceError{Target: TargetStore, Location: g.store.Location(), Key: rec.CityID + "/" + rec.Timestamp, Err: err}
	}
	logger.Debug("Record stored",
		zap.String("table", g.store.Location()),
		zap.String("city_id", rec.CityID),
		zap.String("timestamp", rec.Timestamp),
	)

	if err := g.snapshot(ctx, logger, TargetRaw, g.raw, now, raw); err != nil {
		return err
	}
	return g.snapshot(ctx, logger, TargetProcessed, g.processed, now, rec)
}

func (g *Gateway) snapshot(ctx context.Context, logger *zap.Logger, target string, dst blob.Store, now time.Time, v any) error {
	if dst == nil {
		logger.Info("Snapshot destination not configured, skipping", zap.String("target", target))
		return nil
	}
	key := blob.SnapshotKey(target, g.city, now)
	data, err := json.Marshal(v)
	if err == nil {
		err = dst.PutObject(ctx, key, "application/json", data)
	}
	observability.BlobWritesTotal.WithLabelValues(target, observability.StatusLabel(err)).Inc()
	if err != nil {
		return &PersistenceError{Target: target, Location: dst.Bucket(), Key: key, Err: err}
	}
	logger.Debug("Snapshot written", zap.String("target", target), zap.String("bucket", dst.Bucket()), zap.String("key", key))
	return nil
}
