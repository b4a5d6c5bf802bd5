package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/smartcity-telemetry/internal/blob"
	"github.com/kjstillabower/smartcity-telemetry/internal/canonical"
	"github.com/kjstillabower/smartcity-telemetry/internal/models"
	"github.com/kjstillabower/smartcity-telemetry/internal/normalize"
	"github.com/kjstillabower/smartcity-telemetry/internal/observability"
	"github.com/kjstillabower/smartcity-telemetry/internal/persist"
	"github.com/kjstillabower/smartcity-telemetry/internal/store"
)

// BatchResult summarizes one import.
type BatchResult struct {
	Status   string `json:"status"`
	Read     int    `json:"read"`
	Written  int    `json:"written"`
	Rejected int    `json:"rejected"`
	Message  string `json:"message,omitempty"`
}

// BatchConfig locates the batch input and exports in the raw bucket.
type BatchConfig struct {
	SourceKey string
	OutputKey string
	LatestKey string // empty disables the latest-record export
}

// BatchImporter loads historical CSV exports through the Field Normalizer into the keyed store.
type BatchImporter struct {
	cfg        BatchConfig
	normalizer *normalize.Normalizer
	store      store.Store
	raw        blob.Store
	logger     *zap.Logger
	now        func() time.Time
}

// NewBatchImporter returns an importer. raw may be nil, in which case ImportFromBlob fails and
// exports are skipped.
func NewBatchImporter(cfg BatchConfig, normalizer *normalize.Normalizer, s store.Store, raw blob.Store, logger *zap.Logger) *BatchImporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchImporter{cfg: cfg, normalizer: normalizer, store: s, raw: raw, logger: logger, now: time.Now}
}

// ImportFromBlob reads the CSV at the configured source key in the raw bucket.
func (b *BatchImporter) ImportFromBlob(ctx context.Context) (BatchResult, error) {
	if b.raw == nil {
		err := errors.New("raw bucket is not configured")
		return BatchResult{Status: StatusError, Message: err.Error()}, err
	}
	data, err := b.raw.GetObject(ctx, b.cfg.SourceKey)
	if err != nil {
		err = fmt.Errorf("read s3://%s/%s: %w", b.raw.Bucket(), b.cfg.SourceKey, err)
		return BatchResult{Status: StatusError, Message: err.Error()}, err
	}
	return b.Import(ctx, bytes.NewReader(data))
}

// Import normalizes every row of r, writes each surviving record to the keyed store in
// ascending time order and exports the normalized set. Rows that fail normalization or record
// validation are counted as rejected and skipped.
func (b *BatchImporter) Import(ctx context.Context, r io.Reader) (BatchResult, error) {
	importID := uuid.New().String()
	logger := b.logger.With(zap.String("invocation_id", importID))
	ctx = observability.ContextWithLogger(ctx, logger)

	rows, err := normalize.ReadCSV(r)
	if err != nil {
		return BatchResult{Status: StatusError, Message: err.Error()}, err
	}
	res := BatchResult{Status: StatusOK, Read: len(rows)}

	now := b.now()
	records, rejected := b.normalizer.NormalizeAll(rows, now)
	res.Rejected = rejected

	valid := make([]models.Record, 0, len(records))
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			res.Rejected++
			logger.Warn("Dropping invalid record", zap.String("timestamp", rec.Timestamp), zap.Error(err))
			continue
		}
		err := b.store.Put(ctx, canonical.Map(rec.ToMap()))
		observability.StoreWritesTotal.WithLabelValues(b.store.Backend(), observability.StatusLabel(err)).Inc()
		if err != nil {
			err = &persist.PersistenceError{Target: persist.TargetStore, Location: b.store.Location(), Key: rec.CityID + "/" + rec.Timestamp, Err: err}
			res.Status, res.Message = StatusError, err.Error()
			return res, err
		}
		res.Written++
		valid = append(valid, rec)
	}

	if err := b.export(ctx, logger, valid); err != nil {
		res.Status, res.Message = StatusError, err.Error()
		return res, err
	}

	logger.Info("Batch import completed",
		zap.Int("read", res.Read),
		zap.Int("written", res.Written),
		zap.Int("rejected", res.Rejected),
	)
	return res, nil
}

func (b *BatchImporter) export(ctx context.Context, logger *zap.Logger, records []models.Record) error {
	if b.raw == nil {
		logger.Info("Raw bucket not configured, skipping export")
		return nil
	}
	if b.cfg.OutputKey != "" {
		if err := b.putJSON(ctx, b.cfg.OutputKey, records); err != nil {
			return err
		}
	}
	if b.cfg.LatestKey != "" && len(records) > 0 {
		if err := b.putJSON(ctx, b.cfg.LatestKey, records[len(records)-1]); err != nil {
			return err
		}
	}
	return nil
}

func (b *BatchImporter) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err == nil {
		err = b.raw.PutObject(ctx, key, "application/json", data)
	}
	observability.BlobWritesTotal.WithLabelValues("export", observability.StatusLabel(err)).Inc()
	if err != nil {
		return &persist.PersistenceError{Target: "export", Location: b.raw.Bucket(), Key: key, Err: err}
	}
	return nil
}
