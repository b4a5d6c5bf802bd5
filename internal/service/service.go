// Package service builds the dashboard response from the keyed store with a cache-aside read
// path.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/smartcity-telemetry/internal/cache"
	"github.com/kjstillabower/smartcity-telemetry/internal/circuitbreaker"
	"github.com/kjstillabower/smartcity-telemetry/internal/models"
	"github.com/kjstillabower/smartcity-telemetry/internal/observability"
	"github.com/kjstillabower/smartcity-telemetry/internal/store"
)

// DefaultHistoryLimit is how many of the most recent records feed the dashboard.
const DefaultHistoryLimit = 50

// Options tunes DashboardService. Zero values take defaults: no caching when TTL is 0,
// DefaultHistoryLimit, and no coalescing when CoalesceTimeout is 0.
type Options struct {
	TTL             time.Duration
	HistoryLimit    int
	CoalesceTimeout time.Duration
}

// DashboardService serves GET /api/data. Ingestion failures never surface here: the dashboard
// always shows whatever the keyed store currently holds.
type DashboardService struct {
	store     store.Store
	cache     cache.Cache
	breaker   *circuitbreaker.CircuitBreaker
	opts      Options
	coalescer *requestCoalescer[models.DashboardData]
	logger    *zap.Logger
}

// NewDashboardService wires the read path. cache and breaker may be nil.
func NewDashboardService(s store.Store, c cache.Cache, breaker *circuitbreaker.CircuitBreaker, opts Options, logger *zap.Logger) *DashboardService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	var coalescer *requestCoalescer[models.DashboardData]
	if opts.CoalesceTimeout > 0 {
		coalescer = newRequestCoalescer[models.DashboardData](opts.CoalesceTimeout)
	}
	return &DashboardService{
		store:     s,
		cache:     c,
		breaker:   breaker,
		opts:      opts,
		coalescer: coalescer,
		logger:    logger,
	}
}

// GetDashboard returns the series for city, from cache when fresh.
func (s *DashboardService) GetDashboard(ctx context.Context, city string) (models.DashboardData, error) {
	key := strings.TrimSpace(city)
	start := time.Now()
	logger := observability.LoggerFromContext(ctx, s.logger)

	if s.cache != nil && s.opts.TTL > 0 {
		cached, ok, err := s.cache.Get(ctx, key)
		switch {
		case err != nil:
			logger.Warn("cache get failed", zap.String("city_id", key), zap.Error(err))
		case ok:
			observability.CacheHitsTotal.WithLabelValues("dashboard").Inc()
			logger.Debug("dashboard served", zap.String("city_id", key), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
			return cached, nil
		}
	}

	var (
		data models.DashboardData
		err  error
	)
	if s.coalescer != nil {
		// The shared read must outlive the caller that started it.
		data, err = s.coalescer.GetOrDo(ctx, key, func() (models.DashboardData, error) {
			loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CoalesceTimeout)
			defer cancel()
			return s.load(loadCtx, key)
		})
	} else {
		data, err = s.load(ctx, key)
	}
	if err != nil {
		return models.DashboardData{}, fmt.Errorf("load dashboard for %s: %w", key, err)
	}

	if s.cache != nil && s.opts.TTL > 0 {
		if setErr := s.cache.Set(ctx, key, data, s.opts.TTL); setErr != nil {
			logger.Warn("cache set failed", zap.String("city_id", key), zap.Error(setErr))
		}
	}
	logger.Debug("dashboard served", zap.String("city_id", key), zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	return data, nil
}

func (s *DashboardService) load(ctx context.Context, city string) (models.DashboardData, error) {
	var records []models.Record
	read := func() error {
		var err error
		records, err = s.store.Latest(ctx, city, s.opts.HistoryLimit)
		return err
	}
	var err error
	if s.breaker != nil {
		err = s.breaker.Call(ctx, read)
	} else {
		err = read()
	}
	if err != nil {
		return models.DashboardData{}, err
	}
	return BuildDashboard(records), nil
}

// BuildDashboard turns records (newest first) into the two series. A record without aqi is
// left out of the aqi series and one without temperature_c out of the temperature series.
// Both series are non-nil so they encode as [] rather than null.
func BuildDashboard(records []models.Record) models.DashboardData {
	data := models.DashboardData{
		AQISeries:  make([]models.AQIPoint, 0, len(records)),
		TempSeries: make([]models.TempPoint, 0, len(records)),
	}
	for _, rec := range records {
		if rec.AQI != nil {
			data.AQISeries = append(data.AQISeries, models.AQIPoint{Timestamp: rec.Timestamp, AQI: *rec.AQI})
		}
		if rec.TemperatureC != nil {
			data.TempSeries = append(data.TempSeries, models.TempPoint{Timestamp: rec.Timestamp, Temp: *rec.TemperatureC})
		}
	}
	return data
}
