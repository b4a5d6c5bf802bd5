package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/smartcity-telemetry/internal/cache"
	"github.com/kjstillabower/smartcity-telemetry/internal/circuitbreaker"
	httphandler "github.com/kjstillabower/smartcity-telemetry/internal/http"
	"github.com/kjstillabower/smartcity-telemetry/internal/lifecycle"
	"github.com/kjstillabower/smartcity-telemetry/internal/observability"
	"github.com/kjstillabower/smartcity-telemetry/internal/service"
)

const (
	storeComponent = "keyed_store"
	pruneInterval  = time.Hour
)

// pruner is implemented by keyed stores that do not expire items on their own.
type pruner interface {
	PruneExpired(ctx context.Context) (int64, error)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard API",
		Long: `Serves GET /api/data with the most recent records from the keyed store, plus
/health and /metrics. Runs until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer closeApp(a)
	ctx := cmd.Context()
	cfg, logger := a.cfg, a.logger

	st, err := a.newStore(ctx)
	if err != nil {
		return fmt.Errorf("keyed store: %w", err)
	}

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerEnabled {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        storeComponent,
			OnStateChange: func(component string, from, to circuitbreaker.State) {
				observability.CircuitBreakerState.WithLabelValues(component).Set(float64(to))
				logger.Warn("circuit breaker state change",
					zap.String("component", component),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
		observability.CircuitBreakerState.WithLabelValues(storeComponent).Set(0)
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	var cacheSvc cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return fmt.Errorf("memcached cache: %w", err)
		}
		memcacheCloser = mc
		cacheSvc = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		cacheSvc = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}
	if memcacheCloser != nil {
		a.closers = append(a.closers, func() {
			if err := memcacheCloser.Close(); err != nil {
				logger.Error("memcached close", zap.Error(err))
			}
		})
	}

	dashboard := service.NewDashboardService(st, cacheSvc, breaker, service.Options{
		TTL:             cfg.CacheTTL,
		HistoryLimit:    cfg.HistoryLimit,
		CoalesceTimeout: cfg.CoalesceTimeout,
	}, logger)

	healthConfig := &httphandler.HealthConfig{
		StoreBreaker:  breaker,
		StoreLocation: st.Location(),
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(dashboard, cfg.CityName, healthConfig, logger)
	router := httphandler.NewRouter(handler, logger, httphandler.RouterConfig{
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
		AllowedOrigin:  cfg.AllowedOrigin,
	})

	if cfg.WarmInterval > 0 {
		warmer := cache.NewCacheWarmer(dashboard, logger)
		go func() {
			if err := warmer.WarmPeriodic(ctx, []string{cfg.CityName}, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("periodic cache warming stopped", zap.Error(err))
			}
		}()
	}
	if p, ok := st.(pruner); ok {
		go runPruner(ctx, p, pruneInterval, logger)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("city_id", cfg.CityName))
		lifecycle.MarkServing()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("graceful shutdown triggered")
	lifecycle.BeginDrain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	if err := httphandler.WaitForInFlight(shutdownCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}
	logger.Info("shutdown complete")
	return nil
}

// runPruner deletes expired items at interval until ctx is done.
func runPruner(ctx context.Context, p pruner, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PruneExpired(ctx)
			if err != nil {
				logger.Warn("prune expired records failed", zap.Error(err))
				continue
			}
			logger.Debug("pruned expired records", zap.Int64("deleted", n))
		}
	}
}
