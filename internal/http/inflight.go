package http

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kjstillabower/smartcity-telemetry/internal/observability"
)

// InFlightTracker counts dashboard requests being served so shutdown can wait for them after
// the listener closes. The optional gauge mirrors the count.
type InFlightTracker struct {
	count atomic.Int64
	gauge prometheus.Gauge

	mu   sync.Mutex
	idle chan struct{} // closed when count drops to zero; nil while idle
}

// Begin registers a request and returns the func that ends it. The returned func is safe to
// call more than once.
func (t *InFlightTracker) Begin() func() {
	t.mu.Lock()
	if t.count.Add(1) == 1 {
		t.idle = make(chan struct{})
	}
	t.mu.Unlock()
	if t.gauge != nil {
		t.gauge.Inc()
	}
	var once sync.Once
	return func() { once.Do(t.end) }
}

func (t *InFlightTracker) end() {
	t.mu.Lock()
	if t.count.Add(-1) == 0 && t.idle != nil {
		close(t.idle)
		t.idle = nil
	}
	t.mu.Unlock()
	if t.gauge != nil {
		t.gauge.Dec()
	}
}

// Count returns the number of requests in flight.
func (t *InFlightTracker) Count() int64 {
	return t.count.Load()
}

// WaitForZero blocks until no request is in flight or ctx is done. checkInterval bounds how
// long a request that begins during the wait can go unnoticed.
func (t *InFlightTracker) WaitForZero(ctx context.Context, checkInterval time.Duration) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		t.mu.Lock()
		idle := t.idle
		t.mu.Unlock()
		if idle == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		case <-ticker.C:
		}
	}
}

var globalInFlightTracker = &InFlightTracker{gauge: observability.HTTPRequestsInFlight}

// InFlightCount returns the number of dashboard requests in flight.
func InFlightCount() int64 {
	return globalInFlightTracker.Count()
}

// WaitForInFlight blocks until in-flight dashboard requests finish or ctx is done.
func WaitForInFlight(ctx context.Context, checkInterval time.Duration) error {
	return globalInFlightTracker.WaitForZero(ctx, checkInterval)
}
