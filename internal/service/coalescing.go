package service

import (
	"context"
	"sync"
	"time"
)

// inFlightRequest tracks a single store read that multiple callers may wait for.
type inFlightRequest[T any] struct {
	done   chan struct{}
	result T
	err    error
}

// requestCoalescer shares one execution of fn among concurrent callers of the same key, so a
// cache expiry under load costs one store query instead of one per request.
type requestCoalescer[T any] struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightRequest[T]
	timeout  time.Duration
}

func newRequestCoalescer[T any](timeout time.Duration) *requestCoalescer[T] {
	return &requestCoalescer[T]{
		inFlight: make(map[string]*inFlightRequest[T]),
		timeout:  timeout,
	}
}

// GetOrDo joins the in-flight call for key or starts one. fn runs in its own goroutine and
// completes even if every waiter gives up; waiters stop at ctx cancellation or the coalescer
// timeout, whichever comes first.
func (rc *requestCoalescer[T]) GetOrDo(ctx context.Context, key string, fn func() (T, error)) (T, error) {
	rc.mu.Lock()
	req, exists := rc.inFlight[key]
	if !exists {
		req = &inFlightRequest[T]{done: make(chan struct{})}
		rc.inFlight[key] = req
		go func() {
			req.result, req.err = fn()
			rc.cleanup(key)
			close(req.done)
		}()
	}
	rc.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-req.done:
		return req.result, req.err
	case <-waitCtx.Done():
		var zero T
		return zero, waitCtx.Err()
	}
}

// cleanup removes the in-flight request for key.
func (rc *requestCoalescer[T]) cleanup(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.inFlight, key)
}
