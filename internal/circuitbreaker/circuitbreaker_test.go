package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errStore = errors.New("store unavailable")

type transition struct{ from, to State }

func newTestBreaker(clock *time.Time, changes *[]transition) *CircuitBreaker {
	cb := New(Config{
		FailureThreshold: 2,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
		Component:        "store",
		OnStateChange: func(component string, from, to State) {
			*changes = append(*changes, transition{from, to})
		},
	})
	cb.now = func() time.Time { return *clock }
	return cb
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var changes []transition
	cb := newTestBreaker(&clock, &changes)
	ctx := context.Background()
	fail := func() error { return errStore }

	for i := 0; i < 2; i++ {
		if err := cb.Call(ctx, fail); !errors.Is(err, errStore) {
			t.Fatalf("Call() #%d = %v, want store error", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("State() = %v, want open", cb.State())
	}

	called := false
	err := cb.Call(ctx, func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) || called {
		t.Errorf("Call() while open = %v (called %v), want ErrOpen without call", err, called)
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var changes []transition
	cb := newTestBreaker(&clock, &changes)
	ctx := context.Background()

	_ = cb.Call(ctx, func() error { return errStore })
	_ = cb.Call(ctx, func() error { return errStore })
	clock = clock.Add(11 * time.Second)

	ok := func() error { return nil }
	if err := cb.Call(ctx, ok); err != nil {
		t.Fatalf("probe Call() = %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("State() = %v, want half_open after one probe", cb.State())
	}
	if err := cb.Call(ctx, ok); err != nil {
		t.Fatalf("second probe Call() = %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("State() = %v, want closed", cb.State())
	}

	want := []transition{{StateClosed, StateOpen}, {StateOpen, StateHalfOpen}, {StateHalfOpen, StateClosed}}
	if len(changes) != len(want) {
		t.Fatalf("transitions = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, changes[i], want[i])
		}
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var changes []transition
	cb := newTestBreaker(&clock, &changes)
	ctx := context.Background()

	_ = cb.Call(ctx, func() error { return errStore })
	_ = cb.Call(ctx, func() error { return errStore })
	clock = clock.Add(11 * time.Second)

	_ = cb.Call(ctx, func() error { return errStore })
	if cb.State() != StateOpen {
		t.Errorf("State() = %v, want open after failed probe", cb.State())
	}
}

func TestCircuitBreaker_CallerCancellationNotCounted(t *testing.T) {
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var changes []transition
	cb := newTestBreaker(&clock, &changes)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 3; i++ {
		_ = cb.Call(ctx, func() error { cancel(); return ctx.Err() })
	}
	if cb.State() != StateClosed {
		t.Errorf("State() = %v, want closed", cb.State())
	}
	if err := cb.Call(ctx, func() error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("Call() with done ctx = %v, want context.Canceled", err)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half_open", State(9): "unknown"} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
