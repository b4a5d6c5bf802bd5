// Package lifecycle tracks the serve process phase so the health endpoint can stop advertising
// the instance once draining starts.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// Phase is the process phase. It only moves forward, except through Reset.
type Phase int32

const (
	PhaseStarting Phase = iota
	PhaseServing
	PhaseDraining
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseServing:
		return "serving"
	case PhaseDraining:
		return "draining"
	default:
		return "unknown"
	}
}

var (
	phase       atomic.Int32
	servingNano atomic.Int64
)

// MarkServing records that the listener is up. It has no effect once draining.
func MarkServing() {
	if phase.CompareAndSwap(int32(PhaseStarting), int32(PhaseServing)) {
		servingNano.Store(time.Now().UnixNano())
	}
}

// BeginDrain is called on SIGTERM/SIGINT. Health returns 503 shutting-down from then on.
func BeginDrain() {
	phase.Store(int32(PhaseDraining))
}

// Current returns the current phase.
func Current() Phase {
	return Phase(phase.Load())
}

// IsShuttingDown reports whether the process is draining.
func IsShuttingDown() bool {
	return Current() == PhaseDraining
}

// Uptime is the time since MarkServing, or zero if the process never started serving.
func Uptime() time.Duration {
	n := servingNano.Load()
	if n == 0 {
		return 0
	}
	return time.Since(time.Unix(0, n))
}

// Reset returns to PhaseStarting. Tests only.
func Reset() {
	phase.Store(int32(PhaseStarting))
	servingNano.Store(0)
}
