package lifecycle

import "testing"

func TestPhase_DefaultStarting(t *testing.T) {
	Reset()
	if Current() != PhaseStarting {
		t.Errorf("Current() = %v, want starting", Current())
	}
	if IsShuttingDown() {
		t.Error("IsShuttingDown() = true, want false by default")
	}
	if Uptime() != 0 {
		t.Errorf("Uptime() = %v before serving, want 0", Uptime())
	}
}

func TestMarkServing(t *testing.T) {
	Reset()
	defer Reset()
	MarkServing()
	if Current() != PhaseServing {
		t.Errorf("Current() = %v, want serving", Current())
	}
	if Uptime() < 0 {
		t.Errorf("Uptime() = %v, want non-negative", Uptime())
	}
}

func TestBeginDrain(t *testing.T) {
	Reset()
	defer Reset()
	MarkServing()
	BeginDrain()
	if !IsShuttingDown() {
		t.Error("IsShuttingDown() = false after BeginDrain, want true")
	}
	MarkServing()
	if Current() != PhaseDraining {
		t.Errorf("MarkServing after drain moved phase to %v, want draining", Current())
	}
}

func TestPhase_String(t *testing.T) {
	tests := map[Phase]string{PhaseStarting: "starting", PhaseServing: "serving", PhaseDraining: "draining", Phase(9): "unknown"}
	for p, want := range tests {
		if got := p.String(); got != want {
			t.Errorf("Phase(%d).String() = %q, want %q", p, got, want)
		}
	}
}
