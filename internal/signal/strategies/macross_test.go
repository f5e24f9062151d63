package strategies

import (
	"encoding/json"
	"testing"

	"marketfabric.io/core/internal/model"
	"marketfabric.io/core/internal/signal"
)

func newMACross(t *testing.T, fast, slow int) signal.Strategy {
	t.Helper()
	raw, err := json.Marshal(map[string]int{"fast_period": fast, "slow_period": slow})
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewMovingAverageCross(raw)
	if err != nil {
		t.Fatalf("NewMovingAverageCross returned error: %v", err)
	}
	return s
}

func closes(vals ...float64) signal.Window {
	w := make(signal.Window, len(vals))
	for i, v := range vals {
		w[i] = signal.Bar{Close: v}
	}
	return w
}

func TestMovingAverageCrossRejectsInvalidPeriods(t *testing.T) {
	raw, _ := json.Marshal(map[string]int{"fast_period": 1, "slow_period": 5})
	if _, err := NewMovingAverageCross(raw); err == nil {
		t.Fatal("expected error for fast_period < 2")
	}

	raw, _ = json.Marshal(map[string]int{"fast_period": 5, "slow_period": 5})
	if _, err := NewMovingAverageCross(raw); err == nil {
		t.Fatal("expected error when slow_period does not exceed fast_period")
	}
}

func TestMovingAverageCrossGoldenCross(t *testing.T) {
	s := newMACross(t, 2, 3)
	// prev window (excluding the last bar): fast avg(1,1)=1, slow avg(10,1,1)=4 -> fast<slow;
	// full window: fast avg(1,20)=10.5, slow avg(1,1,20)≈7.33 -> fast crosses above slow on the last bar.
	window := closes(10, 10, 10, 1, 1, 20)
	sig, reason := s.Evaluate(window)
	if sig != model.SignalLong {
		t.Fatalf("signal = %v (%s), want long", sig, reason)
	}
}

func TestMovingAverageCrossDeathCross(t *testing.T) {
	s := newMACross(t, 2, 3)
	window := closes(1, 1, 1, 20, 20, 1)
	sig, _ := s.Evaluate(window)
	if sig != model.SignalShort {
		t.Fatalf("signal = %v, want short", sig)
	}
}

func TestMovingAverageCrossNotEnoughData(t *testing.T) {
	s := newMACross(t, 2, 5)
	sig, _ := s.Evaluate(closes(1, 2, 3))
	if sig != model.SignalNone {
		t.Fatalf("signal = %v, want none with insufficient bars", sig)
	}
}

func TestMovingAverageCrossType(t *testing.T) {
	s := newMACross(t, 2, 5)
	if s.Type() != "moving_average_cross" {
		t.Fatalf("Type() = %q, want moving_average_cross", s.Type())
	}
}
