package strategies

import (
	"encoding/json"
	"testing"

	"marketfabric.io/core/internal/model"
	"marketfabric.io/core/internal/signal"
)

func newThreshold(t *testing.T, price float64) signal.Strategy {
	t.Helper()
	raw, err := json.Marshal(map[string]float64{"trigger_price": price})
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewThresholdCross(raw)
	if err != nil {
		t.Fatalf("NewThresholdCross returned error: %v", err)
	}
	return s
}

func TestThresholdCrossUp(t *testing.T) {
	s := newThreshold(t, 100)
	window := signal.Window{{Close: 95}, {Close: 105}}

	sig, reason := s.Evaluate(window)
	if sig != model.SignalLong {
		t.Fatalf("signal = %v, want long", sig)
	}
	if reason == "" {
		t.Error("expected a non-empty reason")
	}
}

func TestThresholdCrossDown(t *testing.T) {
	s := newThreshold(t, 100)
	window := signal.Window{{Close: 105}, {Close: 95}}

	sig, _ := s.Evaluate(window)
	if sig != model.SignalShort {
		t.Fatalf("signal = %v, want short", sig)
	}
}

func TestThresholdCrossNoneWhenNoCross(t *testing.T) {
	s := newThreshold(t, 100)
	window := signal.Window{{Close: 90}, {Close: 92}}

	sig, _ := s.Evaluate(window)
	if sig != model.SignalNone {
		t.Fatalf("signal = %v, want none", sig)
	}
}

func TestThresholdCrossNeedsTwoBars(t *testing.T) {
	s := newThreshold(t, 100)
	sig, _ := s.Evaluate(signal.Window{{Close: 105}})
	if sig != model.SignalNone {
		t.Fatalf("signal = %v, want none with a single bar", sig)
	}
}

func TestThresholdCrossType(t *testing.T) {
	s := newThreshold(t, 100)
	if s.Type() != "threshold_cross" {
		t.Fatalf("Type() = %q, want threshold_cross", s.Type())
	}
}
