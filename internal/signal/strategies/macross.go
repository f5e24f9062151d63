package strategies

import (
	"encoding/json"
	"fmt"

	"marketfabric.io/core/internal/model"
	"marketfabric.io/core/internal/signal"
)

func init() {
	signal.Register(signal.Descriptor{
		Type:        "moving_average_cross",
		Name:        "Moving Average Cross",
		Description: "Fires when a fast simple moving average crosses a slow one.",
		ParamSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"fast_period": {"type": "integer", "minimum": 2},
				"slow_period": {"type": "integer", "minimum": 3}
			},
			"required": ["fast_period", "slow_period"]
		}`),
		New: NewMovingAverageCross,
	})
}

type maCrossParams struct {
	FastPeriod int `json:"fast_period"`
	SlowPeriod int `json:"slow_period"`
}

// MovingAverageCross supplements the distilled spec's single ThresholdCross
// example with a second built-in strategy, following the same registration
// shape so the registry is never a one-entry formality.
type MovingAverageCross struct {
	params maCrossParams
}

func NewMovingAverageCross(raw json.RawMessage) (signal.Strategy, error) {
	var p maCrossParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("moving_average_cross: parse params: %w", err)
	}
	if p.FastPeriod < 2 || p.SlowPeriod <= p.FastPeriod {
		return nil, fmt.Errorf("moving_average_cross: fast_period must be >=2 and < slow_period")
	}
	return &MovingAverageCross{params: p}, nil
}

func (m *MovingAverageCross) Type() string { return "moving_average_cross" }

func (m *MovingAverageCross) Evaluate(window signal.Window) (model.SignalValue, string) {
	need := m.params.SlowPeriod + 1
	if len(window) < need {
		return model.SignalNone, ""
	}

	prevWindow := window[:len(window)-1]
	fastPrev := sma(prevWindow, m.params.FastPeriod)
	slowPrev := sma(prevWindow, m.params.SlowPeriod)
	fastCur := sma(window, m.params.FastPeriod)
	slowCur := sma(window, m.params.SlowPeriod)

	switch {
	case fastPrev <= slowPrev && fastCur > slowCur:
		return model.SignalLong, fmt.Sprintf("fast SMA(%d) crossed above slow SMA(%d)", m.params.FastPeriod, m.params.SlowPeriod)
	case fastPrev >= slowPrev && fastCur < slowCur:
		return model.SignalShort, fmt.Sprintf("fast SMA(%d) crossed below slow SMA(%d)", m.params.FastPeriod, m.params.SlowPeriod)
	default:
		return model.SignalNone, ""
	}
}

func sma(window signal.Window, period int) float64 {
	if len(window) < period {
		return 0
	}
	sum := 0.0
	for _, b := range window[len(window)-period:] {
		sum += b.Close
	}
	return sum / float64(period)
}
