// Package strategies holds the built-in strategy implementations, each
// self-registering with package signal via init(). Generalized from the
// teacher's internal/strategies/runner.go ConditionOrderRunner: the same
// operator/trigger-price shape, evaluating a K-line close against a level
// instead of a tick price against an order trigger.
package strategies

import (
	"encoding/json"
	"fmt"

	"marketfabric.io/core/internal/model"
	"marketfabric.io/core/internal/signal"
)

func init() {
	signal.Register(signal.Descriptor{
		Type:        "threshold_cross",
		Name:        "Threshold Cross",
		Description: "Fires when a K-line's close crosses a fixed price level.",
		ParamSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"trigger_price": {"type": "number"}},
			"required": ["trigger_price"]
		}`),
		New: NewThresholdCross,
	})
}

type thresholdCrossParams struct {
	TriggerPrice float64 `json:"trigger_price"`
}

// ThresholdCross fires long on an upward crossing of TriggerPrice and short
// on a downward crossing — a level the teacher's ConditionOrderRunner
// treated as one-shot, here re-armed on every call since the engine (not
// the strategy) owns once_only disabling.
type ThresholdCross struct {
	params thresholdCrossParams
}

func NewThresholdCross(raw json.RawMessage) (signal.Strategy, error) {
	var p thresholdCrossParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("threshold_cross: parse params: %w", err)
	}
	return &ThresholdCross{params: p}, nil
}

func (t *ThresholdCross) Type() string { return "threshold_cross" }

func (t *ThresholdCross) Evaluate(window signal.Window) (model.SignalValue, string) {
	if len(window) < 2 {
		return model.SignalNone, ""
	}
	prev := window[len(window)-2].Close
	cur := window[len(window)-1].Close
	level := t.params.TriggerPrice

	switch {
	case prev < level && cur >= level:
		return model.SignalLong, fmt.Sprintf("close crossed above %.8g", level)
	case prev > level && cur <= level:
		return model.SignalShort, fmt.Sprintf("close crossed below %.8g", level)
	default:
		return model.SignalNone, ""
	}
}
