package signal

import (
	"io"
	"testing"

	"github.com/rs/zerolog"

	"marketfabric.io/core/internal/config"
	"marketfabric.io/core/internal/model"
)

func discardLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testEngine() *Engine {
	return NewEngine(nil, config.SignalEngineConfig{}, "binance", discardLogger())
}

func TestKeyForUsesConfiguredExchangeName(t *testing.T) {
	e := testEngine()
	if got := e.keyFor("BTCUSDT", "60"); got != "BINANCE:BTCUSDT@KLINE_60" {
		t.Fatalf("keyFor() = %q, want BINANCE:BTCUSDT@KLINE_60", got)
	}
}

func TestIntervalFromKey(t *testing.T) {
	if got := intervalFromKey("BINANCE:BTCUSDT@KLINE_60"); got != "60" {
		t.Fatalf("intervalFromKey() = %q, want 60", got)
	}
	if got := intervalFromKey("BINANCE:BTCUSDT@KLINE_D"); got != "D" {
		t.Fatalf("intervalFromKey() = %q, want D", got)
	}
}

func TestEngineDefaults(t *testing.T) {
	e := testEngine()
	if e.requiredKlines() != 280 {
		t.Errorf("requiredKlines() = %d, want 280 default", e.requiredKlines())
	}
	if e.fillWaitTimeout() <= 0 {
		t.Error("fillWaitTimeout() must have a positive default")
	}
	if e.fillRetryDelay() <= 0 {
		t.Error("fillRetryDelay() must have a positive default")
	}
}

func TestEngineHonorsConfiguredOverrides(t *testing.T) {
	e := NewEngine(nil, config.SignalEngineConfig{RequiredKlines: 50}, "binance", discardLogger())
	if e.requiredKlines() != 50 {
		t.Fatalf("requiredKlines() = %d, want 50", e.requiredKlines())
	}
}

func TestOnlyEnabledChanged(t *testing.T) {
	base := model.AlertConfig{
		Symbol: "BTCUSDT", Interval: "60", StrategyType: "threshold_cross",
		Params: []byte(`{"trigger_price":100}`), TriggerType: model.TriggerEachKlineClose, Enabled: true,
	}
	onlyFlag := base
	onlyFlag.Enabled = false
	if !onlyEnabledChanged(base, onlyFlag) {
		t.Error("expected only the enabled flag to differ")
	}

	changedSymbol := base
	changedSymbol.Symbol = "ETHUSDT"
	if onlyEnabledChanged(base, changedSymbol) {
		t.Error("expected a symbol change to count as more than an enabled-flag change")
	}
}

func TestAlertConfigFromRow(t *testing.T) {
	data := []byte(`{
		"id": "abc", "name": "n", "description": "d",
		"strategy_type": "threshold_cross", "symbol": "BTCUSDT", "interval": "60",
		"trigger_type": "each_kline_close", "params": {"trigger_price": 100},
		"enabled": true, "owner": "alice"
	}`)
	ac := alertConfigFromRow(data)
	if ac.ID != "abc" || ac.Symbol != "BTCUSDT" || ac.TriggerType != model.TriggerEachKlineClose || !ac.Enabled {
		t.Fatalf("alertConfigFromRow() = %+v, unexpected field values", ac)
	}
}
