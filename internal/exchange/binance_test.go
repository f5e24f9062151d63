package exchange

import (
	"encoding/json"
	"testing"

	"marketfabric.io/core/internal/config"
	"marketfabric.io/core/internal/model"
)

func TestStreamNameForKeyKline(t *testing.T) {
	stream, err := streamNameForKey("BINANCE:BTCUSDT@KLINE_60", model.DataTypeKline)
	if err != nil {
		t.Fatalf("streamNameForKey returned error: %v", err)
	}
	if stream != "btcusdt@kline_1h" {
		t.Fatalf("stream = %q, want btcusdt@kline_1h", stream)
	}
}

func TestStreamNameForKeyQuotes(t *testing.T) {
	stream, err := streamNameForKey("BINANCE:ETHUSDT@QUOTES", model.DataTypeQuotes)
	if err != nil {
		t.Fatalf("streamNameForKey returned error: %v", err)
	}
	if stream != "ethusdt@bookTicker" {
		t.Fatalf("stream = %q, want ethusdt@bookTicker", stream)
	}
}

func TestStreamNameForKeyUnknownInterval(t *testing.T) {
	if _, err := streamNameForKey("BINANCE:BTCUSDT@KLINE_7", model.DataTypeKline); err == nil {
		t.Fatal("expected error for unknown interval, got nil")
	}
}

func TestStreamNameForKeyMalformed(t *testing.T) {
	if _, err := streamNameForKey("not-a-key", model.DataTypeKline); err == nil {
		t.Fatal("expected error for malformed key, got nil")
	}
}

func TestNativeToTVRoundTrip(t *testing.T) {
	for tv, native := range tvToNative {
		if got := nativeToTV(native); got != tv {
			t.Errorf("nativeToTV(%q) = %q, want %q", native, got, tv)
		}
	}
}

func TestBuildSubscribeCoalescesIntoOneFrame(t *testing.T) {
	a := NewBinanceAdapter(config.ExchangeConfig{})
	frames, err := a.BuildSubscribe([]SubscriptionIntent{
		{Key: "BINANCE:BTCUSDT@KLINE_1", DataType: model.DataTypeKline},
		{Key: "BINANCE:ETHUSDT@QUOTES", DataType: model.DataTypeQuotes},
	})
	if err != nil {
		t.Fatalf("BuildSubscribe returned error: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}

	var frame wsSubscribeFrame
	if err := json.Unmarshal(frames[0], &frame); err != nil {
		t.Fatalf("frame did not unmarshal: %v", err)
	}
	if frame.Method != "SUBSCRIBE" {
		t.Fatalf("method = %q, want SUBSCRIBE", frame.Method)
	}
	if len(frame.Params) != 2 {
		t.Fatalf("got %d params, want 2", len(frame.Params))
	}
}

func TestBuildSubscribeEmptyIntentsIsNil(t *testing.T) {
	a := NewBinanceAdapter(config.ExchangeConfig{})
	frames, err := a.BuildSubscribe(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frames != nil {
		t.Fatalf("expected nil frames for empty intents, got %v", frames)
	}
}

func TestParseTickKline(t *testing.T) {
	a := NewBinanceAdapter(config.ExchangeConfig{})
	raw := []byte(`{
		"stream": "btcusdt@kline_1m",
		"data": {
			"e": "kline", "s": "BTCUSDT",
			"k": {"t":1000,"T":1059,"i":"1m","o":"100.0","h":"101.0","l":"99.0","c":"100.5","v":"12.3","x":true}
		}
	}`)

	tick, ok, err := a.ParseTick(raw)
	if err != nil {
		t.Fatalf("ParseTick returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true for kline tick")
	}
	if tick.Key != "BINANCE:BTCUSDT@KLINE_1" {
		t.Fatalf("key = %q, want BINANCE:BTCUSDT@KLINE_1", tick.Key)
	}
	if !tick.BarClosed {
		t.Fatal("expected BarClosed=true")
	}
	if tick.DataType != model.DataTypeKline {
		t.Fatalf("data type = %q, want KLINE", tick.DataType)
	}
}

func TestParseTickBookTicker(t *testing.T) {
	a := NewBinanceAdapter(config.ExchangeConfig{})
	raw := []byte(`{"stream":"ethusdt@bookTicker","data":{"s":"ETHUSDT","b":"10.0","a":"10.1"}}`)

	tick, ok, err := a.ParseTick(raw)
	if err != nil {
		t.Fatalf("ParseTick returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true for bookTicker tick")
	}
	if tick.Key != "BINANCE:ETHUSDT@QUOTES" {
		t.Fatalf("key = %q, want BINANCE:ETHUSDT@QUOTES", tick.Key)
	}
}

func TestParseTickNonTickFrameIsIgnored(t *testing.T) {
	a := NewBinanceAdapter(config.ExchangeConfig{})
	_, ok, err := a.ParseTick([]byte(`{"result":null,"id":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for a non-stream frame")
	}
}

func TestIsHeartbeat(t *testing.T) {
	a := NewBinanceAdapter(config.ExchangeConfig{})
	if !a.IsHeartbeat([]byte("ping")) {
		t.Error("expected ping to be a heartbeat")
	}
	if a.IsHeartbeat([]byte(`{"stream":"btcusdt@bookTicker"}`)) {
		t.Error("expected a normal stream frame not to be a heartbeat")
	}
}

func TestToFloatAndToInt64HandleMixedTypes(t *testing.T) {
	if got := toFloat("1.5"); got != 1.5 {
		t.Errorf("toFloat(string) = %v, want 1.5", got)
	}
	if got := toFloat(2.5); got != 2.5 {
		t.Errorf("toFloat(float64) = %v, want 2.5", got)
	}
	if got := toInt64(float64(1000)); got != 1000 {
		t.Errorf("toInt64(float64) = %v, want 1000", got)
	}
	if got := toInt64("1000"); got != 1000 {
		t.Errorf("toInt64(string) = %v, want 1000", got)
	}
}
