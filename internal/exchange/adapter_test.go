package exchange

import "testing"

func TestOrderedParamsEncodePreservesInsertionOrder(t *testing.T) {
	p := OrderedParams{
		{Key: "symbol", Value: "BTCUSDT"},
		{Key: "side", Value: "BUY"},
		{Key: "timestamp", Value: "1690000000000"},
	}
	got := p.Encode()
	want := "symbol=BTCUSDT&side=BUY&timestamp=1690000000000"
	if got != want {
		t.Fatalf("Encode() = %q, want %q", got, want)
	}
}

func TestOrderedParamsEncodeEscapesValues(t *testing.T) {
	p := OrderedParams{{Key: "note", Value: "a b&c"}}
	got := p.Encode()
	want := "note=a+b%26c"
	if got != want {
		t.Fatalf("Encode() = %q, want %q", got, want)
	}
}

func TestOrderedParamsEncodeEmpty(t *testing.T) {
	var p OrderedParams
	if got := p.Encode(); got != "" {
		t.Fatalf("Encode() on empty params = %q, want empty string", got)
	}
}
