package exchange

import (
	"testing"
	"time"
)

func TestNextBackoffDoublesUntilCap(t *testing.T) {
	max := 30 * time.Second
	cur := time.Second

	cur = nextBackoff(cur, max)
	if cur != 2*time.Second {
		t.Fatalf("got %v, want 2s", cur)
	}
	cur = nextBackoff(cur, max)
	if cur != 4*time.Second {
		t.Fatalf("got %v, want 4s", cur)
	}
}

func TestNextBackoffCapsAtMax(t *testing.T) {
	got := nextBackoff(20*time.Second, 30*time.Second)
	if got != 30*time.Second {
		t.Fatalf("got %v, want capped at 30s", got)
	}
}

func TestUpstreamInitialStateIsDisconnected(t *testing.T) {
	u := NewUpstream(NewBinanceAdapter(testExchangeConfig()), testExchangeConfig(), discardLogger(), nil, nil)
	if u.State() != StateDisconnected {
		t.Fatalf("initial state = %v, want StateDisconnected", u.State())
	}
}
