package signal

import (
	"testing"
	"time"
)

func TestClassifyGap(t *testing.T) {
	const ms = int64(60_000)
	cases := []struct {
		name     string
		last, cu int64
		want     GapClass
	}{
		{"same bucket", 1000 * ms, 1000 * ms, GapSame},
		{"next bucket", 1000 * ms, 1001 * ms, GapNext},
		{"large gap", 1000 * ms, 1003 * ms, GapLarge},
		{"small backward drift", 1000 * ms, 999 * ms, GapOther},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyGap(tc.last, tc.cu, ms); got != tc.want {
				t.Errorf("ClassifyGap(%d, %d, %d) = %v, want %v", tc.last, tc.cu, ms, got, tc.want)
			}
		})
	}
}

func TestIntervalMillisKnownAndUnknown(t *testing.T) {
	if got := IntervalMillis("60"); got != 3_600_000 {
		t.Errorf("IntervalMillis(60) = %d, want 3600000", got)
	}
	if got := IntervalMillis("nonsense"); got != 60_000 {
		t.Errorf("IntervalMillis(unknown) = %d, want the 1-minute fallback", got)
	}
}

func TestCacheSetGetCopiesSlice(t *testing.T) {
	c := NewCache()
	c.Set("k", []Bar{{OpenTime: 1}, {OpenTime: 2}})

	got := c.Get("k")
	got[0].OpenTime = 999

	again := c.Get("k")
	if again[0].OpenTime != 1 {
		t.Fatal("Get must return a copy, mutating the result must not affect cache state")
	}
}

func TestCacheAppendAndLast(t *testing.T) {
	c := NewCache()
	c.Append("k", Bar{OpenTime: 1, Close: 10})
	c.Append("k", Bar{OpenTime: 2, Close: 20})

	last, ok := c.Last("k")
	if !ok {
		t.Fatal("expected Last to report ok=true after appending")
	}
	if last.OpenTime != 2 || last.Close != 20 {
		t.Fatalf("Last() = %+v, want OpenTime=2 Close=20", last)
	}
}

func TestCacheUpdateLastReplacesFinalBar(t *testing.T) {
	c := NewCache()
	c.Set("k", []Bar{{OpenTime: 1, Close: 10}, {OpenTime: 2, Close: 20}})
	c.UpdateLast("k", Bar{OpenTime: 2, Close: 25})

	window := c.Get("k")
	if len(window) != 2 {
		t.Fatalf("UpdateLast must not change the bar count, got %d bars", len(window))
	}
	if window[1].Close != 25 {
		t.Fatalf("last bar Close = %v, want 25", window[1].Close)
	}
}

func TestCacheLastOnEmptyKey(t *testing.T) {
	c := NewCache()
	if _, ok := c.Last("missing"); ok {
		t.Fatal("expected ok=false for a key with no bars")
	}
}

func TestCacheDropClearsBarsAndLock(t *testing.T) {
	c := NewCache()
	c.Append("k", Bar{OpenTime: 1})
	_ = c.Lock("k")
	c.Drop("k")

	if _, ok := c.Last("k"); ok {
		t.Fatal("expected bars to be cleared after Drop")
	}
}

func TestCacheLockIsPerKeyAndStable(t *testing.T) {
	c := NewCache()
	l1 := c.Lock("a")
	l2 := c.Lock("a")
	l3 := c.Lock("b")

	if l1 != l2 {
		t.Fatal("Lock must return the same mutex for the same key")
	}
	if l1 == l3 {
		t.Fatal("Lock must return distinct mutexes for distinct keys")
	}
}

func TestCacheLockDoesNotBlockConcurrentGet(t *testing.T) {
	c := NewCache()
	c.Set("k", []Bar{{OpenTime: 1}})

	lock := c.Lock("k")
	lock.Lock()
	defer lock.Unlock()

	done := make(chan struct{})
	go func() {
		c.Get("k") // must not block behind the repair lock
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Get blocked behind the per-key repair lock")
	}
}
