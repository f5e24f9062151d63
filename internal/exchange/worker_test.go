package exchange

import (
	"context"
	"testing"
	"time"

	"marketfabric.io/core/internal/config"
	"marketfabric.io/core/internal/model"
)

type fakeAdapter struct {
	subscribed   []SubscriptionIntent
	unsubscribed []SubscriptionIntent
}

func (f *fakeAdapter) Name() string  { return "fake" }
func (f *fakeAdapter) WSURL() string { return "" }

func (f *fakeAdapter) BuildSubscribe(intents []SubscriptionIntent) ([][]byte, error) {
	f.subscribed = append(f.subscribed, intents...)
	return nil, nil
}

func (f *fakeAdapter) BuildUnsubscribe(intents []SubscriptionIntent) ([][]byte, error) {
	f.unsubscribed = append(f.unsubscribed, intents...)
	return nil, nil
}

func (f *fakeAdapter) ParseTick(raw []byte) (*Tick, bool, error) { return nil, false, nil }
func (f *fakeAdapter) IsHeartbeat(raw []byte) bool               { return false }

func (f *fakeAdapter) FetchKlines(ctx context.Context, symbol, interval string, from, to int64, limit int) ([]model.KlineHistory, error) {
	return nil, nil
}
func (f *fakeAdapter) FetchQuotes(ctx context.Context, symbols []string) ([]QuoteResult, error) {
	return nil, nil
}
func (f *fakeAdapter) FetchExchangeInfo(ctx context.Context, marketType string) ([]model.ExchangeInfo, error) {
	return nil, nil
}
func (f *fakeAdapter) FetchAccount(ctx context.Context, accountType model.AccountType) ([]byte, error) {
	return nil, nil
}
func (f *fakeAdapter) FetchServerTime(ctx context.Context) (time.Time, error) {
	return time.Time{}, nil
}
func (f *fakeAdapter) Sign(params OrderedParams, cfg config.ExchangeConfig) (string, error) {
	return "", nil
}

func newTestWorker() (*Worker, *fakeAdapter) {
	fa := &fakeAdapter{}
	w := &Worker{
		adapter: fa,
		cfg:     config.ExchangeConfig{BatchingWindow: 10 * time.Millisecond},
		log:     discardLogger(),
		queued:  make(map[string]SubscriptionIntent),
		actions: make(map[string]string),
	}
	w.upstream = NewUpstream(fa, w.cfg, w.log, nil, nil)
	return w, fa
}

func TestEnqueueCoalescesDuplicateKeyToLatestAction(t *testing.T) {
	w, fa := newTestWorker()

	w.enqueue([]byte(`{"subscription_key":"BINANCE:BTCUSDT@QUOTES","data_type":"QUOTES"}`), "subscribe")
	w.enqueue([]byte(`{"subscription_key":"BINANCE:BTCUSDT@QUOTES","data_type":"QUOTES"}`), "unsubscribe")

	waitForFlush(t, w)

	if len(fa.subscribed) != 0 {
		t.Fatalf("expected the later unsubscribe to win, got %d subscribe intents", len(fa.subscribed))
	}
	if len(fa.unsubscribed) != 1 {
		t.Fatalf("expected exactly one unsubscribe intent, got %d", len(fa.unsubscribed))
	}
}

func TestEnqueueIgnoresEmptyKey(t *testing.T) {
	w, fa := newTestWorker()
	w.enqueue([]byte(`{"subscription_key":"","data_type":"QUOTES"}`), "subscribe")

	waitForFlush(t, w)

	if len(fa.subscribed)+len(fa.unsubscribed) != 0 {
		t.Fatal("expected an empty subscription_key to be dropped, not queued")
	}
}

func TestFlushQueueClearsState(t *testing.T) {
	w, _ := newTestWorker()
	w.enqueue([]byte(`{"subscription_key":"BINANCE:ETHUSDT@QUOTES","data_type":"QUOTES"}`), "subscribe")

	waitForFlush(t, w)

	w.qmu.Lock()
	defer w.qmu.Unlock()
	if len(w.queued) != 0 || len(w.actions) != 0 || w.flush != nil {
		t.Fatal("expected flushQueue to reset queued/actions/timer state")
	}
}

func waitForFlush(t *testing.T, w *Worker) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		w.qmu.Lock()
		empty := len(w.queued) == 0 && w.flush == nil
		w.qmu.Unlock()
		if empty {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for batching window flush")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
