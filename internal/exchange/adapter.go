// Package exchange is the C8 component: the outbound half of the platform
// that owns the single upstream market-data WebSocket and executes REST
// tasks against one configured venue.
//
// Grounded on the teacher's internal/service/trading_impl.go (ref
// generation, send-then-write-back pattern) and, for the venue-specific
// wire shapes, on the MEXC futures connector in the example pack
// (other_examples/716e9047_..._mexc-ws.go) — reworked from a fixed single
// venue into the Adapter seam so the worker itself stays venue-agnostic.
package exchange

import (
	"context"
	"net/url"
	"time"

	"marketfabric.io/core/internal/config"
	"marketfabric.io/core/internal/model"
)

// OrderedParams is a signed request's query parameters in the exact
// insertion order they must be both signed and sent in — a plain url.Values
// (a map) cannot make that guarantee, which is the entire point of keeping
// this as its own type.
type OrderedParams []KV

type KV struct {
	Key   string
	Value string
}

// Encode renders p as an escaped query string in its own order.
func (p OrderedParams) Encode() string {
	out := ""
	for i, kv := range p {
		if i > 0 {
			out += "&"
		}
		out += kv.Key + "=" + url.QueryEscape(kv.Value)
	}
	return out
}

// SubscriptionIntent is one row of subscribe/unsubscribe work the worker
// coalesces inside its batching window.
type SubscriptionIntent struct {
	Key      string
	DataType model.DataType
}

// Tick is a decoded upstream market-data frame, normalized to the
// subscription key it updates.
type Tick struct {
	Key       string
	DataType  model.DataType
	Data      []byte // raw JSON object to store in realtime_data.data
	EventTime time.Time
	BarClosed bool
}

// QuoteResult is one symbol's REST quote response, kept as raw JSON because
// the wire shape is venue-specific and only re-keyed to camelCase on the way
// out to a client.
type QuoteResult struct {
	Symbol string
	Data   []byte
}

// Adapter is the venue seam: everything that differs between exchanges lives
// behind this interface. The worker never constructs venue-specific frames
// or REST paths directly.
type Adapter interface {
	Name() string
	WSURL() string

	// BuildSubscribe/BuildUnsubscribe render one or more coalesced intents
	// into outbound WS frames ready to write.
	BuildSubscribe(intents []SubscriptionIntent) ([][]byte, error)
	BuildUnsubscribe(intents []SubscriptionIntent) ([][]byte, error)

	// ParseTick attempts to decode an inbound frame as a market-data tick.
	// ok is false for frames that are not ticks (acks, pings, heartbeats).
	ParseTick(raw []byte) (tick *Tick, ok bool, err error)

	// IsHeartbeat reports whether raw is a venue heartbeat/ping frame that
	// should reset the read-deadline without further processing.
	IsHeartbeat(raw []byte) bool

	// REST surface used by task handling.
	FetchKlines(ctx context.Context, symbol, interval string, from, to int64, limit int) ([]model.KlineHistory, error)
	FetchQuotes(ctx context.Context, symbols []string) ([]QuoteResult, error)
	FetchExchangeInfo(ctx context.Context, marketType string) ([]model.ExchangeInfo, error)
	FetchAccount(ctx context.Context, accountType model.AccountType) ([]byte, error)
	FetchServerTime(ctx context.Context) (time.Time, error)

	// Sign computes the venue's private-request signature over params, whose
	// insertion order the caller must not mutate between this call and
	// sending the request.
	Sign(params OrderedParams, cfg config.ExchangeConfig) (string, error)
}

// New returns the venue adapter. Only one concrete adapter ships: New always
// returns the Binance adapter and does not consult cfg.Name.
func New(cfg config.ExchangeConfig) Adapter {
	return NewBinanceAdapter(cfg)
}
