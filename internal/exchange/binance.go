package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"marketfabric.io/core/internal/config"
	"marketfabric.io/core/internal/model"
)

// tvToNative/nativeToTV mirror the archive_closed_kline trigger's interval
// mapping in the opposite direction: TV-format intervals (as carried in
// subscription keys) to the venue's own kline interval strings.
var tvToNative = map[string]string{
	"1": "1m", "3": "3m", "5": "5m", "15": "15m", "30": "30m",
	"60": "1h", "120": "2h", "240": "4h", "360": "6h", "480": "8h", "720": "12h",
	"D": "1d", "3D": "3d", "W": "1w", "M": "1M",
}

// BinanceAdapter is the reference Adapter implementation: a Binance-shaped
// futures venue, used as the default and as a template for adding others.
type BinanceAdapter struct {
	cfg        config.ExchangeConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	restBase   string
	wsBase     string
	nextID     int64
}

func NewBinanceAdapter(cfg config.ExchangeConfig) *BinanceAdapter {
	rps := cfg.RESTRatePerSec
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RESTRateBurst
	if burst <= 0 {
		burst = 20
	}
	return &BinanceAdapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		restBase:   "https://fapi.binance.com",
		wsBase:     "wss://fstream.binance.com/stream",
	}
}

func (a *BinanceAdapter) Name() string  { return "binance" }
func (a *BinanceAdapter) WSURL() string { return a.wsBase }

type wsSubscribeFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (a *BinanceAdapter) BuildSubscribe(intents []SubscriptionIntent) ([][]byte, error) {
	return a.buildFrame("SUBSCRIBE", intents)
}

func (a *BinanceAdapter) BuildUnsubscribe(intents []SubscriptionIntent) ([][]byte, error) {
	return a.buildFrame("UNSUBSCRIBE", intents)
}

func (a *BinanceAdapter) buildFrame(method string, intents []SubscriptionIntent) ([][]byte, error) {
	if len(intents) == 0 {
		return nil, nil
	}
	streams := make([]string, 0, len(intents))
	for _, in := range intents {
		stream, err := streamNameForKey(in.Key, in.DataType)
		if err != nil {
			return nil, err
		}
		streams = append(streams, stream)
	}
	a.nextID++
	b, err := json.Marshal(wsSubscribeFrame{Method: method, Params: streams, ID: a.nextID})
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

// streamNameForKey renders e.g. "BINANCE:BTCUSDT@KLINE_60" into
// "btcusdt@kline_1h", the venue's own combined-stream naming.
func streamNameForKey(key string, dataType model.DataType) (string, error) {
	at := strings.LastIndex(key, "@")
	colon := strings.Index(key, ":")
	if at < 0 || colon < 0 {
		return "", fmt.Errorf("exchange: malformed subscription key %q", key)
	}
	symbol := strings.ToLower(key[colon+1 : at])
	rest := key[at+1:]

	switch dataType {
	case model.DataTypeKline:
		underscore := strings.Index(rest, "_")
		if underscore < 0 {
			return "", fmt.Errorf("exchange: kline key missing interval: %q", key)
		}
		native, ok := tvToNative[rest[underscore+1:]]
		if !ok {
			return "", fmt.Errorf("exchange: unknown interval in key %q", key)
		}
		return symbol + "@kline_" + native, nil
	case model.DataTypeQuotes:
		return symbol + "@bookTicker", nil
	case model.DataTypeTrade:
		return symbol + "@aggTrade", nil
	default:
		return "", fmt.Errorf("exchange: data type %q has no upstream stream", dataType)
	}
}

type wsEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type klineEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		IsClosed  bool   `json:"x"`
	} `json:"k"`
}

func (a *BinanceAdapter) ParseTick(raw []byte) (*Tick, bool, error) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Stream == "" {
		return nil, false, nil
	}

	parts := strings.SplitN(env.Stream, "@", 2)
	if len(parts) != 2 {
		return nil, false, nil
	}
	symbol, channel := strings.ToUpper(parts[0]), parts[1]

	if strings.HasPrefix(channel, "kline_") {
		var ev klineEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, false, err
		}
		key := fmt.Sprintf("%s:%s@KLINE_%s", strings.ToUpper(a.Name()), symbol, nativeToTV(ev.Kline.Interval))
		data, err := json.Marshal(map[string]interface{}{
			"symbol": symbol, "interval": ev.Kline.Interval,
			"openTime": ev.Kline.OpenTime, "closeTime": ev.Kline.CloseTime,
			"open": ev.Kline.Open, "high": ev.Kline.High, "low": ev.Kline.Low,
			"close": ev.Kline.Close, "volume": ev.Kline.Volume,
			"isClosed": ev.Kline.IsClosed,
		})
		if err != nil {
			return nil, false, err
		}
		return &Tick{
			Key: key, DataType: model.DataTypeKline, Data: data,
			EventTime: time.Now(), BarClosed: ev.Kline.IsClosed,
		}, true, nil
	}

	if channel == "bookTicker" {
		key := fmt.Sprintf("%s:%s@QUOTES", strings.ToUpper(a.Name()), symbol)
		return &Tick{Key: key, DataType: model.DataTypeQuotes, Data: env.Data, EventTime: time.Now()}, true, nil
	}

	return nil, false, nil
}

func nativeToTV(native string) string {
	for tv, n := range tvToNative {
		if n == native {
			return tv
		}
	}
	return native
}

func (a *BinanceAdapter) IsHeartbeat(raw []byte) bool {
	return string(raw) == "ping" || string(raw) == `{"ping":true}`
}

func (a *BinanceAdapter) FetchKlines(ctx context.Context, symbol, interval string, from, to int64, limit int) ([]model.KlineHistory, error) {
	native, ok := tvToNative[interval]
	if !ok {
		native = interval
	}
	if limit <= 0 || limit > 1500 {
		limit = 500
	}

	u := fmt.Sprintf("%s/fapi/v1/klines?symbol=%s&interval=%s&limit=%d", a.restBase, symbol, native, limit)
	if from > 0 {
		u += "&startTime=" + strconv.FormatInt(from, 10)
	}
	if to > 0 {
		u += "&endTime=" + strconv.FormatInt(to, 10)
	}

	var raw [][]interface{}
	if err := a.getJSON(ctx, u, &raw); err != nil {
		return nil, err
	}

	rows := make([]model.KlineHistory, 0, len(raw))
	for _, bar := range raw {
		if len(bar) < 7 {
			continue
		}
		rows = append(rows, model.KlineHistory{
			Symbol: symbol, Interval: interval,
			OpenTime:  toInt64(bar[0]),
			Open:      toFloat(bar[1]),
			High:      toFloat(bar[2]),
			Low:       toFloat(bar[3]),
			Close:     toFloat(bar[4]),
			Volume:    toFloat(bar[5]),
			CloseTime: toInt64(bar[6]),
		})
	}
	return rows, nil
}

// FetchQuotes has no batched bookTicker endpoint for an arbitrary symbol
// set, so it fans the per-symbol calls out concurrently instead of paying
// len(symbols) round trips serially; a.do's limiter still bounds how fast
// they actually hit the wire.
func (a *BinanceAdapter) FetchQuotes(ctx context.Context, symbols []string) ([]QuoteResult, error) {
	results := make([]QuoteResult, len(symbols))
	errs := make([]error, len(symbols))

	var wg sync.WaitGroup
	for i, sym := range symbols {
		wg.Add(1)
		go func(i int, sym string) {
			defer wg.Done()
			var raw json.RawMessage
			u := fmt.Sprintf("%s/fapi/v1/ticker/bookTicker?symbol=%s", a.restBase, sym)
			if err := a.getJSON(ctx, u, &raw); err != nil {
				errs[i] = fmt.Errorf("exchange: fetch quote %s: %w", sym, err)
				return
			}
			results[i] = QuoteResult{Symbol: sym, Data: raw}
		}(i, sym)
	}
	wg.Wait()

	out := make([]QuoteResult, 0, len(symbols))
	for i, err := range errs {
		if err != nil {
			return nil, err
		}
		out = append(out, results[i])
	}
	return out, nil
}

type serverTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

func (a *BinanceAdapter) FetchServerTime(ctx context.Context) (time.Time, error) {
	var resp serverTimeResponse
	if err := a.getJSON(ctx, a.restBase+"/fapi/v1/time", &resp); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(resp.ServerTime), nil
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
		Filters    json.RawMessage
	} `json:"symbols"`
}

func (a *BinanceAdapter) FetchExchangeInfo(ctx context.Context, marketType string) ([]model.ExchangeInfo, error) {
	var resp exchangeInfoResponse
	if err := a.getJSON(ctx, a.restBase+"/fapi/v1/exchangeInfo", &resp); err != nil {
		return nil, err
	}

	rows := make([]model.ExchangeInfo, 0, len(resp.Symbols))
	for _, s := range resp.Symbols {
		filters, _ := json.Marshal(s.Filters)
		rows = append(rows, model.ExchangeInfo{
			Exchange: a.Name(), MarketType: marketType, Symbol: s.Symbol,
			BaseAsset: s.BaseAsset, QuoteAsset: s.QuoteAsset, Filters: filters,
		})
	}
	return rows, nil
}

func (a *BinanceAdapter) FetchAccount(ctx context.Context, accountType model.AccountType) ([]byte, error) {
	path := "/fapi/v2/account"
	if accountType == model.AccountSpot {
		path = "/api/v3/account"
	}

	params := OrderedParams{{Key: "timestamp", Value: strconv.FormatInt(time.Now().UnixMilli(), 10)}}
	sig, err := a.Sign(params, a.cfg)
	if err != nil {
		return nil, err
	}
	params = append(params, KV{Key: "signature", Value: sig})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.restBase+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", a.cfg.APIKey)
	return a.do(req)
}

func (a *BinanceAdapter) Sign(params OrderedParams, cfg config.ExchangeConfig) (string, error) {
	return signPayload(params, cfg)
}

func (a *BinanceAdapter) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	body, err := a.do(req)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (a *BinanceAdapter) do(req *http.Request) ([]byte, error) {
	if err := a.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("exchange: %s returned %d: %s", req.URL.Path, resp.StatusCode, string(body))
	}
	return body, nil
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}
