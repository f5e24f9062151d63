package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"marketfabric.io/core/internal/config"
	"marketfabric.io/core/internal/metrics"
)

// UpstreamState is the public market-data connection's state machine, per
// the documented transitions: disconnected -> connecting -> up -> degraded
// -> disconnected, with capped-backoff reconnect and a full resubscribe on
// every successful reconnection.
type UpstreamState int

const (
	StateDisconnected UpstreamState = iota
	StateConnecting
	StateUp
	StateDegraded
)

// Upstream owns the single outbound market-data WebSocket. Grounded on the
// MEXC connector in the example pack (dial/read-loop/ping-loop/reconnect
// shape), generalized behind the Adapter seam and driven by a reconciliation
// callback instead of a fixed handler interface.
type Upstream struct {
	adapter Adapter
	cfg     config.ExchangeConfig
	log     zerolog.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	state UpstreamState

	onTick      func(*Tick)
	onReconnect func(ctx context.Context) // invoked after every successful (re)connect
}

func NewUpstream(adapter Adapter, cfg config.ExchangeConfig, log zerolog.Logger, onTick func(*Tick), onReconnect func(ctx context.Context)) *Upstream {
	return &Upstream{adapter: adapter, cfg: cfg, log: log, onTick: onTick, onReconnect: onReconnect}
}

func (u *Upstream) setState(s UpstreamState) {
	u.mu.Lock()
	u.state = s
	u.mu.Unlock()
	metrics.UpstreamState.Set(float64(s))
}

func (u *Upstream) State() UpstreamState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Run dials, reads, and reconnects forever until ctx is cancelled.
func (u *Upstream) Run(ctx context.Context) {
	backoff := u.cfg.ReconnectMinWait
	if backoff <= 0 {
		backoff = time.Second
	}
	maxBackoff := u.cfg.ReconnectMaxWait
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	for {
		if ctx.Err() != nil {
			return
		}

		u.setState(StateConnecting)
		if err := u.connect(ctx); err != nil {
			u.log.Warn().Err(err).Dur("backoff", backoff).Msg("upstream dial failed")
			u.setState(StateDegraded)
			metrics.UpstreamReconnects.Inc()
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		backoff = u.cfg.ReconnectMinWait
		if backoff <= 0 {
			backoff = time.Second
		}
		u.setState(StateUp)
		if u.onReconnect != nil {
			u.onReconnect(ctx)
		}

		u.readLoop(ctx) // blocks until the connection drops
		u.setState(StateDegraded)
		metrics.UpstreamReconnects.Inc()
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func (u *Upstream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.adapter.WSURL(), nil)
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()
	return nil
}

func (u *Upstream) readLoop(ctx context.Context) {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	for {
		if ctx.Err() != nil {
			conn.Close()
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			u.log.Warn().Err(err).Msg("upstream read error")
			conn.Close()
			return
		}

		if u.adapter.IsHeartbeat(raw) {
			conn.SetReadDeadline(time.Now().Add(90 * time.Second))
			continue
		}

		tick, ok, err := u.adapter.ParseTick(raw)
		if err != nil {
			u.log.Warn().Err(err).Msg("malformed upstream tick")
			continue
		}
		if ok && u.onTick != nil {
			u.onTick(tick)
		}
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	}
}

// Send writes a frame to the current connection. A write attempted while
// disconnected is dropped; the next onReconnect callback will resubscribe
// from realtime_data so nothing is permanently lost.
func (u *Upstream) Send(frame []byte) error {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return nil
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Reset drops the current connection; Run's loop will reconnect and trigger
// onReconnect, which the worker uses to implement subscription.clean.
func (u *Upstream) Reset() {
	u.mu.Lock()
	conn := u.conn
	u.conn = nil
	u.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
