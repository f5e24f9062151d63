// Package clientmanager is the registry of WebSocket clients: per-client
// send pumps, rate limiting, and non-blocking broadcast-by-key delivery.
// Adapted from the teacher's infra.WsManager/WsClient hub, generalized from
// symbol-keyed CTP broadcast to subscription-key protocol envelopes.
package clientmanager

import (
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"marketfabric.io/core/internal/config"
	"marketfabric.io/core/internal/domain"
	"marketfabric.io/core/internal/metrics"
	"marketfabric.io/core/internal/protocol"
)

// Client is one connected WebSocket consumer. The send channel decouples the
// hot broadcast path from a single slow socket; overflow disconnects rather
// than backpressures.
type Client struct {
	ID      string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *Client) Send(raw []byte) (dropped bool) {
	select {
	case c.send <- raw:
		return false
	default:
		return true
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		close(c.send)
		_ = c.conn.Close()
	})
}

// InboundHandler processes one decoded client request. It is supplied by the
// gateway wiring (C3's task router dispatches on envelope type).
type InboundHandler func(client *Client, env *protocol.Envelope)

// Manager is the registry: client id -> Client, plus the register/unregister
// event loop the teacher's WsManager.Start() runs.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client

	cfg config.ClientManagerConfig
	log zerolog.Logger

	onInbound    InboundHandler
	onDisconnect func(clientID string)
}

func NewManager(cfg config.ClientManagerConfig, log zerolog.Logger, onInbound InboundHandler, onDisconnect func(string)) *Manager {
	return &Manager{
		clients:      make(map[string]*Client),
		register:     make(chan *Client, 16),
		unregister:   make(chan *Client, 16),
		cfg:          cfg,
		log:          log,
		onInbound:    onInbound,
		onDisconnect: onDisconnect,
	}
}

// Run is the hub event loop; it must be started once per process.
func (m *Manager) Run() {
	for {
		select {
		case c := <-m.register:
			m.mu.Lock()
			m.clients[c.ID] = c
			metrics.ClientsConnected.Set(float64(len(m.clients)))
			m.mu.Unlock()
		case c := <-m.unregister:
			m.mu.Lock()
			_, ok := m.clients[c.ID]
			delete(m.clients, c.ID)
			metrics.ClientsConnected.Set(float64(len(m.clients)))
			m.mu.Unlock()
			if ok {
				c.Close()
				if m.onDisconnect != nil {
					m.onDisconnect(c.ID)
				}
			}
		}
	}
}

// Accept registers conn under clientID and starts its read/write pumps. It
// blocks until the connection ends, mirroring the teacher's per-connection
// fiber websocket handler lifetime.
func (m *Manager) Accept(clientID string, conn *websocket.Conn) {
	c := &Client{
		ID:      clientID,
		conn:    conn,
		send:    make(chan []byte, m.sendQueueSize()),
		limiter: rate.NewLimiter(rate.Limit(m.rateLimitPerSec()), m.rateLimitBurst()),
		closed:  make(chan struct{}),
	}

	m.register <- c

	done := make(chan struct{})
	go m.writePump(c, done)
	m.readPump(c)
	close(done)

	m.unregister <- c
}

func (m *Manager) sendQueueSize() int {
	if m.cfg.SendQueueSize > 0 {
		return m.cfg.SendQueueSize
	}
	return 256
}

func (m *Manager) rateLimitPerSec() float64 {
	if m.cfg.RateLimitPerSec > 0 {
		return m.cfg.RateLimitPerSec
	}
	return 20
}

func (m *Manager) rateLimitBurst() int {
	if m.cfg.RateLimitBurst > 0 {
		return m.cfg.RateLimitBurst
	}
	return 40
}

func (m *Manager) writePump(c *Client, done <-chan struct{}) {
	ping := time.NewTicker(m.pingInterval())
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (m *Manager) pingInterval() time.Duration {
	if m.cfg.PingInterval > 0 {
		return m.cfg.PingInterval
	}
	return 20 * time.Second
}

func (m *Manager) pongTimeout() time.Duration {
	if m.cfg.PongTimeout > 0 {
		return m.cfg.PongTimeout
	}
	return 60 * time.Second
}

func (m *Manager) readPump(c *Client) {
	_ = c.conn.SetReadDeadline(time.Now().Add(m.pongTimeout()))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(m.pongTimeout()))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		if !c.limiter.Allow() {
			m.sendError(c, "", domain.ErrCodeRateLimitExceeded, "request rate exceeded")
			continue
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			m.sendError(c, "", domain.ErrCodeInvalidParameters, "malformed envelope")
			continue
		}

		if m.onInbound != nil {
			m.onInbound(c, env)
		}
	}
}

func (m *Manager) sendError(c *Client, requestID string, code domain.ErrorCode, msg string) {
	env := protocol.Error(requestID, code, msg)
	raw, err := protocol.Encode(env, nowMillis())
	if err != nil {
		return
	}
	c.Send(raw)
}

// SendEnvelope delivers env to one client by id. Returns false if the client
// is unknown or its queue is full (the client is then disconnected).
func (m *Manager) SendEnvelope(clientID string, env protocol.Envelope) bool {
	m.mu.RLock()
	c, ok := m.clients[clientID]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	raw, err := protocol.Encode(env, nowMillis())
	if err != nil {
		return false
	}
	if dropped := c.Send(raw); dropped {
		m.unregister <- c
		return false
	}
	return true
}

// Broadcast delivers env to every client id in ids, dropping any whose queue
// is full rather than blocking the shared hot path.
func (m *Manager) Broadcast(ids []string, env protocol.Envelope) {
	raw, err := protocol.Encode(env, nowMillis())
	if err != nil {
		return
	}

	m.mu.RLock()
	targets := make([]*Client, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range targets {
		if dropped := c.Send(raw); dropped {
			m.unregister <- c
		}
	}
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func nowMillis() int64 { return time.Now().UnixMilli() }
