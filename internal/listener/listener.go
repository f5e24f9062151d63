// Package listener owns the single dedicated LISTEN connection each process
// holds open against Postgres. It is never used for queries — see
// internal/dbconn — which is a correctness constraint (see spec) not a
// tuning choice: queries must never starve behind a listen-in-progress, and
// a listen must never be starved by query traffic contending for the pool.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"marketfabric.io/core/internal/config"
	"marketfabric.io/core/internal/metrics"
)

// Envelope is the decoded form of every pg_notify payload: {event_id,
// event_type, timestamp, data}.
type Envelope struct {
	EventID   uuid.UUID       `json:"event_id"`
	EventType string          `json:"event_type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Listener wraps a pq.Listener, decodes notifications, and fans them out
// over a single bounded dispatch channel.
type Listener struct {
	pq       *pq.Listener
	channels []string
	dispatch chan *Envelope
	log      zerolog.Logger
}

// New creates a Listener bound to dsn, pre-subscribed to channels. The
// underlying pq.Listener manages its own reconnects and re-issues every
// LISTEN itself on reconnect, because it replays its channel set.
func New(dsn string, channels []string, cfg config.ListenerConfig, log zerolog.Logger) *Listener {
	l := &Listener{
		channels: channels,
		dispatch: make(chan *Envelope, cfg.DispatchBuffer),
		log:      log,
	}

	eventCallback := func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventReconnected, pq.ListenerEventConnectionAttemptFailed:
			metrics.ListenerReconnects.Inc()
			if err != nil {
				log.Warn().Err(err).Str("event", reconnectEventName(ev)).Msg("listener reconnect event")
			}
		case pq.ListenerEventDisconnected:
			log.Warn().Err(err).Msg("listener disconnected")
		}
	}

	l.pq = pq.NewListener(dsn, cfg.MinBackoff, cfg.MaxBackoff, eventCallback)
	return l
}

func reconnectEventName(ev pq.ListenerEventType) string {
	switch ev {
	case pq.ListenerEventConnected:
		return "connected"
	case pq.ListenerEventDisconnected:
		return "disconnected"
	case pq.ListenerEventReconnected:
		return "reconnected"
	case pq.ListenerEventConnectionAttemptFailed:
		return "connection_attempt_failed"
	default:
		return "unknown"
	}
}

// Start subscribes to every channel and begins the decode/dispatch loop. It
// blocks until ctx is cancelled or the underlying connection is closed.
func (l *Listener) Start(ctx context.Context) error {
	for _, ch := range l.channels {
		if err := l.pq.Listen(ch); err != nil {
			return fmt.Errorf("listener: LISTEN %s: %w", ch, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return l.pq.Close()
		case n, ok := <-l.pq.Notify:
			if !ok {
				return nil
			}
			if n == nil {
				// Empty notification: pq signals a reconnect this way; all
				// LISTENs have already been replayed by the library.
				continue
			}
			l.handle(n)
		case <-time.After(90 * time.Second):
			// pq.Listener recommends a periodic Ping to detect a dead
			// connection the driver hasn't yet noticed.
			_ = l.pq.Ping()
		}
	}
}

func (l *Listener) handle(n *pq.Notification) {
	var env Envelope
	if err := json.Unmarshal([]byte(n.Extra), &env); err != nil {
		l.log.Warn().Err(err).Str("channel", n.Channel).Msg("dropping malformed notification payload")
		return
	}

	select {
	case l.dispatch <- &env:
		return
	default:
	}

	// Dispatch channel full: drop the oldest queued envelope to make room,
	// per the documented backpressure policy (consumers reconcile from
	// state tables on the next full resync, so losing one is safe).
	select {
	case <-l.dispatch:
		metrics.ListenerDrops.Inc()
	default:
	}
	select {
	case l.dispatch <- &env:
	default:
		metrics.ListenerDrops.Inc()
	}
}

// Envelopes returns the channel consumers read decoded notifications from.
func (l *Listener) Envelopes() <-chan *Envelope {
	return l.dispatch
}

// Close releases the underlying connection.
func (l *Listener) Close() error {
	return l.pq.Close()
}
