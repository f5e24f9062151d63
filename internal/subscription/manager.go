// Package subscription is the gateway's C4 component: the in-memory
// key<->client index and the realtime_data upsert discipline that turns a
// 0->1 subscriber transition into a database row (and therefore a
// subscription.add notification the exchange worker reacts to).
//
// Grounded on the teacher's internal/engine/subscription.go
// (SubscriptionState, ref-counted add/remove), generalized from a single
// process-wide symbol set to per-client key membership.
package subscription

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"marketfabric.io/core/internal/metrics"
	"marketfabric.io/core/internal/model"
)

// SourceLabel is this process's entry in realtime_data.subscribers.
const SourceLabel = "api-service"

type Manager struct {
	mu           sync.Mutex
	keyToClients map[string]map[string]struct{}
	clientToKeys map[string]map[string]struct{}

	db  *gorm.DB
	log zerolog.Logger
}

func NewManager(db *gorm.DB, log zerolog.Logger) *Manager {
	return &Manager{
		keyToClients: make(map[string]map[string]struct{}),
		clientToKeys: make(map[string]map[string]struct{}),
		db:           db,
		log:          log,
	}
}

// Subscribe adds clientID as a subscriber of every key in keys. Keys that
// fail grammar validation are skipped and returned in invalid.
func (m *Manager) Subscribe(ctx context.Context, clientID string, keys []string) (invalid []string) {
	m.mu.Lock()
	firstSubscriber := make([]string, 0, len(keys))
	for _, key := range keys {
		dataType, err := Parse(key)
		if err != nil && !IsSignalKey(key) {
			invalid = append(invalid, key)
			continue
		}

		if m.keyToClients[key] == nil {
			m.keyToClients[key] = make(map[string]struct{})
		}
		_, existed := m.keyToClients[key][clientID]
		m.keyToClients[key][clientID] = struct{}{}

		if m.clientToKeys[clientID] == nil {
			m.clientToKeys[clientID] = make(map[string]struct{})
		}
		m.clientToKeys[clientID][key] = struct{}{}

		if !existed && len(m.keyToClients[key]) == 1 && !IsSignalKey(key) {
			firstSubscriber = append(firstSubscriber, key)
			_ = dataType
		}
	}
	metrics.SubscriptionsActive.Set(float64(len(m.keyToClients)))
	m.mu.Unlock()

	for _, key := range firstSubscriber {
		dataType, _ := Parse(key)
		if err := m.upsertSubscriber(ctx, key, dataType); err != nil {
			m.log.Error().Err(err).Str("key", key).Msg("failed to record subscriber in realtime_data")
		}
	}
	return invalid
}

// Unsubscribe removes clientID from every key in keys.
func (m *Manager) Unsubscribe(ctx context.Context, clientID string, keys []string) {
	m.mu.Lock()
	lastSubscriber := make([]string, 0, len(keys))
	for _, key := range keys {
		if clients, ok := m.keyToClients[key]; ok {
			delete(clients, clientID)
			if len(clients) == 0 {
				delete(m.keyToClients, key)
				if !IsSignalKey(key) {
					lastSubscriber = append(lastSubscriber, key)
				}
			}
		}
		if ks, ok := m.clientToKeys[clientID]; ok {
			delete(ks, key)
			if len(ks) == 0 {
				delete(m.clientToKeys, clientID)
			}
		}
	}
	metrics.SubscriptionsActive.Set(float64(len(m.keyToClients)))
	m.mu.Unlock()

	for _, key := range lastSubscriber {
		if err := m.removeSubscriber(ctx, key); err != nil {
			m.log.Error().Err(err).Str("key", key).Msg("failed to remove subscriber from realtime_data")
		}
	}
}

// DisconnectClient unsubscribes clientID from every key it held.
func (m *Manager) DisconnectClient(ctx context.Context, clientID string) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.clientToKeys[clientID]))
	for k := range m.clientToKeys[clientID] {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	m.Unsubscribe(ctx, clientID, keys)
}

// SubscribersOf returns the client ids currently subscribed to key.
func (m *Manager) SubscribersOf(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	clients := m.keyToClients[key]
	out := make([]string, 0, len(clients))
	for id := range clients {
		out = append(out, id)
	}
	return out
}

// KeysOf returns the subscription keys clientID currently holds.
func (m *Manager) KeysOf(clientID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.clientToKeys[clientID]
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	return out
}

func (m *Manager) upsertSubscriber(ctx context.Context, key string, dataType model.DataType) error {
	return m.db.WithContext(ctx).Exec(`
		INSERT INTO realtime_data (key, data_type, data, subscribers, event_time)
		VALUES (?, ?, '{}'::jsonb, ARRAY[?]::text[], now())
		ON CONFLICT (key) DO UPDATE SET
			subscribers = array_append(realtime_data.subscribers, ?)
		WHERE NOT (? = ANY(realtime_data.subscribers))
	`, key, dataType, SourceLabel, SourceLabel, SourceLabel).Error
}

func (m *Manager) removeSubscriber(ctx context.Context, key string) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var remaining int
		row := tx.Raw(`
			UPDATE realtime_data SET subscribers = array_remove(subscribers, ?)
			WHERE key = ? RETURNING cardinality(subscribers)
		`, SourceLabel, key).Row()
		if err := row.Scan(&remaining); err != nil {
			if err.Error() == "sql: no rows in result set" {
				return nil
			}
			return err
		}

		if remaining == 0 {
			if err := tx.Exec(`DELETE FROM realtime_data WHERE key = ?`, key).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// CleanOwnSubscriptions runs once at gateway startup: it removes this
// process's label from every realtime_data row (deleting rows it owned
// exclusively) without touching rows other services subscribe to, then fires
// an explicit subscription.clean notification so the exchange worker resets
// its upstream connection and re-subscribes from the surviving rows.
func (m *Manager) CleanOwnSubscriptions(ctx context.Context) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`DELETE FROM realtime_data WHERE subscribers = ARRAY[?]::text[]`, SourceLabel).Error; err != nil {
			return fmt.Errorf("subscription: delete exclusive rows: %w", err)
		}
		if err := tx.Exec(`
			UPDATE realtime_data SET subscribers = array_remove(subscribers, ?)
			WHERE ? = ANY(subscribers)
		`, SourceLabel, SourceLabel).Error; err != nil {
			return fmt.Errorf("subscription: strip own label: %w", err)
		}
		if err := tx.Exec(`SELECT pg_notify('subscription.clean', '{"action":"clean_all"}')`).Error; err != nil {
			return fmt.Errorf("subscription: notify clean: %w", err)
		}
		return nil
	})
}
