// Package signal is the C9 component: an independent process maintaining
// one in-memory AlertSignal per enabled alert, fed by its own notification
// listener and serialized per subscription key.
//
// Grounded on the teacher's internal/strategies/executor.go (Executor,
// symbol->runners map, OnMarketData dispatch) generalized from a
// single-process in-gateway executor to a standalone service with its own
// admission/fill/gap-repair lifecycle, and on runner.go's
// ConditionOrderRunner for the strategy-instance shape.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"marketfabric.io/core/internal/config"
	"marketfabric.io/core/internal/listener"
	"marketfabric.io/core/internal/metrics"
	"marketfabric.io/core/internal/model"
)

// SourceLabel is this process's entry in realtime_data.subscribers.
const SourceLabel = "signal-service"

// AlertSignal bundles a live alert's config snapshot, instantiated strategy
// object, and runtime trigger state.
type AlertSignal struct {
	Config          model.AlertConfig
	Strategy        Strategy
	Key             string
	Disabled        bool  // set once an once_only alert has fired
	lastMinuteEvald int64 // last minuteTick value this alert was evaluated at
}

type Engine struct {
	db           *gorm.DB
	cfg          config.SignalEngineConfig
	exchangeName string
	log          zerolog.Logger
	cache        *Cache
	cron         *cron.Cron
	minuteTick   int64 // incremented once per wall-clock minute, see Start

	mu          sync.RWMutex
	alerts      map[string]*AlertSignal    // alert id -> signal
	alertsByKey map[string]map[string]bool // subscription key -> set of alert ids

	waitMu  sync.Mutex
	waiters map[int64]chan struct{}
}

func NewEngine(db *gorm.DB, cfg config.SignalEngineConfig, exchangeName string, log zerolog.Logger) *Engine {
	return &Engine{
		db:           db,
		cfg:          cfg,
		exchangeName: exchangeName,
		log:          log,
		cache:        NewCache(),
		cron:         cron.New(),
		alerts:       make(map[string]*AlertSignal),
		alertsByKey:  make(map[string]map[string]bool),
		waiters:      make(map[int64]chan struct{}),
	}
}

// PublishMetadata upserts every registered strategy's descriptor into
// alert_strategy_metadata so the gateway can serve metadata queries without
// sharing a binary with the signal engine.
func (e *Engine) PublishMetadata(ctx context.Context) error {
	for _, d := range All() {
		row := model.StrategyMetadata{
			Type: d.Type, Name: d.Name, Description: d.Description,
			ParamSchema: datatypes.JSON(d.ParamSchema),
		}
		if err := e.db.WithContext(ctx).Save(&row).Error; err != nil {
			return fmt.Errorf("signal: publish metadata for %s: %w", d.Type, err)
		}
	}
	return nil
}

func (e *Engine) keyFor(symbol, interval string) string {
	return fmt.Sprintf("%s:%s@KLINE_%s", strings.ToUpper(e.exchangeName), symbol, interval)
}

func (e *Engine) requiredKlines() int {
	if e.cfg.RequiredKlines > 0 {
		return e.cfg.RequiredKlines
	}
	return 280
}

func (e *Engine) fillWaitTimeout() time.Duration {
	if e.cfg.FillWaitTimeout > 0 {
		return e.cfg.FillWaitTimeout
	}
	return 5 * time.Second
}

func (e *Engine) fillRetryDelay() time.Duration {
	if e.cfg.FillRetryDelay > 0 {
		return e.cfg.FillRetryDelay
	}
	return 2 * time.Second
}

// Start loads every enabled alert, admits it, and starts the cadence clock
// each_minute triggers read from. Aligning to the wall-clock minute (rather
// than 60s-since-last-fire) matches the plain reading of "each minute."
func (e *Engine) Start(ctx context.Context) error {
	if _, err := e.cron.AddFunc("* * * * *", func() {
		atomic.AddInt64(&e.minuteTick, 1)
	}); err != nil {
		return fmt.Errorf("signal: schedule minute tick: %w", err)
	}
	e.cron.Start()

	var configs []model.AlertConfig
	if err := e.db.WithContext(ctx).Where("enabled = ?", true).Find(&configs).Error; err != nil {
		return fmt.Errorf("signal: load alert configs: %w", err)
	}
	for _, ac := range configs {
		if err := e.admit(ctx, ac); err != nil {
			e.log.Error().Err(err).Str("alert_id", ac.ID).Msg("failed to admit alert at startup")
		}
	}
	return nil
}

func (e *Engine) Stop() {
	e.cron.Stop()
}

// Run consumes decoded notifications until ctx is cancelled or envelopes
// closes.
func (e *Engine) Run(ctx context.Context, envelopes <-chan *listener.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-envelopes:
			if !ok {
				return
			}
			e.dispatch(ctx, env)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, env *listener.Envelope) {
	switch env.EventType {
	case "realtime.update":
		e.onRealtimeUpdate(ctx, env.Data)
	case "task.completed", "task.failed":
		e.resolveFill(gjson.GetBytes(env.Data, "id").Int())
	case "alert_config.new":
		e.onAlertNew(ctx, env.Data)
	case "alert_config.update":
		e.onAlertUpdate(ctx, env.Data)
	case "alert_config.delete":
		e.onAlertDelete(ctx, env.Data)
	}
}

// --- admission & fill -------------------------------------------------

func (e *Engine) admit(ctx context.Context, ac model.AlertConfig) error {
	strategy, err := e.buildStrategy(ac)
	if err != nil {
		return err
	}

	key := e.keyFor(ac.Symbol, ac.Interval)
	if err := e.ensureSubscription(ctx, key); err != nil {
		return err
	}

	as := &AlertSignal{Config: ac, Strategy: strategy, Key: key}

	e.mu.Lock()
	e.alerts[ac.ID] = as
	if e.alertsByKey[key] == nil {
		e.alertsByKey[key] = make(map[string]bool)
	}
	e.alertsByKey[key][ac.ID] = true
	e.mu.Unlock()

	if err := e.loadHistory(ctx, key, ac.Symbol, ac.Interval); err != nil {
		return err
	}

	// Two-condition admission test: count and contiguity. Time-alignment
	// with "now" is not checked here; a stale tail is caught later by the
	// runtime gap classification when the next live bar arrives.
	if !e.isAdmitted(key) {
		if err := e.fillLoop(ctx, key, ac.Symbol, ac.Interval); err != nil {
			return err
		}
		if err := e.loadHistory(ctx, key, ac.Symbol, ac.Interval); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) buildStrategy(ac model.AlertConfig) (Strategy, error) {
	d, ok := Get(ac.StrategyType)
	if !ok {
		return nil, fmt.Errorf("signal: unknown strategy type %q", ac.StrategyType)
	}
	return d.New(ac.Params)
}

func (e *Engine) ensureSubscription(ctx context.Context, key string) error {
	return e.db.WithContext(ctx).Exec(`
		INSERT INTO realtime_data (key, data_type, data, subscribers, event_time)
		VALUES (?, 'KLINE', '{}'::jsonb, ARRAY[?]::text[], now())
		ON CONFLICT (key) DO UPDATE SET
			subscribers = array_append(realtime_data.subscribers, ?)
		WHERE NOT (? = ANY(realtime_data.subscribers))
	`, key, SourceLabel, SourceLabel, SourceLabel).Error
}

// removeSubscription mirrors subscription.Manager's removeSubscriber: strip
// this process's label, and delete the row if that leaves it empty.
func (e *Engine) removeSubscription(ctx context.Context, key string) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
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
			return tx.Exec(`DELETE FROM realtime_data WHERE key = ?`, key).Error
		}
		return nil
	})
}

func (e *Engine) loadHistory(ctx context.Context, key, symbol, interval string) error {
	var rows []model.KlineHistory
	if err := e.db.WithContext(ctx).
		Where("symbol = ? AND interval = ?", symbol, interval).
		Order("open_time DESC").
		Limit(e.requiredKlines()).
		Find(&rows).Error; err != nil {
		return fmt.Errorf("signal: load history for %s: %w", key, err)
	}

	bars := make([]Bar, len(rows))
	for i, r := range rows {
		bars[len(rows)-1-i] = Bar{
			OpenTime: r.OpenTime, CloseTime: r.CloseTime,
			Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume,
			Closed: true,
		}
	}
	e.cache.Set(key, bars)
	return nil
}

func (e *Engine) isAdmitted(key string) bool {
	bars := e.cache.Get(key)
	if len(bars) < e.requiredKlines() {
		return false
	}
	interval := intervalFromKey(key)
	ms := IntervalMillis(interval)
	for i := 1; i < len(bars); i++ {
		if bars[i].OpenTime-bars[i-1].OpenTime != ms {
			return false
		}
	}
	return true
}

func intervalFromKey(key string) string {
	underscore := strings.LastIndex(key, "_")
	if underscore < 0 {
		return ""
	}
	return key[underscore+1:]
}

// fillLoop creates a get_klines task for the full history, waits up to
// fillWaitTimeout on its completion notification, and on timeout falls back
// to probing the row directly before sleeping and retrying. It returns only
// once the task has succeeded.
func (e *Engine) fillLoop(ctx context.Context, key, symbol, interval string) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		taskID, err := e.createFillTask(ctx, symbol, interval)
		if err != nil {
			return err
		}

		waitCtx, cancel := context.WithTimeout(ctx, e.fillWaitTimeout())
		e.waitForTask(waitCtx, taskID)
		cancel()

		var task model.Task
		if err := e.db.WithContext(ctx).First(&task, taskID).Error; err == nil &&
			task.Status == model.TaskStatusCompleted {
			return nil
		}

		e.log.Warn().Str("key", key).Int64("task_id", taskID).Msg("fill task not yet complete, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.fillRetryDelay()):
		}
	}
}

func (e *Engine) createFillTask(ctx context.Context, symbol, interval string) (int64, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"symbol": symbol, "interval": interval, "limit": 1000,
	})
	if err != nil {
		return 0, err
	}
	task := model.Task{Type: model.TaskGetKlines, Payload: datatypes.JSON(payload), Status: model.TaskStatusPending}
	if err := e.db.WithContext(ctx).Create(&task).Error; err != nil {
		return 0, fmt.Errorf("signal: create fill task: %w", err)
	}
	metrics.TasksCreated.WithLabelValues(string(model.TaskGetKlines)).Inc()
	return task.ID, nil
}

func (e *Engine) waitForTask(ctx context.Context, taskID int64) bool {
	ch := make(chan struct{})
	e.waitMu.Lock()
	e.waiters[taskID] = ch
	e.waitMu.Unlock()
	defer func() {
		e.waitMu.Lock()
		delete(e.waiters, taskID)
		e.waitMu.Unlock()
	}()

	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) resolveFill(taskID int64) {
	e.waitMu.Lock()
	ch, ok := e.waiters[taskID]
	e.waitMu.Unlock()
	if ok {
		close(ch)
	}
}

// --- runtime evaluation -------------------------------------------------

func (e *Engine) onRealtimeUpdate(ctx context.Context, data []byte) {
	key := gjson.GetBytes(data, "subscription_key").String()
	if gjson.GetBytes(data, "data_type").String() != string(model.DataTypeKline) {
		return
	}

	e.mu.RLock()
	alertIDs, watched := e.alertsByKey[key]
	e.mu.RUnlock()
	if !watched || len(alertIDs) == 0 {
		return
	}

	lock := e.cache.Lock(key)
	if !lock.TryLock() {
		// A repair for this key is already in flight; drop this update
		// silently rather than queue behind it.
		return
	}
	defer lock.Unlock()

	payload := gjson.GetBytes(data, "data")
	openTime := payload.Get("openTime").Int()
	interval := intervalFromKey(key)
	ms := IntervalMillis(interval)

	last, hasLast := e.cache.Last(key)
	bar := Bar{
		OpenTime: openTime, CloseTime: payload.Get("closeTime").Int(),
		Open: payload.Get("open").Float(), High: payload.Get("high").Float(),
		Low: payload.Get("low").Float(), Close: payload.Get("close").Float(),
		Volume: payload.Get("volume").Float(), Closed: payload.Get("isClosed").Bool(),
	}

	if !hasLast {
		e.cache.Append(key, bar)
	} else {
		switch ClassifyGap(last.OpenTime, openTime, ms) {
		case GapSame:
			e.cache.UpdateLast(key, bar)
		case GapNext:
			e.cache.Append(key, bar)
		case GapLarge:
			symbol := strings.SplitN(strings.SplitN(key, "@", 2)[0], ":", 2)[1]
			if err := e.fillLoop(ctx, key, symbol, interval); err != nil {
				e.log.Error().Err(err).Str("key", key).Msg("gap repair failed")
				return
			}
			if err := e.loadHistory(ctx, key, symbol, interval); err != nil {
				e.log.Error().Err(err).Str("key", key).Msg("gap repair reload failed")
				return
			}
		case GapOther:
			return
		}
	}

	e.evaluate(ctx, key, alertIDs, bar.Closed)
}

func (e *Engine) evaluate(ctx context.Context, key string, alertIDs map[string]bool, barClosed bool) {
	window := e.cache.Get(key)
	tick := atomic.LoadInt64(&e.minuteTick)

	for id := range alertIDs {
		e.mu.Lock()
		as, ok := e.alerts[id]
		if !ok || as.Disabled {
			e.mu.Unlock()
			continue
		}

		shouldEval := false
		switch as.Config.TriggerType {
		case model.TriggerEachKlineClose:
			shouldEval = barClosed
		case model.TriggerEachKline:
			shouldEval = true
		case model.TriggerEachMinute:
			if tick != as.lastMinuteEvald {
				as.lastMinuteEvald = tick
				shouldEval = true
			}
		case model.TriggerOnceOnly:
			shouldEval = true
		}
		e.mu.Unlock()

		if !shouldEval {
			continue
		}

		sig, reason := as.Strategy.Evaluate(window)
		if sig == model.SignalNone {
			continue
		}

		e.writeSignal(ctx, as, sig, reason)

		if as.Config.TriggerType == model.TriggerOnceOnly {
			e.mu.Lock()
			as.Disabled = true
			e.mu.Unlock()
		}
	}
}

func (e *Engine) writeSignal(ctx context.Context, as *AlertSignal, sig model.SignalValue, reason string) {
	row := model.StrategySignal{
		AlertID: as.Config.ID, StrategyType: as.Config.StrategyType,
		Symbol: as.Config.Symbol, Interval: as.Config.Interval,
		TriggerType: as.Config.TriggerType, Signal: sig, Reason: reason,
	}
	if err := e.db.WithContext(ctx).Create(&row).Error; err != nil {
		e.log.Error().Err(err).Str("alert_id", as.Config.ID).Msg("failed to write strategy signal")
		return
	}
	metrics.SignalsEmitted.WithLabelValues(as.Config.StrategyType, string(sig)).Inc()
}

// --- alert config change handling ---------------------------------------

func (e *Engine) onAlertNew(ctx context.Context, data []byte) {
	ac := alertConfigFromRow(data)
	if !ac.Enabled {
		return
	}
	if err := e.admit(ctx, ac); err != nil {
		e.log.Error().Err(err).Str("alert_id", ac.ID).Msg("failed to admit new alert")
	}
}

func (e *Engine) onAlertUpdate(ctx context.Context, data []byte) {
	ac := alertConfigFromRow(data)

	e.mu.RLock()
	existing, ok := e.alerts[ac.ID]
	e.mu.RUnlock()

	if !ok {
		if ac.Enabled {
			if err := e.admit(ctx, ac); err != nil {
				e.log.Error().Err(err).Str("alert_id", ac.ID).Msg("failed to admit updated alert")
			}
		}
		return
	}

	if !ac.Enabled {
		e.retireAlert(ctx, existing)
		return
	}

	if onlyEnabledChanged(existing.Config, ac) {
		e.mu.Lock()
		existing.Config.Enabled = ac.Enabled
		e.mu.Unlock()
		return
	}

	// Any other field change: delete and rebuild.
	e.retireAlert(ctx, existing)
	if err := e.admit(ctx, ac); err != nil {
		e.log.Error().Err(err).Str("alert_id", ac.ID).Msg("failed to rebuild updated alert")
	}
}

func (e *Engine) onAlertDelete(ctx context.Context, data []byte) {
	ac := alertConfigFromRow(data)

	e.mu.RLock()
	existing, ok := e.alerts[ac.ID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	e.retireAlert(ctx, existing)
}

// retireAlert removes as from both maps and, if it was the last alert on
// its key, removes this process's subscriber label (and cache entry).
func (e *Engine) retireAlert(ctx context.Context, as *AlertSignal) {
	e.mu.Lock()
	delete(e.alerts, as.Config.ID)
	lastOnKey := false
	if ids, ok := e.alertsByKey[as.Key]; ok {
		delete(ids, as.Config.ID)
		if len(ids) == 0 {
			delete(e.alertsByKey, as.Key)
			lastOnKey = true
		}
	}
	e.mu.Unlock()

	if lastOnKey {
		e.cache.Drop(as.Key)
		if err := e.removeSubscription(ctx, as.Key); err != nil {
			e.log.Error().Err(err).Str("key", as.Key).Msg("failed to remove signal subscription")
		}
	}
}

func onlyEnabledChanged(old, next model.AlertConfig) bool {
	return old.Symbol == next.Symbol && old.Interval == next.Interval &&
		old.StrategyType == next.StrategyType && string(old.Params) == string(next.Params) &&
		old.TriggerType == next.TriggerType && old.Name == next.Name &&
		old.Description == next.Description && old.Owner == next.Owner
}

func alertConfigFromRow(data []byte) model.AlertConfig {
	return model.AlertConfig{
		ID:           gjson.GetBytes(data, "id").String(),
		Name:         gjson.GetBytes(data, "name").String(),
		Description:  gjson.GetBytes(data, "description").String(),
		StrategyType: gjson.GetBytes(data, "strategy_type").String(),
		Symbol:       gjson.GetBytes(data, "symbol").String(),
		Interval:     gjson.GetBytes(data, "interval").String(),
		TriggerType:  model.TriggerType(gjson.GetBytes(data, "trigger_type").String()),
		Params:       datatypes.JSON(gjson.GetBytes(data, "params").Raw),
		Enabled:      gjson.GetBytes(data, "enabled").Bool(),
		Owner:        gjson.GetBytes(data, "owner").String(),
	}
}
