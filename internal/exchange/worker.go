package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"marketfabric.io/core/internal/config"
	"marketfabric.io/core/internal/domain"
	"marketfabric.io/core/internal/listener"
	"marketfabric.io/core/internal/metrics"
	"marketfabric.io/core/internal/model"
)

// Worker is the C8 component. Grounded on the teacher's TradingServiceImpl
// (generate a ref / dispatch downstream / write the outcome back) and on
// WsManager's Hub-style register/unregister channels for the batching-queue
// shape, reworked around the spec's subscribe/unsubscribe coalescing window
// instead of client registration.
type Worker struct {
	db   *gorm.DB
	bulk *pgxpool.Pool

	adapter  Adapter
	upstream *Upstream
	cfg      config.ExchangeConfig
	log      zerolog.Logger

	qmu     sync.Mutex
	queued  map[string]SubscriptionIntent // key -> latest intent, subscribe or unsubscribe
	actions map[string]string             // key -> "subscribe" | "unsubscribe"
	flush   *time.Timer
}

func NewWorker(db *gorm.DB, bulk *pgxpool.Pool, cfg config.ExchangeConfig, log zerolog.Logger) *Worker {
	adapter := New(cfg)
	w := &Worker{
		db: db, bulk: bulk, adapter: adapter, cfg: cfg, log: log,
		queued:  make(map[string]SubscriptionIntent),
		actions: make(map[string]string),
	}
	w.upstream = NewUpstream(adapter, cfg, log, w.handleTick, w.reconcile)
	return w
}

// Run starts the upstream connection and consumes decoded notifications
// until ctx is cancelled or envelopes closes.
func (w *Worker) Run(ctx context.Context, envelopes <-chan *listener.Envelope) {
	go w.upstream.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-envelopes:
			if !ok {
				return
			}
			w.dispatch(ctx, env)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, env *listener.Envelope) {
	switch env.EventType {
	case "subscription.add":
		w.enqueue(env.Data, "subscribe")
	case "subscription.remove":
		w.enqueue(env.Data, "unsubscribe")
	case "subscription.clean":
		w.log.Info().Msg("subscription.clean received, resetting upstream connection")
		w.upstream.Reset()
	case "task.new":
		go w.handleTask(ctx, env.Data)
	default:
		w.log.Debug().Str("event_type", env.EventType).Msg("unhandled notification type")
	}
}

func (w *Worker) enqueue(data []byte, action string) {
	key := gjson.GetBytes(data, "subscription_key").String()
	dataType := model.DataType(gjson.GetBytes(data, "data_type").String())
	if key == "" {
		return
	}

	w.qmu.Lock()
	w.queued[key] = SubscriptionIntent{Key: key, DataType: dataType}
	w.actions[key] = action
	if w.flush == nil {
		window := w.cfg.BatchingWindow
		if window <= 0 {
			window = 250 * time.Millisecond
		}
		w.flush = time.AfterFunc(window, w.flushQueue)
	}
	w.qmu.Unlock()
}

func (w *Worker) flushQueue() {
	w.qmu.Lock()
	var subs, unsubs []SubscriptionIntent
	for key, intent := range w.queued {
		if w.actions[key] == "subscribe" {
			subs = append(subs, intent)
		} else {
			unsubs = append(unsubs, intent)
		}
	}
	count := len(w.queued)
	w.queued = make(map[string]SubscriptionIntent)
	w.actions = make(map[string]string)
	w.flush = nil
	w.qmu.Unlock()

	metrics.BatchFlushSize.Observe(float64(count))

	if frames, err := w.adapter.BuildSubscribe(subs); err != nil {
		w.log.Error().Err(err).Msg("build subscribe frame failed")
	} else {
		w.sendAll(frames)
	}
	if frames, err := w.adapter.BuildUnsubscribe(unsubs); err != nil {
		w.log.Error().Err(err).Msg("build unsubscribe frame failed")
	} else {
		w.sendAll(frames)
	}
}

func (w *Worker) sendAll(frames [][]byte) {
	for _, f := range frames {
		if err := w.upstream.Send(f); err != nil {
			w.log.Warn().Err(err).Msg("upstream send failed")
		}
	}
}

// reconcile runs on every successful upstream (re)connect: it bypasses the
// batching window and issues one bulk SUBSCRIBE from the current contents of
// realtime_data, so a fresh connection always converges to the correct
// subscription set regardless of what was queued before the drop.
func (w *Worker) reconcile(ctx context.Context) {
	var rows []model.RealtimeData
	if err := w.db.WithContext(ctx).Select("key", "data_type").Find(&rows).Error; err != nil {
		w.log.Error().Err(err).Msg("reconcile: failed to load realtime_data")
		return
	}

	intents := make([]SubscriptionIntent, 0, len(rows))
	for _, r := range rows {
		intents = append(intents, SubscriptionIntent{Key: r.Key, DataType: r.DataType})
	}

	frames, err := w.adapter.BuildSubscribe(intents)
	if err != nil {
		w.log.Error().Err(err).Msg("reconcile: failed to build subscribe frames")
		return
	}
	w.log.Info().Int("keys", len(intents)).Msg("reconciling upstream subscriptions")
	w.sendAll(frames)
}

func (w *Worker) handleTick(tick *Tick) {
	if tick == nil {
		return
	}
	err := w.db.Exec(
		`UPDATE realtime_data SET data = ?, event_time = ? WHERE key = ?`,
		datatypes.JSON(tick.Data), tick.EventTime, tick.Key,
	).Error
	if err != nil {
		w.log.Warn().Err(err).Str("key", tick.Key).Msg("failed to write tick")
	}
}

// handleTask claims a pending task row with a conditional (loser-free)
// update, executes it, and writes the terminal status. The trigger layer
// turns the UPDATE into task.completed/task.failed.
func (w *Worker) handleTask(ctx context.Context, data []byte) {
	taskID := gjson.GetBytes(data, "id").Int()
	taskType := model.TaskType(gjson.GetBytes(data, "type").String())
	payload := []byte(gjson.GetBytes(data, "payload").Raw)

	res := w.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND status = ?", taskID, model.TaskStatusPending).
		Update("status", model.TaskStatusProcessing)
	if res.Error != nil || res.RowsAffected == 0 {
		return // another worker process (or a retry) already claimed it
	}

	metrics.TasksInFlight.Inc()
	defer metrics.TasksInFlight.Dec()

	result, execErr := w.execute(ctx, taskType, payload)
	if execErr != nil {
		w.log.Warn().Err(execErr).Int64("task_id", taskID).Str("type", string(taskType)).Msg("task execution failed")
		w.fail(ctx, taskID, execErr)
		metrics.TasksCompleted.WithLabelValues(string(taskType), "failed").Inc()
		return
	}

	if err := w.complete(ctx, taskID, result); err != nil {
		w.log.Error().Err(err).Int64("task_id", taskID).Msg("failed to write task completion")
		return
	}
	metrics.TasksCompleted.WithLabelValues(string(taskType), "completed").Inc()
}

func (w *Worker) execute(ctx context.Context, taskType model.TaskType, payload []byte) (json.RawMessage, error) {
	switch taskType {
	case model.TaskGetKlines:
		return nil, w.execGetKlines(ctx, payload)
	case model.TaskGetQuotes:
		return w.execGetQuotes(ctx, payload)
	case model.TaskGetServerTime:
		return w.execGetServerTime(ctx)
	case model.TaskGetSpotAccount:
		return w.execGetAccount(ctx, model.AccountSpot)
	case model.TaskGetFuturesAccount:
		return w.execGetAccount(ctx, model.AccountFutures)
	case model.TaskSystemFetchExchInfo:
		return nil, w.execFetchExchangeInfo(ctx, payload)
	default:
		return nil, fmt.Errorf("exchange: unsupported task type %q", taskType)
	}
}

// execGetKlines bulk-upserts the fetched range into klines_history; result
// stays null and the gateway's data processor answers the client by
// re-querying klines_history directly.
func (w *Worker) execGetKlines(ctx context.Context, payload []byte) error {
	symbol := gjson.GetBytes(payload, "symbol").String()
	interval := gjson.GetBytes(payload, "interval").String()
	from := gjson.GetBytes(payload, "from_time").Int()
	to := gjson.GetBytes(payload, "to_time").Int()
	limit := int(gjson.GetBytes(payload, "limit").Int())

	rows, err := w.adapter.FetchKlines(ctx, symbol, interval, from, to, limit)
	if err != nil {
		return fmt.Errorf("fetch klines: %w", err)
	}
	return w.bulkUpsertKlines(ctx, rows)
}

func (w *Worker) bulkUpsertKlines(ctx context.Context, rows []model.KlineHistory) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO klines_history (symbol, interval, open_time, close_time, open, high, low, close, volume)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (symbol, interval, open_time) DO UPDATE SET
				close_time = EXCLUDED.close_time, open = EXCLUDED.open, high = EXCLUDED.high,
				low = EXCLUDED.low, close = EXCLUDED.close, volume = EXCLUDED.volume
		`, r.Symbol, r.Interval, r.OpenTime, r.CloseTime, r.Open, r.High, r.Low, r.Close, r.Volume)
	}

	br := w.bulk.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("bulk upsert klines: %w", err)
		}
	}
	return nil
}

func (w *Worker) execGetQuotes(ctx context.Context, payload []byte) (json.RawMessage, error) {
	var symbols []string
	for _, s := range gjson.GetBytes(payload, "symbols").Array() {
		symbols = append(symbols, s.String())
	}

	results, err := w.adapter.FetchQuotes(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("fetch quotes: %w", err)
	}

	out := make(map[string]json.RawMessage, len(results))
	for _, r := range results {
		out[r.Symbol] = r.Data
	}
	return json.Marshal(out)
}

func (w *Worker) execGetServerTime(ctx context.Context) (json.RawMessage, error) {
	t, err := w.adapter.FetchServerTime(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server time: %w", err)
	}
	return json.Marshal(map[string]int64{"serverTime": t.UnixMilli()})
}

func (w *Worker) execGetAccount(ctx context.Context, accountType model.AccountType) (json.RawMessage, error) {
	body, err := w.adapter.FetchAccount(ctx, accountType)
	if err != nil {
		return nil, fmt.Errorf("fetch account: %w", err)
	}

	if err := w.db.WithContext(ctx).Exec(`
		INSERT INTO account_info (account_type, data, updated_at) VALUES (?, ?, now())
		ON CONFLICT (account_type) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
	`, accountType, datatypes.JSON(body)).Error; err != nil {
		return nil, fmt.Errorf("persist account snapshot: %w", err)
	}
	return nil, nil // result stays null; the gateway reads account_info directly
}

// execFetchExchangeInfo replaces the market's symbol universe atomically: a
// DELETE for the market type followed by a bulk insert, in one transaction,
// so the table after commit reflects the venue's current universe exactly.
func (w *Worker) execFetchExchangeInfo(ctx context.Context, payload []byte) error {
	marketType := gjson.GetBytes(payload, "market_type").String()
	if marketType == "" {
		marketType = "FUTURES"
	}

	rows, err := w.adapter.FetchExchangeInfo(ctx, marketType)
	if err != nil {
		return fmt.Errorf("fetch exchange info: %w", err)
	}

	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("exchange = ? AND market_type = ?", w.adapter.Name(), marketType).
			Delete(&model.ExchangeInfo{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 200).Error
	})
}

func (w *Worker) complete(ctx context.Context, taskID int64, result json.RawMessage) error {
	updates := map[string]interface{}{"status": model.TaskStatusCompleted}
	if result != nil {
		updates["result"] = datatypes.JSON(result)
	}
	return w.db.WithContext(ctx).Model(&model.Task{}).Where("id = ?", taskID).Updates(updates).Error
}

func (w *Worker) fail(ctx context.Context, taskID int64, taskErr error) {
	body, _ := json.Marshal(map[string]string{
		"errorCode":    string(domain.ErrCodeServiceUnavailable),
		"errorMessage": taskErr.Error(),
	})
	_ = w.db.WithContext(ctx).Model(&model.Task{}).Where("id = ?", taskID).
		Updates(map[string]interface{}{"status": model.TaskStatusFailed, "result": datatypes.JSON(body)}).Error
}
