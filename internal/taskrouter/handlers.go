package taskrouter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"marketfabric.io/core/internal/clientmanager"
	"marketfabric.io/core/internal/domain"
	"marketfabric.io/core/internal/model"
	"marketfabric.io/core/internal/protocol"
)

// HandleRequest dispatches one decoded client request onto the response
// path spec'd for its type. Every path replies ACK first.
func (r *Router) HandleRequest(client *clientmanager.Client, env *protocol.Envelope) {
	ctx := context.Background()

	terminalType, known := protocol.TerminalTypeFor(env.Type)
	if !known {
		r.clients.SendEnvelope(client.ID, protocol.Error(env.RequestID, domain.ErrCodeUnknownAction, "unrecognized request type: "+env.Type))
		return
	}

	r.clients.SendEnvelope(client.ID, protocol.ACK(env.RequestID, time.Now().UnixMilli()))

	switch env.Type {
	case protocol.TypeGetConfig:
		r.handleGetConfig(client, env)
	case protocol.TypeGetSearchSymbols:
		r.handleSearchSymbols(ctx, client, env)
	case protocol.TypeGetResolveSymbol:
		r.handleResolveSymbol(ctx, client, env)
	case protocol.TypeGetSubscriptions:
		r.handleGetSubscriptions(client, env)
	case protocol.TypeSubscribe:
		r.handleSubscribe(ctx, client, env)
	case protocol.TypeUnsubscribe:
		r.handleUnsubscribe(ctx, client, env)
	case protocol.TypeGetStrategyMetadata, protocol.TypeGetStrategyMetadataByType:
		r.handleStrategyMetadata(ctx, client, env)
	case protocol.TypeCreateAlertConfig, protocol.TypeUpdateAlertConfig, protocol.TypeDeleteAlertConfig,
		protocol.TypeEnableAlertConfig, protocol.TypeDisableAlertConfig, protocol.TypeListAlertConfigs, protocol.TypeGetAlertConfig:
		r.handleAlertConfigCRUD(ctx, client, env)
	case protocol.TypeListSignals:
		r.handleListSignals(ctx, client, env)
	case protocol.TypeGetKlines:
		r.handleGetKlines(ctx, client, env, terminalType)
	default:
		// get_server_time, get_quotes, get_spot_account, get_futures_account
		// -- all async.
		r.handleAsyncTask(ctx, client, env)
	}
}

func (r *Router) handleGetConfig(client *clientmanager.Client, env *protocol.Envelope) {
	data := map[string]interface{}{
		"appName":   r.appCfg.Server.AppName,
		"supportsGroupRequest": true,
	}
	r.clients.SendEnvelope(client.ID, protocol.Data(protocol.TypeConfigData, env.RequestID, data))
}

type searchSymbolsRequest struct {
	Query string `json:"query"`
}

func (r *Router) handleSearchSymbols(ctx context.Context, client *clientmanager.Client, env *protocol.Envelope) {
	var req searchSymbolsRequest
	_ = env.DecodeData(&req)

	cacheKey := "search_symbols:" + req.Query
	if r.rdb != nil {
		if cached, err := r.rdb.Get(ctx, cacheKey).Result(); err == nil {
			var data interface{}
			if json.Unmarshal([]byte(cached), &data) == nil {
				r.clients.SendEnvelope(client.ID, protocol.Data(protocol.TypeSearchSymbolsData, env.RequestID, data))
				return
			}
		}
	}

	var rows []model.ExchangeInfo
	q := r.db.WithContext(ctx).Model(&model.ExchangeInfo{})
	if req.Query != "" {
		q = q.Where("symbol ILIKE ?", "%"+req.Query+"%")
	}
	q.Limit(50).Find(&rows)

	data := map[string]interface{}{"symbols": rows}
	r.cacheJSON(ctx, cacheKey, data)
	r.clients.SendEnvelope(client.ID, protocol.Data(protocol.TypeSearchSymbolsData, env.RequestID, data))
}

type resolveSymbolRequest struct {
	Symbol string `json:"symbol"`
}

func (r *Router) handleResolveSymbol(ctx context.Context, client *clientmanager.Client, env *protocol.Envelope) {
	var req resolveSymbolRequest
	_ = env.DecodeData(&req)

	cacheKey := "resolve_symbol:" + req.Symbol
	if r.rdb != nil {
		if cached, err := r.rdb.Get(ctx, cacheKey).Result(); err == nil {
			var data interface{}
			if json.Unmarshal([]byte(cached), &data) == nil {
				r.clients.SendEnvelope(client.ID, protocol.Data(protocol.TypeSymbolData, env.RequestID, data))
				return
			}
		}
	}

	var row model.ExchangeInfo
	if err := r.db.WithContext(ctx).Where("symbol = ?", req.Symbol).First(&row).Error; err != nil {
		r.clients.SendEnvelope(client.ID, protocol.Error(env.RequestID, domain.ErrCodeSymbolNotFound, "symbol not found: "+req.Symbol))
		return
	}

	r.cacheJSON(ctx, cacheKey, row)
	r.clients.SendEnvelope(client.ID, protocol.Data(protocol.TypeSymbolData, env.RequestID, row))
}

func (r *Router) cacheJSON(ctx context.Context, key string, v interface{}) {
	if r.rdb == nil {
		return
	}
	if b, err := json.Marshal(v); err == nil {
		r.rdb.Set(ctx, key, b, 30*time.Second)
	}
}

func (r *Router) handleGetSubscriptions(client *clientmanager.Client, env *protocol.Envelope) {
	keys := r.subs.KeysOf(client.ID)
	data := map[string]interface{}{"subscriptionKeys": keys}
	r.clients.SendEnvelope(client.ID, protocol.Data(protocol.TypeSubscriptionData, env.RequestID, data))
}

type subscribeRequest struct {
	Keys []string `json:"keys"`
}

func (r *Router) handleSubscribe(ctx context.Context, client *clientmanager.Client, env *protocol.Envelope) {
	var req subscribeRequest
	_ = env.DecodeData(&req)

	invalid := r.subs.Subscribe(ctx, client.ID, req.Keys)
	if len(invalid) > 0 {
		r.clients.SendEnvelope(client.ID, protocol.Error(env.RequestID, domain.ErrCodeInvalidSymbol, "invalid subscription keys"))
		return
	}
	data := map[string]interface{}{"subscriptionKeys": r.subs.KeysOf(client.ID)}
	r.clients.SendEnvelope(client.ID, protocol.Data(protocol.TypeSubscriptionData, env.RequestID, data))
}

func (r *Router) handleUnsubscribe(ctx context.Context, client *clientmanager.Client, env *protocol.Envelope) {
	var req subscribeRequest
	_ = env.DecodeData(&req)

	r.subs.Unsubscribe(ctx, client.ID, req.Keys)
	data := map[string]interface{}{"subscriptionKeys": r.subs.KeysOf(client.ID)}
	r.clients.SendEnvelope(client.ID, protocol.Data(protocol.TypeSubscriptionData, env.RequestID, data))
}

type strategyMetadataRequest struct {
	Type string `json:"type"`
}

func (r *Router) handleStrategyMetadata(ctx context.Context, client *clientmanager.Client, env *protocol.Envelope) {
	var req strategyMetadataRequest
	_ = env.DecodeData(&req)

	q := r.db.WithContext(ctx).Model(&model.StrategyMetadata{})
	if req.Type != "" {
		q = q.Where("type = ?", req.Type)
	}
	var rows []model.StrategyMetadata
	q.Find(&rows)

	r.clients.SendEnvelope(client.ID, protocol.Data(protocol.TypeStrategyMetadataData, env.RequestID, map[string]interface{}{"strategies": rows}))
}

type listSignalsRequest struct {
	AlertID string `json:"alertId"`
	Limit   int    `json:"limit"`
}

func (r *Router) handleListSignals(ctx context.Context, client *clientmanager.Client, env *protocol.Envelope) {
	var req listSignalsRequest
	_ = env.DecodeData(&req)

	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	q := r.db.WithContext(ctx).Model(&model.StrategySignal{}).Order("computed_at DESC").Limit(limit)
	if req.AlertID != "" {
		q = q.Where("alert_id = ?", req.AlertID)
	}
	var rows []model.StrategySignal
	q.Find(&rows)

	r.clients.SendEnvelope(client.ID, protocol.Data(protocol.TypeSignalData, env.RequestID, map[string]interface{}{"signals": rows}))
}

type getKlinesRequest struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	FromTime int64  `json:"fromTime"`
	ToTime   int64  `json:"toTime"`
	Limit    int    `json:"limit"`
}

// handleGetKlines implements the cache-first path: if both endpoints of the
// requested range already exist in klines_history, it answers synchronously;
// otherwise it falls back to the async task path (which the worker fulfills
// and the data processor answers from a follow-up history query).
func (r *Router) handleGetKlines(ctx context.Context, client *clientmanager.Client, env *protocol.Envelope, terminalType string) {
	var req getKlinesRequest
	if err := env.DecodeData(&req); err != nil {
		r.clients.SendEnvelope(client.ID, protocol.Error(env.RequestID, domain.ErrCodeInvalidParameters, "malformed get_klines request"))
		return
	}

	fromExists := r.klineExistsNear(ctx, req.Symbol, req.Interval, req.FromTime)
	toExists := r.klineExistsNear(ctx, req.Symbol, req.Interval, req.ToTime)

	if fromExists && toExists {
		bars := r.queryKlineRange(ctx, req.Symbol, req.Interval, req.FromTime, req.ToTime)
		r.clients.SendEnvelope(client.ID, protocol.Data(terminalType, env.RequestID, map[string]interface{}{
			"bars": bars, "count": len(bars),
		}))
		return
	}

	r.createAsyncTask(ctx, client, env, model.TaskGetKlines)
}

func (r *Router) klineExistsNear(ctx context.Context, symbol, interval string, t int64) bool {
	if t == 0 {
		return false
	}
	var count int64
	r.db.WithContext(ctx).Model(&model.KlineHistory{}).
		Where("symbol = ? AND interval = ? AND open_time = ?", symbol, interval, t).
		Count(&count)
	return count > 0
}

func (r *Router) queryKlineRange(ctx context.Context, symbol, interval string, from, to int64) []model.KlineHistory {
	var rows []model.KlineHistory
	r.db.WithContext(ctx).
		Where("symbol = ? AND interval = ? AND open_time BETWEEN ? AND ?", symbol, interval, from, to).
		Order("open_time ASC").
		Find(&rows)
	return rows
}

// handleAsyncTask covers get_server_time, get_quotes, get_spot_account and
// get_futures_account (the get_klines cache-miss fallback calls
// createAsyncTask directly): a task row is created and tracked; the terminal
// response is emitted later by the data processor when
// task.completed/task.failed arrives.
func (r *Router) handleAsyncTask(ctx context.Context, client *clientmanager.Client, env *protocol.Envelope) {
	taskType, ok := requestTypeToTaskType(env.Type)
	if !ok {
		r.clients.SendEnvelope(client.ID, protocol.Error(env.RequestID, domain.ErrCodeUnknownAction, "no task mapping for "+env.Type))
		return
	}
	r.createAsyncTask(ctx, client, env, taskType)
}

func (r *Router) createAsyncTask(ctx context.Context, client *clientmanager.Client, env *protocol.Envelope, taskType model.TaskType) {
	payload := map[string]interface{}{"requestId": env.RequestID}
	_ = env.DecodeData(&payload)
	payload["requestId"] = env.RequestID

	raw, err := json.Marshal(protocol.MapKeysToSnake(payload))
	if err != nil {
		r.clients.SendEnvelope(client.ID, protocol.Error(env.RequestID, domain.ErrCodeInternalError, "failed to encode task payload"))
		return
	}

	if _, err := r.CreateTask(ctx, taskType, raw, client.ID, env.RequestID); err != nil {
		r.clients.SendEnvelope(client.ID, protocol.Error(env.RequestID, domain.ErrCodeInternalError, "failed to create task"))
	}
}

func requestTypeToTaskType(reqType string) (model.TaskType, bool) {
	switch reqType {
	case protocol.TypeGetServerTime:
		return model.TaskGetServerTime, true
	case protocol.TypeGetQuotes:
		return model.TaskGetQuotes, true
	case protocol.TypeGetSpotAccount:
		return model.TaskGetSpotAccount, true
	case protocol.TypeGetFuturesAccount:
		return model.TaskGetFuturesAccount, true
	default:
		return "", false
	}
}

type createAlertConfigRequest struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	StrategyType string          `json:"strategyType"`
	Symbol       string          `json:"symbol"`
	Interval     string          `json:"interval"`
	TriggerType  string          `json:"triggerType"`
	Params       json.RawMessage `json:"params"`
	Owner        string          `json:"owner"`
}

type alertConfigIDRequest struct {
	ID string `json:"id"`
}

// handleAlertConfigCRUD answers UI alert-config management directly from the
// alert_configs table; the signal engine reacts independently to the
// resulting alert_config.* notifications.
func (r *Router) handleAlertConfigCRUD(ctx context.Context, client *clientmanager.Client, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeCreateAlertConfig:
		var req createAlertConfigRequest
		if err := env.DecodeData(&req); err != nil {
			r.clients.SendEnvelope(client.ID, protocol.Error(env.RequestID, domain.ErrCodeInvalidParameters, "malformed alert config"))
			return
		}
		cfg := model.AlertConfig{
			ID: uuid.NewString(), Name: req.Name, Description: req.Description,
			StrategyType: req.StrategyType, Symbol: req.Symbol, Interval: req.Interval,
			TriggerType: model.TriggerType(req.TriggerType), Params: req.Params,
			Enabled: true, Owner: req.Owner,
		}
		if err := r.db.WithContext(ctx).Create(&cfg).Error; err != nil {
			r.clients.SendEnvelope(client.ID, protocol.Error(env.RequestID, domain.ErrCodeInternalError, "failed to create alert config"))
			return
		}
		r.clients.SendEnvelope(client.ID, protocol.Data(protocol.TypeAlertConfigData, env.RequestID, cfg))

	case protocol.TypeUpdateAlertConfig:
		var req struct {
			ID           string          `json:"id"`
			Name         string          `json:"name"`
			Description  *string         `json:"description"`
			StrategyType string          `json:"strategyType"`
			Symbol       string          `json:"symbol"`
			Interval     string          `json:"interval"`
			TriggerType  string          `json:"triggerType"`
			Params       json.RawMessage `json:"params"`
		}
		if err := env.DecodeData(&req); err != nil || req.ID == "" {
			r.clients.SendEnvelope(client.ID, protocol.Error(env.RequestID, domain.ErrCodeInvalidParameters, "missing alert config id"))
			return
		}
		updates := map[string]interface{}{}
		if req.Params != nil {
			updates["params"] = req.Params
		}
		if req.Name != "" {
			updates["name"] = req.Name
		}
		if req.Description != nil {
			updates["description"] = *req.Description
		}
		if req.StrategyType != "" {
			updates["strategy_type"] = req.StrategyType
		}
		if req.Symbol != "" {
			updates["symbol"] = req.Symbol
		}
		if req.Interval != "" {
			updates["interval"] = req.Interval
		}
		if req.TriggerType != "" {
			updates["trigger_type"] = req.TriggerType
		}
		if err := r.db.WithContext(ctx).Model(&model.AlertConfig{}).Where("id = ?", req.ID).Updates(updates).Error; err != nil {
			r.clients.SendEnvelope(client.ID, protocol.Error(env.RequestID, domain.ErrCodeInternalError, "failed to update alert config"))
			return
		}
		r.respondWithAlertConfig(ctx, client, env, req.ID)

	case protocol.TypeDeleteAlertConfig:
		var req alertConfigIDRequest
		_ = env.DecodeData(&req)
		r.db.WithContext(ctx).Where("id = ?", req.ID).Delete(&model.AlertConfig{})
		r.clients.SendEnvelope(client.ID, protocol.Data(protocol.TypeAlertConfigData, env.RequestID, map[string]interface{}{"id": req.ID, "deleted": true}))

	case protocol.TypeEnableAlertConfig, protocol.TypeDisableAlertConfig:
		var req alertConfigIDRequest
		_ = env.DecodeData(&req)
		enabled := env.Type == protocol.TypeEnableAlertConfig
		r.db.WithContext(ctx).Model(&model.AlertConfig{}).Where("id = ?", req.ID).Update("enabled", enabled)
		r.respondWithAlertConfig(ctx, client, env, req.ID)

	case protocol.TypeGetAlertConfig:
		var req alertConfigIDRequest
		_ = env.DecodeData(&req)
		r.respondWithAlertConfig(ctx, client, env, req.ID)

	case protocol.TypeListAlertConfigs:
		var rows []model.AlertConfig
		r.db.WithContext(ctx).Find(&rows)
		r.clients.SendEnvelope(client.ID, protocol.Data(protocol.TypeAlertConfigData, env.RequestID, map[string]interface{}{"alertConfigs": rows}))
	}
}

func (r *Router) respondWithAlertConfig(ctx context.Context, client *clientmanager.Client, env *protocol.Envelope, id string) {
	var cfg model.AlertConfig
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&cfg).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			r.clients.SendEnvelope(client.ID, protocol.Error(env.RequestID, domain.ErrCodeSubscriptionMissing, "alert config not found"))
			return
		}
		r.clients.SendEnvelope(client.ID, protocol.Error(env.RequestID, domain.ErrCodeInternalError, "failed to read alert config"))
		return
	}
	r.clients.SendEnvelope(client.ID, protocol.Data(protocol.TypeAlertConfigData, env.RequestID, cfg))
}
