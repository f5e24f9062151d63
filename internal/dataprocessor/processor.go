// Package dataprocessor is the gateway's C7 component: it consumes decoded
// notifications from the listener and turns them into outbound client
// messages — task completion, realtime fan-out, and signal delivery.
//
// Grounded on the teacher's internal/ctp/handler.go ProcessResponse
// type-switch, generalized from CTP response kinds to Postgres NOTIFY
// envelope types.
package dataprocessor

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"gorm.io/gorm"

	"marketfabric.io/core/internal/clientmanager"
	"marketfabric.io/core/internal/domain"
	"marketfabric.io/core/internal/listener"
	"marketfabric.io/core/internal/model"
	"marketfabric.io/core/internal/protocol"
	"marketfabric.io/core/internal/subscription"
	"marketfabric.io/core/internal/taskrouter"
)

type Processor struct {
	router  *taskrouter.Router
	subs    *subscription.Manager
	clients *clientmanager.Manager
	db      *gorm.DB
	log     zerolog.Logger
}

func NewProcessor(router *taskrouter.Router, subs *subscription.Manager, clients *clientmanager.Manager, db *gorm.DB, log zerolog.Logger) *Processor {
	return &Processor{router: router, subs: subs, clients: clients, db: db, log: log}
}

// Run consumes envelopes until the channel closes or ctx is cancelled.
func (p *Processor) Run(ctx context.Context, envelopes <-chan *listener.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-envelopes:
			if !ok {
				return
			}
			p.dispatch(ctx, env)
		}
	}
}

func (p *Processor) dispatch(ctx context.Context, env *listener.Envelope) {
	switch env.EventType {
	case "task.completed":
		p.handleTaskCompleted(ctx, env.Data)
	case "task.failed":
		p.handleTaskFailed(env.Data)
	case "realtime.update":
		p.handleRealtimeUpdate(env.Data)
	case "signal.new":
		p.handleSignalNew(env.Data)
	case "alert_config.new", "alert_config.update", "alert_config.delete":
		// No client fan-out; these drive only server-side state (the signal
		// engine, in the other process).
	default:
		p.log.Debug().Str("event_type", env.EventType).Msg("unhandled notification type")
	}
}

func taskTypeToTerminal(t string) (string, bool) {
	switch model.TaskType(t) {
	case model.TaskGetKlines:
		return protocol.TypeKlinesData, true
	case model.TaskGetServerTime:
		return protocol.TypeConfigData, true
	case model.TaskGetQuotes:
		return protocol.TypeQuotesData, true
	case model.TaskGetSpotAccount, model.TaskGetFuturesAccount:
		return protocol.TypeAccountData, true
	default:
		return "", false
	}
}

func (p *Processor) handleTaskCompleted(ctx context.Context, data []byte) {
	taskID := gjson.GetBytes(data, "id").Int()
	taskType := gjson.GetBytes(data, "type").String()

	pending, ok := p.router.Resolve(taskID)
	if !ok {
		p.log.Debug().Int64("task_id", taskID).Msg("discarding completion for untracked/expired task")
		return
	}

	terminalType, known := taskTypeToTerminal(taskType)
	if !known {
		return
	}

	if model.TaskType(taskType) == model.TaskGetKlines {
		p.respondKlinesFromHistory(ctx, pending, data)
		return
	}

	if model.TaskType(taskType) == model.TaskGetSpotAccount || model.TaskType(taskType) == model.TaskGetFuturesAccount {
		p.respondFromAccountInfo(ctx, pending, taskType, terminalType)
		return
	}

	result := gjson.GetBytes(data, "result")
	var payload interface{} = map[string]interface{}{}
	if result.Exists() {
		payload = protocol.MapKeysToCamel(result.Value())
	}
	p.clients.SendEnvelope(pending.ClientID, protocol.Data(terminalType, pending.RequestID, payload))
}

func (p *Processor) respondKlinesFromHistory(ctx context.Context, pending *taskrouter.PendingTask, data []byte) {
	payload := gjson.GetBytes(data, "payload")
	symbol := payload.Get("symbol").String()
	interval := payload.Get("interval").String()
	fromTime := payload.Get("from_time").Int()
	toTime := payload.Get("to_time").Int()

	var rows []model.KlineHistory
	q := p.db.WithContext(ctx).Where("symbol = ? AND interval = ?", symbol, interval)
	if fromTime > 0 {
		q = q.Where("open_time >= ?", fromTime)
	}
	if toTime > 0 {
		q = q.Where("open_time <= ?", toTime)
	}
	q.Order("open_time ASC").Find(&rows)

	p.clients.SendEnvelope(pending.ClientID, protocol.Data(protocol.TypeKlinesData, pending.RequestID, map[string]interface{}{
		"bars": rows, "count": len(rows),
	}))
}

func (p *Processor) respondFromAccountInfo(ctx context.Context, pending *taskrouter.PendingTask, taskType, terminalType string) {
	accountType := model.AccountSpot
	if model.TaskType(taskType) == model.TaskGetFuturesAccount {
		accountType = model.AccountFutures
	}

	var row model.AccountInfo
	if err := p.db.WithContext(ctx).Where("account_type = ?", accountType).First(&row).Error; err != nil {
		p.clients.SendEnvelope(pending.ClientID, protocol.Error(pending.RequestID, domain.ErrCodeInternalError, "account snapshot unavailable"))
		return
	}
	p.clients.SendEnvelope(pending.ClientID, protocol.Data(terminalType, pending.RequestID, row))
}

func (p *Processor) handleTaskFailed(data []byte) {
	taskID := gjson.GetBytes(data, "id").Int()
	pending, ok := p.router.Resolve(taskID)
	if !ok {
		return
	}

	code := gjson.GetBytes(data, "result.errorCode").String()
	msg := gjson.GetBytes(data, "result.errorMessage").String()
	if code == "" {
		code = string(domain.ErrCodeServiceUnavailable)
	}
	if msg == "" {
		msg = "upstream task failed"
	}
	p.clients.SendEnvelope(pending.ClientID, protocol.Error(pending.RequestID, domain.ErrorCode(code), msg))
}

func (p *Processor) handleRealtimeUpdate(data []byte) {
	key := gjson.GetBytes(data, "subscription_key").String()
	content := gjson.GetBytes(data, "data")

	subscribers := p.subs.SubscribersOf(key)
	if len(subscribers) == 0 {
		return
	}

	var generic interface{}
	_ = json.Unmarshal([]byte(content.Raw), &generic)
	env := protocol.Update(key, protocol.MapKeysToCamel(generic))
	p.clients.Broadcast(subscribers, env)
}

func (p *Processor) handleSignalNew(data []byte) {
	alertID := gjson.GetBytes(data, "alert_id").String()
	key := "SIGNAL:" + alertID

	subscribers := p.subs.SubscribersOf(key)
	if len(subscribers) == 0 {
		return
	}

	var generic interface{}
	_ = json.Unmarshal(data, &generic)
	env := protocol.Update(key, protocol.MapKeysToCamel(generic))
	p.clients.Broadcast(subscribers, env)
}
