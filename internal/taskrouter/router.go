// Package taskrouter is the gateway's C3 component: the outbound-RPC surface
// that picks one of the three response paths spec'd for every GET_* request,
// and tracks in-flight async tasks so a later task.completed/task.failed
// notification can be routed back to the right client.
//
// Grounded on the teacher's internal/service/trading_impl.go PlaceOrder
// (generate ref, send downstream, write outcome back asynchronously),
// generalized from a single order type to the full task-row vocabulary.
package taskrouter

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"marketfabric.io/core/internal/clientmanager"
	"marketfabric.io/core/internal/config"
	"marketfabric.io/core/internal/domain"
	"marketfabric.io/core/internal/metrics"
	"marketfabric.io/core/internal/model"
	"marketfabric.io/core/internal/protocol"
	"marketfabric.io/core/internal/subscription"
)

// PendingTask is what the router remembers about a task it is awaiting a
// terminal notification for.
type PendingTask struct {
	ClientID    string
	RequestID   string
	RequestType string
	CreatedAt   time.Time
}

type Router struct {
	mu        sync.Mutex
	pending   map[int64]*PendingTask
	suppress  map[string]time.Time // client ids whose responses should be dropped, by disconnect time

	db      *gorm.DB
	clients *clientmanager.Manager
	subs    *subscription.Manager
	rdb     *redis.Client
	appCfg  *config.Config
	cfg     config.TaskRouterConfig
	log     zerolog.Logger
	cron    *cron.Cron
}

func NewRouter(db *gorm.DB, clients *clientmanager.Manager, subs *subscription.Manager, rdb *redis.Client, appCfg *config.Config, log zerolog.Logger) *Router {
	return &Router{
		pending:  make(map[int64]*PendingTask),
		suppress: make(map[string]time.Time),
		db:      db,
		clients: clients,
		subs:    subs,
		rdb:     rdb,
		appCfg:  appCfg,
		cfg:     appCfg.TaskRouter,
		log:     log,
		cron:    cron.New(),
	}
}

// Start registers the timeout sweep and starts the cron scheduler. Call once
// at gateway startup.
func (r *Router) Start() error {
	spec := "@every " + r.sweepInterval().String()
	if _, err := r.cron.AddFunc(spec, r.sweepExpired); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

func (r *Router) Stop() {
	r.cron.Stop()
}

func (r *Router) sweepInterval() time.Duration {
	if r.cfg.SweepInterval > 0 {
		return r.cfg.SweepInterval
	}
	return 5 * time.Second
}

func (r *Router) taskTimeout() time.Duration {
	if r.cfg.TaskTimeout > 0 {
		return r.cfg.TaskTimeout
	}
	return 30 * time.Second
}

// track records a task_id -> client mapping for the async path.
func (r *Router) track(taskID int64, clientID, requestID, requestType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[taskID] = &PendingTask{
		ClientID: clientID, RequestID: requestID, RequestType: requestType,
		CreatedAt: time.Now(),
	}
}

// Resolve returns and releases the pending entry for taskID, if any. A
// released task_id that shows up again (a duplicate/late notification) is
// intentionally not found the second time — that is the idempotency
// guarantee for discarding late arrivals. If the owning client has since
// disconnected, the response is suppressed (the caller sees ok=false) even
// though the task row itself completed normally server-side.
func (r *Router) Resolve(taskID int64) (*PendingTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[taskID]
	if !ok {
		return nil, false
	}
	delete(r.pending, taskID)
	if _, suppressed := r.suppress[p.ClientID]; suppressed {
		return nil, false
	}
	return p, true
}

// DisconnectClient marks clientID's in-flight tasks for response
// suppression: the task rows are left to complete normally, but their
// eventual completion is discarded rather than sent to a closed socket.
func (r *Router) DisconnectClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suppress[clientID] = time.Now()
}

func (r *Router) sweepExpired() {
	deadline := time.Now().Add(-r.taskTimeout())

	r.mu.Lock()
	expired := make(map[int64]*PendingTask)
	for id, p := range r.pending {
		if p.CreatedAt.Before(deadline) {
			expired[id] = p
		}
	}
	for id := range expired {
		delete(r.pending, id)
	}
	for clientID, at := range r.suppress {
		if at.Before(deadline) {
			delete(r.suppress, clientID)
		}
	}
	r.mu.Unlock()

	for id, p := range expired {
		r.log.Warn().Int64("task_id", id).Str("client_id", p.ClientID).Msg("task timed out awaiting completion")
		r.clients.SendEnvelope(p.ClientID, protocol.Error(p.RequestID, domain.ErrCodeTimeout, "request timed out"))
	}
}

// CreateTask inserts a new task row of the given type/payload and tracks it
// for the calling client/requestId, returning the task id.
func (r *Router) CreateTask(ctx context.Context, taskType model.TaskType, payload []byte, clientID, requestID string) (int64, error) {
	task := model.Task{Type: taskType, Payload: payload, Status: model.TaskStatusPending}
	if err := r.db.WithContext(ctx).Create(&task).Error; err != nil {
		return 0, err
	}
	r.track(task.ID, clientID, requestID, string(taskType))
	metrics.TasksCreated.WithLabelValues(string(taskType)).Inc()
	return task.ID, nil
}
