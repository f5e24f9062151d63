// Package model holds the gorm row types backing the coordination fabric.
// Struct tags mirror the snake_case column names the schema migrations
// create; JSON tags are only used where a model is marshaled directly into
// an outbound protocol envelope.
package model

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

type TaskType string

const (
	TaskGetKlines             TaskType = "get_klines"
	TaskGetServerTime         TaskType = "get_server_time"
	TaskGetQuotes             TaskType = "get_quotes"
	TaskGetSpotAccount        TaskType = "get_spot_account"
	TaskGetFuturesAccount     TaskType = "get_futures_account"
	TaskSystemFetchExchInfo   TaskType = "system.fetch_exchange_info"
)

// Task is a one-shot RPC row, written by the gateway and transitioned by the
// exchange worker. Terminal statuses are sticky.
type Task struct {
	ID        int64          `gorm:"primaryKey;autoIncrement"`
	Type      TaskType       `gorm:"column:type;not null"`
	Payload   datatypes.JSON `gorm:"column:payload"`
	Result    datatypes.JSON `gorm:"column:result"`
	Status    TaskStatus     `gorm:"column:status;not null;default:pending"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (Task) TableName() string { return "tasks" }

type DataType string

const (
	DataTypeKline   DataType = "KLINE"
	DataTypeQuotes  DataType = "QUOTES"
	DataTypeTrade   DataType = "TRADE"
	DataTypeAccount DataType = "ACCOUNT"
)

// RealtimeData is the one-row-per-key subscription state table. A row exists
// iff at least one subscriber label is present in Subscribers.
type RealtimeData struct {
	Key         string         `gorm:"column:key;primaryKey"`
	DataType    DataType       `gorm:"column:data_type;not null"`
	Data        datatypes.JSON `gorm:"column:data"`
	EventTime   time.Time      `gorm:"column:event_time"`
	Subscribers pq.StringArray `gorm:"column:subscribers;type:text[]"`
	CreatedAt   time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (RealtimeData) TableName() string { return "realtime_data" }

// KlineHistory is the append-mostly closed-bar store. Unique on
// (symbol, interval, open_time); newer rows win on conflict.
type KlineHistory struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Symbol    string    `gorm:"column:symbol;not null"`
	Interval  string    `gorm:"column:interval;not null"`
	OpenTime  int64     `gorm:"column:open_time;not null"`
	CloseTime int64     `gorm:"column:close_time"`
	Open      float64   `gorm:"column:open"`
	High      float64   `gorm:"column:high"`
	Low       float64   `gorm:"column:low"`
	Close     float64   `gorm:"column:close"`
	Volume    float64   `gorm:"column:volume"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (KlineHistory) TableName() string { return "klines_history" }

// ExchangeInfo is a full-replacement metadata snapshot, keyed by
// (exchange, market_type, symbol).
type ExchangeInfo struct {
	ID         int64          `gorm:"primaryKey;autoIncrement"`
	Exchange   string         `gorm:"column:exchange;not null"`
	MarketType string         `gorm:"column:market_type;not null"`
	Symbol     string         `gorm:"column:symbol;not null"`
	BaseAsset  string         `gorm:"column:base_asset"`
	QuoteAsset string         `gorm:"column:quote_asset"`
	Filters    datatypes.JSON `gorm:"column:filters"`
	UpdatedAt  time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (ExchangeInfo) TableName() string { return "exchange_info" }

type TriggerType string

const (
	TriggerOnceOnly       TriggerType = "once_only"
	TriggerEachKline      TriggerType = "each_kline"
	TriggerEachKlineClose TriggerType = "each_kline_close"
	TriggerEachMinute     TriggerType = "each_minute"
)

// AlertConfig is the UI-generated alert definition. Front-end-chosen UUID PK.
type AlertConfig struct {
	ID           string         `gorm:"column:id;primaryKey"`
	Name         string         `gorm:"column:name"`
	Description  string         `gorm:"column:description"`
	StrategyType string         `gorm:"column:strategy_type;not null"`
	Symbol       string         `gorm:"column:symbol;not null"`
	Interval     string         `gorm:"column:interval;not null"`
	TriggerType  TriggerType    `gorm:"column:trigger_type;not null"`
	Params       datatypes.JSON `gorm:"column:params"`
	Enabled      bool           `gorm:"column:enabled;default:true"`
	Owner        string         `gorm:"column:owner"`
	CreatedAt    time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (AlertConfig) TableName() string { return "alert_configs" }

type SignalValue string

const (
	SignalLong  SignalValue = "long"
	SignalShort SignalValue = "short"
	SignalNone  SignalValue = "none"
)

// StrategySignal is an append-only evaluation result.
type StrategySignal struct {
	ID           int64          `gorm:"primaryKey;autoIncrement"`
	AlertID      string         `gorm:"column:alert_id;not null"`
	StrategyType string         `gorm:"column:strategy_type;not null"`
	Symbol       string         `gorm:"column:symbol;not null"`
	Interval     string         `gorm:"column:interval;not null"`
	TriggerType  TriggerType    `gorm:"column:trigger_type;not null"`
	Signal       SignalValue    `gorm:"column:signal;not null"`
	Reason       string         `gorm:"column:reason"`
	Metadata     datatypes.JSON `gorm:"column:metadata"`
	ComputedAt   time.Time      `gorm:"column:computed_at;autoCreateTime"`
}

func (StrategySignal) TableName() string { return "strategy_signals" }

// StrategyMetadata is auto-populated by the signal engine at startup so the
// gateway can answer UI metadata queries without importing strategy code.
type StrategyMetadata struct {
	Type        string         `gorm:"column:type;primaryKey"`
	Name        string         `gorm:"column:name;not null"`
	Description string         `gorm:"column:description"`
	ParamSchema datatypes.JSON `gorm:"column:param_schema"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (StrategyMetadata) TableName() string { return "alert_strategy_metadata" }

type AccountType string

const (
	AccountSpot    AccountType = "SPOT"
	AccountFutures AccountType = "FUTURES"
)

// AccountInfo is one row per account type, overwritten on each refresh.
type AccountInfo struct {
	AccountType AccountType    `gorm:"column:account_type;primaryKey"`
	Data        datatypes.JSON `gorm:"column:data"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (AccountInfo) TableName() string { return "account_info" }
