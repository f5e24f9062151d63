package config

import (
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the union of every binary's settings. Each binary reads only the
// sections it needs; unused sections are harmless zero values.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Logging       LoggingConfig
	Listener      ListenerConfig
	TaskRouter    TaskRouterConfig    `mapstructure:"task_router"`
	ClientManager ClientManagerConfig `mapstructure:"client_manager"`
	Exchange      ExchangeConfig
	SignalEngine  SignalEngineConfig `mapstructure:"signal_engine"`
}

type ServerConfig struct {
	Port        string
	MetricsPort string `mapstructure:"metrics_port"`
	AppName     string `mapstructure:"app_name"`
}

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	TimeZone    string
	TablePrefix string `mapstructure:"table_prefix"`
	MaxOpenConn int     `mapstructure:"max_open_conn"`
	MaxIdleConn int     `mapstructure:"max_idle_conn"`
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// ListenerConfig tunes the C2 notification listener.
type ListenerConfig struct {
	MinBackoff     time.Duration `mapstructure:"min_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	DispatchBuffer int           `mapstructure:"dispatch_buffer"`
}

// TaskRouterConfig tunes the C3 task router.
type TaskRouterConfig struct {
	TaskTimeout   time.Duration `mapstructure:"task_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ClientManagerConfig tunes C5.
type ClientManagerConfig struct {
	SendQueueSize   int           `mapstructure:"send_queue_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	RateLimitPerSec float64       `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
}

// ExchangeConfig configures the C8 exchange worker's venue adapter.
type ExchangeConfig struct {
	Name             string        `mapstructure:"name"`
	APIKey           string        `mapstructure:"api_key"`
	APISecret        string        `mapstructure:"api_secret"`
	SigningKeyType   string        `mapstructure:"signing_key_type"` // "ed25519" | "rsa"
	BatchingWindow   time.Duration `mapstructure:"batching_window"`
	RESTRatePerSec   float64       `mapstructure:"rest_rate_per_sec"`
	RESTRateBurst    int           `mapstructure:"rest_rate_burst"`
	ReconnectMinWait time.Duration `mapstructure:"reconnect_min_wait"`
	ReconnectMaxWait time.Duration `mapstructure:"reconnect_max_wait"`
}

// SignalEngineConfig configures C9.
type SignalEngineConfig struct {
	RequiredKlines  int           `mapstructure:"required_klines"`
	FillWaitTimeout time.Duration `mapstructure:"fill_wait_timeout"`
	FillRetryDelay  time.Duration `mapstructure:"fill_retry_delay"`
}

func LoadConfig() *Config {
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Warning: Error reading config file, %s", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("Unable to decode into struct, %v", err)
	}

	return &config
}

func setDefaults() {
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("database.max_open_conn", 16)
	viper.SetDefault("database.max_idle_conn", 4)

	viper.SetDefault("listener.min_backoff", 1*time.Second)
	viper.SetDefault("listener.max_backoff", 30*time.Second)
	viper.SetDefault("listener.dispatch_buffer", 1024)

	viper.SetDefault("task_router.task_timeout", 30*time.Second)
	viper.SetDefault("task_router.sweep_interval", 5*time.Second)

	viper.SetDefault("client_manager.send_queue_size", 256)
	viper.SetDefault("client_manager.ping_interval", 20*time.Second)
	viper.SetDefault("client_manager.pong_timeout", 60*time.Second)
	viper.SetDefault("client_manager.rate_limit_per_sec", 20.0)
	viper.SetDefault("client_manager.rate_limit_burst", 40)

	viper.SetDefault("exchange.signing_key_type", "ed25519")
	viper.SetDefault("exchange.batching_window", 250*time.Millisecond)
	viper.SetDefault("exchange.rest_rate_per_sec", 10.0)
	viper.SetDefault("exchange.rest_rate_burst", 20)
	viper.SetDefault("exchange.reconnect_min_wait", 1*time.Second)
	viper.SetDefault("exchange.reconnect_max_wait", 30*time.Second)

	viper.SetDefault("signal_engine.required_klines", 280)
	viper.SetDefault("signal_engine.fill_wait_timeout", 5*time.Second)
	viper.SetDefault("signal_engine.fill_retry_delay", 2*time.Second)
}
