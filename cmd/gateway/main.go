// Command gateway runs the client-facing half of the platform: the task
// router, subscription manager, client manager, protocol codec, and data
// processor (C3-C7), fronted by a fiber WebSocket/HTTP server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"marketfabric.io/core/internal/clientmanager"
	"marketfabric.io/core/internal/config"
	"marketfabric.io/core/internal/dataprocessor"
	"marketfabric.io/core/internal/dbconn"
	"marketfabric.io/core/internal/gateway"
	"marketfabric.io/core/internal/listener"
	"marketfabric.io/core/internal/logging"
	"marketfabric.io/core/internal/model"
	"marketfabric.io/core/internal/protocol"
	"marketfabric.io/core/internal/schema"
	"marketfabric.io/core/internal/subscription"
	"marketfabric.io/core/internal/taskrouter"
)

func main() {
	root := &cobra.Command{Use: "gateway", Short: "Client-facing WebSocket gateway"}
	root.AddCommand(serveCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			return schema.Migrate(dbconn.URLDSN(cfg.Database))
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg := config.LoadConfig()
	log := logging.New("gateway", cfg.Logging.Level)

	if err := schema.Migrate(dbconn.URLDSN(cfg.Database)); err != nil {
		log.Warn().Err(err).Msg("schema migration failed or already applied")
	}

	db, err := dbconn.OpenGorm(cfg.Database)
	if err != nil {
		return fmt.Errorf("gateway: open database: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})

	subs := subscription.NewManager(db, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := subs.CleanOwnSubscriptions(ctx); err != nil {
		log.Error().Err(err).Msg("failed to clean own subscriptions at startup")
	}

	// router and clients close over each other: the client manager needs the
	// router's HandleRequest as its inbound callback, and the router needs
	// the client manager to send responses. Declare router first and close
	// over the pointer; it is assigned before any connection is accepted.
	var router *taskrouter.Router
	clients := clientmanager.NewManager(cfg.ClientManager, log,
		func(c *clientmanager.Client, e *protocol.Envelope) { router.HandleRequest(c, e) },
		func(clientID string) {
			subs.DisconnectClient(ctx, clientID)
			router.DisconnectClient(clientID)
		},
	)
	router = taskrouter.NewRouter(db, clients, subs, rdb, cfg, log)

	if err := router.Start(); err != nil {
		return fmt.Errorf("gateway: start task router: %w", err)
	}
	defer router.Stop()

	go clients.Run()

	channels := []string{"task.completed", "task.failed", "realtime.update", "signal.new"}
	l := listener.New(dbconn.KeyValueDSN(cfg.Database), channels, cfg.Listener, log)
	go func() {
		if err := l.Start(ctx); err != nil {
			log.Error().Err(err).Msg("notification listener stopped")
		}
	}()

	processor := dataprocessor.NewProcessor(router, subs, clients, db, log)
	go processor.Run(ctx, l.Envelopes())

	purge := cron.New()
	_, _ = purge.AddFunc("@daily", func() { purgeRetention(ctx, db, log) })
	purge.Start()
	defer purge.Stop()

	srv := gateway.NewServer(clients, router, log)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
		_ = l.Close()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Info().Str("port", cfg.Server.Port).Msg("gateway listening")
	return srv.Listen(":" + cfg.Server.Port)
}

// purgeRetention drops task and signal rows past their retention window, per
// the data model's "retained for a short/bounded window then purged" notes
// on Task and Strategy Signal.
func purgeRetention(ctx context.Context, db *gorm.DB, log zerolog.Logger) {
	cutoff := time.Now().Add(-7 * 24 * time.Hour)

	if res := db.WithContext(ctx).Where("status IN ? AND updated_at < ?",
		[]model.TaskStatus{model.TaskStatusCompleted, model.TaskStatusFailed}, cutoff).
		Delete(&model.Task{}); res.Error != nil {
		log.Error().Err(res.Error).Msg("task retention purge failed")
	} else {
		log.Info().Int64("rows", res.RowsAffected).Msg("purged retained tasks")
	}

	signalCutoff := time.Now().Add(-30 * 24 * time.Hour)
	if res := db.WithContext(ctx).Where("computed_at < ?", signalCutoff).Delete(&model.StrategySignal{}); res.Error != nil {
		log.Error().Err(res.Error).Msg("signal retention purge failed")
	} else {
		log.Info().Int64("rows", res.RowsAffected).Msg("purged retained signals")
	}
}
