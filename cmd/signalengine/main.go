// Command signalengine runs the platform's strategy evaluation process
// (C9): it owns no transport of its own, only a notification listener, a
// per-key kline cache, and the registered strategy set.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	osignal "os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"marketfabric.io/core/internal/config"
	"marketfabric.io/core/internal/dbconn"
	"marketfabric.io/core/internal/listener"
	"marketfabric.io/core/internal/logging"
	"marketfabric.io/core/internal/schema"
	"marketfabric.io/core/internal/signal"

	// Blank-imported so every built-in strategy's init() registers itself
	// before Engine.Start and PublishMetadata run.
	_ "marketfabric.io/core/internal/signal/strategies"
)

func main() {
	root := &cobra.Command{Use: "signalengine", Short: "Signal engine: strategy evaluation over live K-lines"}
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
		Short: "Run the signal engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg := config.LoadConfig()
	log := logging.New("signal-engine", cfg.Logging.Level)

	if err := schema.Migrate(dbconn.URLDSN(cfg.Database)); err != nil {
		log.Warn().Err(err).Msg("schema migration failed or already applied")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := dbconn.OpenGorm(cfg.Database)
	if err != nil {
		return fmt.Errorf("signalengine: open database: %w", err)
	}

	engine := signal.NewEngine(db, cfg.SignalEngine, cfg.Exchange.Name, log)

	if err := engine.PublishMetadata(ctx); err != nil {
		return fmt.Errorf("signalengine: publish strategy metadata: %w", err)
	}

	channels := []string{
		"realtime.update", "task.completed", "task.failed",
		"alert_config.new", "alert_config.update", "alert_config.delete",
	}
	l := listener.New(dbconn.KeyValueDSN(cfg.Database), channels, cfg.Listener, log)
	go engine.Run(ctx, l.Envelopes())

	go func() {
		if err := l.Start(ctx); err != nil {
			log.Error().Err(err).Msg("notification listener stopped")
		}
	}()

	// Admission runs after the listener is already draining notifications,
	// so a fill task's completion is never missed between listen-start and
	// admit.
	if err := engine.Start(ctx); err != nil {
		log.Error().Err(err).Msg("initial alert admission failed")
	}

	httpSrv := healthServer(cfg.Server.MetricsPort)
	go func() {
		log.Info().Str("port", cfg.Server.MetricsPort).Msg("signal engine health/metrics listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health server stopped")
		}
	}()

	sig := make(chan os.Signal, 1)
	osignal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
	engine.Stop()
	_ = l.Close()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	return httpSrv.Shutdown(shutCtx)
}

func healthServer(port string) *http.Server {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	addr := ":" + port
	if port == "" {
		addr = ":9092"
	}
	return &http.Server{Addr: addr, Handler: r}
}
