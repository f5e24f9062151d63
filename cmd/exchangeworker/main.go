// Command exchangeworker runs the outbound half of the platform (C8): the
// single upstream market-data WebSocket and the REST task executor for one
// configured venue.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"marketfabric.io/core/internal/config"
	"marketfabric.io/core/internal/dbconn"
	"marketfabric.io/core/internal/exchange"
	"marketfabric.io/core/internal/listener"
	"marketfabric.io/core/internal/logging"
	"marketfabric.io/core/internal/schema"
)

func main() {
	root := &cobra.Command{Use: "exchangeworker", Short: "Exchange worker: upstream market data + REST task execution"}
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
		Short: "Run the exchange worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg := config.LoadConfig()
	log := logging.New("exchange-worker", cfg.Logging.Level)

	if err := schema.Migrate(dbconn.URLDSN(cfg.Database)); err != nil {
		log.Warn().Err(err).Msg("schema migration failed or already applied")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := dbconn.OpenGorm(cfg.Database)
	if err != nil {
		return fmt.Errorf("exchangeworker: open database: %w", err)
	}

	bulk, err := dbconn.OpenBulkPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("exchangeworker: open bulk pool: %w", err)
	}
	defer bulk.Close()

	worker := exchange.NewWorker(db, bulk, cfg.Exchange, log)

	channels := []string{"subscription.add", "subscription.remove", "subscription.clean", "task.new"}
	l := listener.New(dbconn.KeyValueDSN(cfg.Database), channels, cfg.Listener, log)
	go worker.Run(ctx, l.Envelopes())

	go func() {
		if err := l.Start(ctx); err != nil {
			log.Error().Err(err).Msg("notification listener stopped")
		}
	}()

	httpSrv := healthServer(cfg.Server.MetricsPort)
	go func() {
		log.Info().Str("port", cfg.Server.MetricsPort).Msg("exchange worker health/metrics listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health server stopped")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
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
		addr = ":9091"
	}
	return &http.Server{Addr: addr, Handler: r}
}
