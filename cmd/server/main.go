/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the royalty ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (file, then ROYALTY_* environment, then flags)
  2. Build the logger
  3. Open the SQLite store at the configured rate per stream
  4. Connect the event publisher (NATS, or none)
  5. Create the API handler and load the ledger
  6. Start the recalculation scheduler
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Config file (default: config.yaml in ., ./config, /etc/royalty)
  -port    Overrides server.port
  -db      Overrides database.path. Use ":memory:" for in-memory

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running recalculation)
  2. Stop accepting new connections
  3. Wait for active requests (server.shutdown_timeout)
  4. Release payment workers, drain events, close the database

EXAMPLES:
  ./server -config=./config.yaml
  ROYALTY_SCHEDULER_ENABLED=true ./server -db=":memory:"

SEE ALSO:
  - config/config.go: Keys and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/royalty-engine/api"
	"github.com/warp/royalty-engine/config"
	"github.com/warp/royalty-engine/events"
	"github.com/warp/royalty-engine/logger"
	"github.com/warp/royalty-engine/observability"
	"github.com/warp/royalty-engine/royalty"
	"github.com/warp/royalty-engine/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configFile := flag.String("config", "", "config file path")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Options())
	if err != nil {
		return err
	}
	defer log.Sync()

	rate, err := cfg.Royalty.Rate()
	if err != nil {
		return err
	}

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path, sqlite.WithRatePerStream(rate))
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	publisher, err := newPublisher(cfg.Events, log)
	if err != nil {
		return err
	}
	defer publisher.Close()

	// Initialize handler
	handler, err := api.NewHandler(store, api.HandlerOptions{
		Logger:   log,
		Events:   publisher,
		Metrics:  observability.NewMetrics(),
		PageSize: cfg.Ledger.PageSize,
		Payment: royalty.PaymentOptions{
			Workers: cfg.Ledger.PaymentWorkers,
			Timeout: cfg.Ledger.PaymentTimeout,
		},
	})
	if err != nil {
		return err
	}
	defer handler.Close()

	// Load the existing ledger
	if err := handler.LoadLedger(context.Background()); err != nil {
		log.Warn("initial ledger load failed", zap.Error(err))
	}

	scheduler, err := api.NewRecalculationScheduler(handler, api.SchedulerOptions{
		Interval: cfg.Scheduler.Interval,
		Enabled:  cfg.Scheduler.Enabled,
	})
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.Server.AllowedOrigins}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Ledger.PaymentTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("db", cfg.Database.Path),
			zap.String("rate_per_stream", rate.String()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	log.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func newPublisher(cfg config.EventsConfig, log *zap.Logger) (events.Publisher, error) {
	if cfg.NATSURL == "" {
		log.Info("event publishing disabled")
		return events.Nop{}, nil
	}
	p, err := events.NewNATSPublisher(cfg.NATSURL, "", log)
	if err != nil {
		return nil, fmt.Errorf("connect events: %w", err)
	}
	return p, nil
}
