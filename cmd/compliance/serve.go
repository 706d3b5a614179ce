package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/compliance-engine/api"
	"github.com/warp/compliance-engine/compliance"
	"github.com/warp/compliance-engine/compliance/memstore"
	"github.com/warp/compliance-engine/config"
	"github.com/warp/compliance-engine/external"
	"github.com/warp/compliance-engine/factory"
	"github.com/warp/compliance-engine/lock"
	"github.com/warp/compliance-engine/logger"
	"github.com/warp/compliance-engine/store/sqlite"
)

// memoryDB selects the in-memory store.
const memoryDB = "memory"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the accrual scheduler",
	Example: `  # File database, local locks
  compliance serve

  # In-memory store on another port
  COMPLIANCE_DB=memory compliance serve --port 3000

  # Shared locks for several replicas
  COMPLIANCE_LOCK_BACKEND=redis REDIS_ADDR=redis:6379 compliance serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "HTTP server port (overrides COMPLIANCE_PORT)")
	serveCmd.Flags().String("db", "", "SQLite database path, or \"memory\" (overrides COMPLIANCE_DB)")
	serveCmd.Flags().Bool("no-scheduler", false, "Do not start the accrual scheduler")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("serve")

	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Port = port
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DatabasePath = db
	}
	noScheduler, _ := cmd.Flags().GetBool("no-scheduler")

	// Store
	store, closeStore, err := openStore(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer closeStore.Close()

	calendar, err := factory.NewCalendarFactory().LoadCalendar(cfg.CalendarFile)
	if err != nil {
		return err
	}

	engine := compliance.NewEngine(store, calendar)
	engine.ExternalTimeout = cfg.ExternalTimeout

	// Lineage lock
	locker, closeLocker, err := openLocker(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeLocker.Close()
	engine.Locker = locker

	// External collaborators
	httpClient := &http.Client{Timeout: cfg.ExternalTimeout}
	if cfg.DocumentServiceURL != "" {
		engine.Documents = external.NewDocumentClient(cfg.DocumentServiceURL, httpClient)
	}
	if cfg.PaymentLedgerURL != "" {
		engine.Payments = external.NewPaymentClient(cfg.PaymentLedgerURL, httpClient)
	}
	if cfg.DirectoryURL != "" {
		engine.Directory = external.NewDirectoryClient(cfg.DirectoryURL, httpClient)
	}

	handler := api.NewHandler(engine)
	scheduler := api.NewAccrualScheduler(engine)
	scheduler.CheckInterval = cfg.AccrualInterval
	scheduler.Workers = cfg.AccrualWorkers
	scheduler.Enabled = !noScheduler
	handler.Scheduler = scheduler

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	scheduler.Start()
	defer scheduler.Stop()

	serverErr := make(chan error, 1)
	go func() {
		log.Info().
			Int("port", cfg.Port).
			Str("db", cfg.DatabasePath).
			Str("lock", cfg.LockBackend).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("server stopped")
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openStore(path string) (compliance.TxStore, io.Closer, error) {
	if path == memoryDB {
		return memstore.New(), nopCloser{}, nil
	}
	store, err := sqlite.New(path)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize database: %w", err)
	}
	return store, store, nil
}

func openLocker(ctx context.Context, c *config.Config) (compliance.Locker, io.Closer, error) {
	if c.LockBackend != config.LockBackendRedis {
		return lock.NewLocal(), nopCloser{}, nil
	}
	redisLock := lock.NewRedis(lock.RedisOptions{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
		TTL:      c.LockTTL,
	})
	if ctx == nil {
		ctx = context.Background()
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisLock.Ping(pingCtx); err != nil {
		redisLock.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", c.RedisAddr, err)
	}
	return redisLock, redisLock, nil
}
