package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/floehq/floe/internal/callback"
	"github.com/floehq/floe/internal/engine"
	"github.com/floehq/floe/internal/executors"
	"github.com/floehq/floe/internal/logging"
	"github.com/floehq/floe/internal/scheduler"
	"github.com/floehq/floe/internal/server"
	"github.com/floehq/floe/internal/store"
	"github.com/floehq/floe/internal/streaming"
	"github.com/floehq/floe/internal/validation"
	"github.com/floehq/floe/internal/vault"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "floe: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	if cfg.VaultPassphrase == "" {
		return errors.New("vault passphrase is required (FLOE_VAULT_PASSPHRASE or settings.json)")
	}
	aesVault, err := vault.NewAESVault(st, vault.Config{
		Passphrase: cfg.VaultPassphrase,
		Salt:       []byte(cfg.VaultSalt),
	})
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}

	hub := streaming.NewMemoryHub()
	eventLog := streaming.NewEventLogBridge(store.NewEventLog(st), hub)

	registry, err := executors.DefaultRegistry(executors.Deps{
		Vault:           aesVault,
		Tokens:          vault.NewTokenCache(),
		Store:           st,
		Logger:          logger,
		CallbackBaseURL: cfg.BaseURL,
		DefaultEmailKey: cfg.ResendAPIKey,
	})
	if err != nil {
		return fmt.Errorf("build executor registry: %w", err)
	}

	runner := engine.NewRunner(st, eventLog, registry, engine.RunnerConfig{
		PoolSize: cfg.PoolSize,
	}, logger)
	defer runner.Shutdown()

	validator, err := validation.NewWorkflowValidator()
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}

	correlator := callback.NewCorrelator(st,
		callback.WithHub(hub),
		callback.WithLogger(logger),
	)

	srv := server.NewServer(server.Deps{
		Store:     st,
		Runner:    runner,
		Vault:     aesVault,
		Hub:       hub,
		Validator: validator,
		Callbacks: callback.NewHandler(correlator, logger),
		Logger:    logger,
	})

	sched := scheduler.NewScheduler(st, srv, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("floe listening", "addr", cfg.ListenAddr, "base_url", cfg.BaseURL)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func newLogger(cfg Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if cfg.LogFormat == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}
