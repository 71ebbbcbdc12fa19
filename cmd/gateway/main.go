// Command gateway runs the scraping gateway HTTP service.
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

	"go.uber.org/zap"

	"github.com/scraperdev/gateway/internal/api"
	"github.com/scraperdev/gateway/internal/audit"
	auditmem "github.com/scraperdev/gateway/internal/audit/memory"
	auditpg "github.com/scraperdev/gateway/internal/audit/postgres"
	auditps "github.com/scraperdev/gateway/internal/audit/pubsub"
	"github.com/scraperdev/gateway/internal/clock/system"
	"github.com/scraperdev/gateway/internal/config"
	"github.com/scraperdev/gateway/internal/fetcher/browser"
	"github.com/scraperdev/gateway/internal/fetcher/static"
	"github.com/scraperdev/gateway/internal/gateway"
	"github.com/scraperdev/gateway/internal/id/uuid"
	ledgermem "github.com/scraperdev/gateway/internal/ledger/memory"
	ledgerpg "github.com/scraperdev/gateway/internal/ledger/postgres"
	"github.com/scraperdev/gateway/internal/ledger/redisquota"
	"github.com/scraperdev/gateway/internal/logging"
	storagegcs "github.com/scraperdev/gateway/internal/storage/gcs"
	storagelocal "github.com/scraperdev/gateway/internal/storage/local"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := system.New()
	idGen := uuid.New()

	// Ledger and quota backend.
	var (
		ledger gateway.Ledger
		quota  gateway.QuotaKeeper
	)
	switch cfg.Quota.Backend {
	case "memory":
		ledger = ledgermem.New(clk, idGen, cfg.Quota.DefaultLimit)
	default:
		store, err := ledgerpg.Connect(ctx, ledgerpg.Config{
			DSN:          cfg.DB.DSN,
			DefaultLimit: cfg.Quota.DefaultLimit,
		}, clk, idGen, logger)
		if err != nil {
			return fmt.Errorf("connect ledger: %w", err)
		}
		defer store.Close()
		ledger = store
	}
	if cfg.Quota.Backend == "redis" {
		keeper, err := redisquota.Connect(ctx, redisquota.Config{
			Addr:     cfg.Quota.Redis.Addr,
			Password: cfg.Quota.Redis.Password,
			DB:       cfg.Quota.Redis.DB,
		}, clk)
		if err != nil {
			return fmt.Errorf("connect redis quota: %w", err)
		}
		quota = keeper
	}

	// Audit sinks.
	var (
		sink        gateway.AuditSink
		auditReader gateway.AuditReader
	)
	switch cfg.Audit.Backend {
	case "memory":
		mem := auditmem.New()
		sink = mem
		auditReader = mem
	default:
		store, err := auditpg.Connect(ctx, cfg.DB.DSN)
		if err != nil {
			return fmt.Errorf("connect audit store: %w", err)
		}
		defer store.Close()
		sink = store
		auditReader = store
	}
	if cfg.Audit.PubSubEnabled {
		pub, err := auditps.New(ctx, auditps.Config{
			ProjectID: cfg.Audit.ProjectID,
			TopicID:   cfg.Audit.TopicID,
		})
		if err != nil {
			return fmt.Errorf("connect pubsub: %w", err)
		}
		defer pub.Close() //nolint:errcheck // flushed on shutdown
		sink = audit.NewTee(sink, pub)
	}

	// Screenshot archival.
	var blobs gateway.BlobStore
	switch cfg.Storage.Backend {
	case "gcs":
		store, err := storagegcs.New(ctx, cfg.Storage.Bucket)
		if err != nil {
			return fmt.Errorf("connect blob store: %w", err)
		}
		defer store.Close() //nolint:errcheck // best-effort close
		blobs = store
	case "local":
		store, err := storagelocal.New(cfg.Storage.LocalDir)
		if err != nil {
			return fmt.Errorf("open blob directory: %w", err)
		}
		blobs = store
	}

	// Fetch drivers.
	staticDriver := static.New(static.Config{UserAgent: cfg.Scraper.UserAgent}, logger)
	var browserDriver gateway.BrowserDriver
	if cfg.Browser.Enabled {
		drv, err := browser.New(browser.Config{
			MaxSessions:    cfg.Browser.MaxSessions,
			AcquireTimeout: cfg.BrowserAcquireTimeout(),
			UserAgent:      cfg.Scraper.UserAgent,
			ChromePath:     cfg.Browser.ChromePath,
		}, logger)
		if err != nil {
			return fmt.Errorf("start browser driver: %w", err)
		}
		defer drv.Close()
		browserDriver = drv
	} else {
		browserDriver = browser.NewNoop()
	}

	orch, err := gateway.NewOrchestrator(gateway.OrchestratorParams{
		Ledger:  ledger,
		Quota:   quota,
		Static:  staticDriver,
		Browser: browserDriver,
		Audit:   sink,
		Blobs:   blobs,
		Clock:   clk,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	server := api.NewServer(api.Params{
		Orchestrator:   orch,
		Audit:          sink,
		AuditReader:    auditReader,
		Clock:          clk,
		IDGen:          idGen,
		Logger:         logger,
		InternalSecret: cfg.Auth.InternalSecret,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSec)*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
