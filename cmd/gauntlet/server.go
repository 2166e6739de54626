package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gauntlet-Labs/gauntlet/core/pkg/audit"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/budget"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/checkpoint"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/config"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/export"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/flow"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/notify"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/observability"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/replay"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/router"
	"github.com/Gauntlet-Labs/gauntlet/core/pkg/store"

	_ "github.com/lib/pq"        // Postgres driver
	_ "modernc.org/sqlite"       // SQLite driver
)

// backends holds the storage wiring: the event log is always SQLite, the
// index stores ride Postgres when DATABASE_URL is set and fall back to lite
// mode otherwise.
type backends struct {
	eventLog  store.EventLog
	decisions store.DecisionStore
	budgets   budget.Storage
	outbox    store.OutboxStore
}

func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	eventDB, err := sql.Open("sqlite", cfg.EventStorePath)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	eventDB.SetMaxOpenConns(1)
	eventLog, err := store.NewSQLiteEventLog(eventDB)
	if err != nil {
		return nil, fmt.Errorf("init event log: %w", err)
	}

	if cfg.DatabaseURL == "" {
		logger.InfoContext(ctx, "DATABASE_URL not set, running in lite mode on SQLite")
		decisions, err := store.NewSQLiteDecisionStore(eventDB)
		if err != nil {
			return nil, fmt.Errorf("init decision store: %w", err)
		}
		return &backends{
			eventLog:  eventLog,
			decisions: decisions,
			budgets:   budget.NewMemoryStorage(),
			outbox:    store.NewMemoryOutboxStore(),
		}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	decisions := store.NewPostgresDecisionStore(db)
	if err := decisions.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate decision store: %w", err)
	}
	budgets := budget.NewPostgresStorage(db)
	if err := budgets.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate budget store: %w", err)
	}
	outbox := store.NewPostgresOutboxStore(db)
	if err := outbox.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate outbox: %w", err)
	}
	logger.InfoContext(ctx, "postgres connected")

	return &backends{eventLog: eventLog, decisions: decisions, budgets: budgets, outbox: outbox}, nil
}

//nolint:gocognit
func runServer() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := observability.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	obsCfg := observability.DefaultConfig()
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		obsCfg.OTLPEndpoint = ep
	} else {
		obsCfg.Enabled = false
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		logger.Error("observability init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	be, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Error("storage init failed", "error", err)
		os.Exit(1)
	}

	profile, err := config.LoadProfile(cfg.PolicyProfilesDir, cfg.PolicyProfile)
	if err != nil {
		logger.Error("policy profile load failed", "profile", cfg.PolicyProfile, "error", err)
		os.Exit(1)
	}
	policy, err := profile.ToPolicy()
	if err != nil {
		logger.Error("policy compile failed", "profile", cfg.PolicyProfile, "error", err)
		os.Exit(1)
	}
	rt, err := router.New(policy)
	if err != nil {
		logger.Error("router init failed", "error", err)
		os.Exit(1)
	}
	logger.Info("gate policy loaded",
		"profile", profile.Code, "version", policy.Version.String())

	repo := store.NewStateRepository(be.eventLog)
	auditor := audit.NewStoreLogger(be.decisions, logger)
	enforcer := budget.NewSpendEnforcer(be.budgets, logger)

	var signer *checkpoint.TokenSigner
	if cfg.ResumeTokenSecret != "" {
		signer, err = checkpoint.NewTokenSigner([]byte(cfg.ResumeTokenSecret), cfg.ResumeTokenTTL)
		if err != nil {
			logger.Error("token signer init failed", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("RESUME_TOKEN_SECRET not set, resume tokens disabled")
	}

	driver, err := flow.NewDriver(repo, rt, enforcer, auditor, logger)
	if err != nil {
		logger.Error("driver init failed", "error", err)
		os.Exit(1)
	}
	if signer != nil {
		driver.WithTokenSigner(signer)
	}
	driver.WithNotifier(notify.NewOutboxNotifier(be.outbox))

	// Deliveries drain from the durable outbox so a webhook outage never
	// blocks a transition.
	if cfg.WebhookURL != "" {
		delivery := notify.DeliveryPolicy{PerMinute: 60, Burst: 10}
		var limiter notify.DeliveryLimiter
		if cfg.RedisAddr != "" {
			limiter = notify.NewRedisDeliveryLimiter(cfg.RedisAddr, "", 0, delivery)
		} else {
			limiter = notify.NewMemoryDeliveryLimiter(delivery)
		}
		sender := notify.NewWebhookSender(cfg.WebhookURL, []byte(cfg.WebhookSecret), limiter, logger)
		drainer := notify.NewDrainer(be.outbox, sender, 0, logger)
		go func() {
			if err := drainer.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("outbox drainer stopped", "error", err)
			}
		}()
	}

	manager, err := checkpoint.NewManager(repo, be.decisions, auditor)
	if err != nil {
		logger.Error("checkpoint manager init failed", "error", err)
		os.Exit(1)
	}
	manager.WithLogger(logger)
	if signer != nil {
		manager.WithTokenSigner(signer)
	}

	var sink export.Sink
	if cfg.ExportBucket != "" {
		sink, err = export.NewS3Sink(ctx, export.S3SinkConfig{
			Bucket: cfg.ExportBucket,
			Region: cfg.ExportRegion,
		})
		if err != nil {
			logger.Error("export sink init failed", "error", err)
			os.Exit(1)
		}
	}

	srv := newServer(serverDeps{
		repo:      repo,
		driver:    driver,
		resume:    manager,
		enforcer:  enforcer,
		decisions: be.decisions,
		exporter:  export.NewExporter(be.eventLog, be.decisions),
		sink:      sink,
		verifier:  replay.NewVerifier(be.eventLog),
		profile:   profile,
		obs:       obs,
		logger:    logger,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("gauntlet kernel ready", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
}
