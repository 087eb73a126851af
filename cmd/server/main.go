package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/halcyon-health/equilens/internal/audit"
	"github.com/halcyon-health/equilens/internal/auth"
	"github.com/halcyon-health/equilens/internal/cohort"
	"github.com/halcyon-health/equilens/internal/config"
	"github.com/halcyon-health/equilens/internal/evaluate"
	"github.com/halcyon-health/equilens/internal/fairness"
	"github.com/halcyon-health/equilens/internal/ingest"
	"github.com/halcyon-health/equilens/internal/metrics"
	"github.com/halcyon-health/equilens/internal/mitigation"
	"github.com/halcyon-health/equilens/internal/monitor"
	"github.com/halcyon-health/equilens/internal/policy"
	"github.com/halcyon-health/equilens/internal/privacy"
	"github.com/halcyon-health/equilens/internal/server"
	"github.com/halcyon-health/equilens/internal/store"
	"github.com/halcyon-health/equilens/internal/violation"
	"github.com/halcyon-health/equilens/internal/wal"
	"github.com/halcyon-health/equilens/pkg/otel"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to equilens.yaml (empty uses the standard search path)")
	flag.Parse()

	bootstrap, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "bootstrap logger:", err)
		os.Exit(1)
	}
	loader, cfg, err := config.NewLoader(*configPath, bootstrap)
	if err != nil {
		bootstrap.Fatal("configuration failed", zap.Error(err))
	}
	logger, err := buildLogger(cfg.Logger)
	if err != nil {
		bootstrap.Fatal("logger configuration failed", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Otel.Enabled {
		oc := otel.DefaultConfig("equilens")
		if cfg.Otel.Endpoint != "" {
			oc.CollectorEndpoint = cfg.Otel.Endpoint
		}
		if cfg.Otel.SampleRatio > 0 {
			oc.SamplingRate = cfg.Otel.SampleRatio
		}
		tp, err := otel.InitTracer(ctx, oc)
		if err != nil {
			logger.Fatal("tracing init failed", zap.Error(err))
		}
		defer func() {
			if err := otel.Shutdown(context.Background(), tp); err != nil {
				logger.Warn("tracer shutdown failed", zap.Error(err))
			}
		}()
		logger.Info("tracing enabled", zap.String("endpoint", oc.CollectorEndpoint))
	}

	// Storage backend
	b, err := buildBackend(cfg)
	if err != nil {
		logger.Fatal("store wiring failed", zap.String("backend", cfg.Store.Backend), zap.Error(err))
	}

	// Intake WAL and audit chain
	walLog, err := wal.Open(cfg.WAL.Dir)
	if err != nil {
		logger.Fatal("wal open failed", zap.String("dir", cfg.WAL.Dir), zap.Error(err))
	}
	auditLog, err := audit.NewLog(cfg.Audit.Dir, logger)
	if err != nil {
		logger.Fatal("audit log open failed", zap.String("dir", cfg.Audit.Dir), zap.Error(err))
	}
	var auditSink *audit.PostgresSink
	if cfg.Audit.Mirror {
		if cfg.Database.URL == "" {
			logger.Fatal("audit.mirror requires database.url")
		}
		auditSink, err = audit.NewPostgresSink(cfg.Database.URL)
		if err != nil {
			logger.Fatal("audit mirror failed", zap.Error(err))
		}
		auditLog.AttachSink(auditSink)
		if n, err := auditSink.Backfill(ctx, auditLog); err != nil {
			logger.Warn("audit backfill failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("audit mirror backfilled", zap.Int("entries", n))
		}
	}

	// Evaluation pipeline
	m := metrics.New(nil)
	resolver, err := cohort.NewResolver(cfg.CohortSchema(), cfg.Schema.CacheSize, logger)
	if err != nil {
		logger.Fatal("cohort schema rejected", zap.Error(err))
	}
	engine, err := fairness.NewEngine(cfg.FairnessParams(), logger)
	if err != nil {
		logger.Fatal("fairness params rejected", zap.Error(err))
	}
	registry := policy.NewRegistry()
	pol, err := cfg.TolerancePolicy()
	if err != nil {
		logger.Fatal("tolerance policy rejected", zap.Error(err))
	}
	if err := registry.Register(pol); err != nil {
		logger.Fatal("policy registration failed", zap.Error(err))
	}
	if err := registry.Promote(pol.Version); err != nil {
		logger.Fatal("policy promotion failed", zap.Error(err))
	}
	detector := violation.NewDetector(registry, logger)
	mitigator := mitigation.NewEngine(engine, registry, b.locker, logger)

	var guard ingest.IdentityGuard
	if cfg.Privacy.Enabled {
		mode, err := privacy.ParseMode(cfg.Privacy.Mode)
		if err != nil {
			logger.Fatal("privacy config rejected", zap.Error(err))
		}
		guard = privacy.NewScanner(mode, logger)
	}

	intake := ingest.NewService(walLog, b.records, resolver, guard, logger)
	if stats, err := intake.Replay(ctx, cfg.WAL.Dir); err != nil {
		logger.Warn("wal replay failed", zap.Error(err))
	} else if stats.Frames > 0 {
		logger.Info("wal replayed",
			zap.Int("frames", stats.Frames),
			zap.Int("records", stats.RecordsApplied),
			zap.Int("outcomes", stats.OutcomesApplied),
			zap.Int("skipped", stats.Skipped),
		)
	}

	runner, err := evaluate.NewRunner(evaluate.Options{
		Resolver:  resolver,
		Engine:    engine,
		Detector:  detector,
		Mitigator: mitigator,
		Records:   b.records,
		Results:   b.results,
		Alerts:    b.alerts,
		Actions:   b.actions,
		Audit:     auditLog,
		Metrics:   m,
		Workers:   cfg.Evaluate.Workers,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("runner wiring failed", zap.Error(err))
	}

	// Continuous monitoring
	mon, err := monitor.New(cfg.MonitorConfig(), runner, logger)
	if err != nil {
		logger.Fatal("monitor config rejected", zap.Error(err))
	}
	mon.OnTransition(func(t monitor.Transition) {
		m.SetModelState(t.ModelVersion, t.To.Rank())
		if _, err := auditLog.Append(audit.EventStateTransition, "monitor", t.ModelVersion, "", map[string]any{
			"from":   string(t.From),
			"to":     string(t.To),
			"reason": t.Reason,
			"window": t.Window.Key(),
		}); err != nil {
			logger.Error("audit append failed", zap.Error(err))
		}
	})
	mon.OnDrift(func(r monitor.DriftReport) {
		m.IncDrift(r.ModelVersion)
		if _, err := auditLog.Append(audit.EventDriftDetected, "monitor", r.ModelVersion, r.Cohort, map[string]any{
			"ks_statistic": r.Statistic,
			"p_value":      r.PValue,
			"baseline_n":   r.BaselineN,
			"current_n":    r.CurrentN,
		}); err != nil {
			logger.Error("audit append failed", zap.Error(err))
		}
	})
	mon.Start(ctx)

	var authCfg *auth.Config
	if cfg.Auth.Enabled {
		authCfg = auth.DefaultConfig()
		authCfg.RequireVerified = cfg.Auth.RequireVerified
	}

	srv, err := server.New(server.Options{
		Ingest:      intake,
		Runner:      runner,
		Results:     b.results,
		Alerts:      b.alerts,
		Actions:     b.actions,
		Monitor:     mon,
		Audit:       auditLog,
		Metrics:     m,
		Auth:        authCfg,
		MetricsUser: os.Getenv("METRICS_USER"),
		MetricsPass: os.Getenv("METRICS_PASS"),
		WindowSpan:  cfg.Monitor.WindowSpan,
		RatePerSec:  cfg.Server.RateLimit,
		RateBurst:   cfg.Server.RateBurst,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("server wiring failed", zap.Error(err))
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go maintain(ctx, logger, walLog, b, cfg.Store.Retention)

	loader.Watch(func(next *config.Config) {
		applyReload(next, resolver, registry, auditLog, logger)
	})

	go func() {
		logger.Info("server listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	cancel()
	mon.Stop()

	if err := walLog.Close(); err != nil {
		logger.Error("wal close failed", zap.Error(err))
	}
	if err := auditLog.Close(); err != nil {
		logger.Error("audit close failed", zap.Error(err))
	}
	if auditSink != nil {
		auditSink.Close()
	}
	b.close(logger)
	logger.Info("server stopped")
}

// buildLogger constructs the process logger from the logger section.
func buildLogger(cfg config.LoggerConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

// backend bundles the storage layer selected by store.backend.
type backend struct {
	results store.ResultStore
	records store.RecordStore
	alerts  store.AlertStore
	actions store.ActionStore
	locker  mitigation.Locker
}

func buildBackend(cfg *config.Config) (*backend, error) {
	b := &backend{
		records: store.NewMemoryRecordStore(),
		alerts:  store.NewMemoryAlertStore(),
		actions: store.NewMemoryActionStore(),
		locker:  mitigation.NewMemoryLocker(),
	}
	switch cfg.Store.Backend {
	case "memory":
		b.results = store.NewMemoryResultStore()
	case "redis":
		// Redis holds the result history and the shared apply lock;
		// the record history stays in memory.
		results, err := store.NewRedisResultStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Store.Retention)
		if err != nil {
			return nil, fmt.Errorf("redis result store: %w", err)
		}
		locker, err := mitigation.NewRedisLocker(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("redis locker: %w", err)
		}
		b.results, b.locker = results, locker
	case "postgres":
		results, err := store.NewPostgresResultStore(cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("postgres result store: %w", err)
		}
		records, err := store.NewPostgresRecordStore(cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("postgres record store: %w", err)
		}
		b.results, b.records = results, records
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	return b, nil
}

func (b *backend) close(logger *zap.Logger) {
	if err := b.results.Close(); err != nil {
		logger.Error("result store close failed", zap.Error(err))
	}
	if err := b.records.Close(); err != nil {
		logger.Error("record store close failed", zap.Error(err))
	}
	if err := b.alerts.Close(); err != nil {
		logger.Error("alert store close failed", zap.Error(err))
	}
	if err := b.actions.Close(); err != nil {
		logger.Error("action store close failed", zap.Error(err))
	}
}

// resultCleaner is satisfied by the memory and Postgres result stores.
// Redis expires results by TTL instead.
type resultCleaner interface {
	CleanupBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// maintain rotates the intake WAL at day boundaries and sweeps stored
// history past retention.
func maintain(ctx context.Context, logger *zap.Logger, walLog *wal.Log, b *backend, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if closed, err := walLog.Rotate(); err != nil {
			logger.Error("wal rotation failed", zap.Error(err))
		} else if closed != "" {
			logger.Info("wal segment rotated", zap.String("segment", closed))
		}
		if retention <= 0 {
			continue
		}
		cutoff := time.Now().UTC().Add(-retention)
		if n, err := b.records.CleanupBefore(ctx, cutoff); err != nil {
			logger.Error("record retention sweep failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("records expired", zap.Int("removed", n))
		}
		if cleaner, ok := b.results.(resultCleaner); ok {
			if n, err := cleaner.CleanupBefore(ctx, cutoff); err != nil {
				logger.Error("result retention sweep failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("results expired", zap.Int("removed", n))
			}
		}
	}
}

// applyReload pushes a validated configuration change into the live
// components. The cohort schema swaps atomically; a threshold change
// requires a new policy version, which is registered and promoted.
func applyReload(next *config.Config, resolver *cohort.Resolver, registry *policy.Registry, auditLog *audit.Log, logger *zap.Logger) {
	changed := map[string]any{}

	if err := resolver.Swap(next.CohortSchema()); err != nil {
		logger.Error("schema swap rejected", zap.Error(err))
	} else {
		changed["schema_attributes"] = len(next.Schema.Attributes)
	}

	pol, err := next.TolerancePolicy()
	if err != nil {
		logger.Error("reloaded policy rejected", zap.Error(err))
	} else if _, lookupErr := registry.Get(pol.Version); lookupErr != nil {
		// An unknown version is a genuine policy change.
		if err := registry.Register(pol); err != nil {
			logger.Error("policy registration failed", zap.Error(err))
		} else if err := registry.Promote(pol.Version); err != nil {
			logger.Error("policy promotion failed", zap.Error(err))
		} else {
			changed["policy_version"] = pol.Version
		}
	}

	if len(changed) == 0 {
		return
	}
	if _, err := auditLog.Append(audit.EventConfigChange, "config", "", "", changed); err != nil {
		logger.Error("audit append failed", zap.Error(err))
	}
	logger.Info("configuration reloaded", zap.Any("changed", changed))
}
