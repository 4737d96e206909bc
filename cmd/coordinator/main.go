package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/evidence"
	"github.com/loomworks/loom/internal/httpapi"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/session"
	"github.com/loomworks/loom/internal/tracing"
)

func main() {
	ctx := context.Background()

	cfgMgr, err := config.NewManager(os.Getenv("CONFIG_PATH"), zap.NewNop())
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := cfgMgr.Current()

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	evidenceStore, cleanupEvidence, err := buildEvidenceStore(ctx, cfg.Evidence, logger)
	if err != nil {
		logger.Fatal("Failed to initialize evidence store", zap.Error(err))
	}
	defer cleanupEvidence()

	var sessions *session.Manager
	if cfg.Session.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Session.RedisAddr,
			Password: cfg.Session.RedisPassword,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("Session Redis unreachable, continuing without session persistence", zap.Error(err))
		} else {
			sessions = session.NewManager(client, session.Config{
				TTL:       cfg.Session.TTL,
				MaxCached: cfg.Session.MaxCached,
			}, logger)
		}
	}

	sys, err := orchestrator.New(cfg, orchestrator.Options{
		EvidenceStore: evidenceStore,
		Sessions:      sessions,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Failed to wire coordination system", zap.Error(err))
	}

	cfgMgr.OnReload(sys.ApplyConfig)
	if err := cfgMgr.Start(); err != nil {
		logger.Warn("Configuration hot reload unavailable", zap.Error(err))
	}
	defer cfgMgr.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	httpapi.NewStatusHandler(sys, sys.Coordinator, logger).RegisterRoutes(mux)
	metricsServer := &http.Server{
		Addr:         cfg.Server.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Metrics server listening", zap.String("address", cfg.Server.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("Coordinator started",
		zap.Bool("compression", cfg.Compression.Enabled),
		zap.Strings("supervised_types", cfg.Policy.SupervisedTypes),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down coordinator")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
	sys.Conversation.WaitForBackgroundTasks()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("Tracing shutdown failed", zap.Error(err))
	}
}

func buildLogger(lc config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if lc.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if lc.Level != "" {
		level, err := zap.ParseAtomicLevel(lc.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = level
	}
	return zc.Build()
}

// buildEvidenceStore selects the backend from configuration. The returned
// cleanup closes whatever connection the backend holds.
func buildEvidenceStore(ctx context.Context, ec config.EvidenceConfig, logger *zap.Logger) (evidence.Store, func(), error) {
	switch ec.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: ec.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, err
		}
		return evidence.NewRedisStore(client, ec.RedisTTL, logger), func() { client.Close() }, nil
	case "sql":
		db, err := sqlx.ConnectContext(ctx, ec.SQLDriver, ec.SQLDSN)
		if err != nil {
			return nil, nil, err
		}
		archive := evidence.NewSQLArchive(db, logger)
		if err := archive.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return archive, func() { db.Close() }, nil
	default:
		return evidence.NewMemoryStore(), func() {}, nil
	}
}
