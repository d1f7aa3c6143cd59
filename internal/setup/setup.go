// Package setup assembles the application: configuration, logging,
// database, audit store, QC state, notification delivery, and the HTTP
// server, wired in dependency order with a matching teardown.
package setup

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/lims-autoverify-server/internal/api"
	"github.com/lims-autoverify-server/internal/audit"
	"github.com/lims-autoverify-server/internal/config"
	"github.com/lims-autoverify-server/internal/database"
	"github.com/lims-autoverify-server/internal/domain"
	"github.com/lims-autoverify-server/internal/notify"
	"github.com/lims-autoverify-server/internal/qcstate"
	"github.com/lims-autoverify-server/internal/repository"
	"github.com/lims-autoverify-server/internal/service"
)

// Application holds every long-lived component. Shutdown releases them in
// reverse construction order.
type Application struct {
	Config       *domain.Config
	Logger       *logrus.Logger
	DB           *database.DB
	AuditStore   audit.Store
	Predicates   *service.PredicateRegistry
	Signals      *service.SignalRegistry
	Verification *service.VerificationService
	Dispatcher   *notify.Dispatcher
	Server       *api.Server

	redisClient *redis.Client
}

// Build constructs the full application from configuration.
func Build(ctx context.Context) (*Application, error) {
	manager, err := config.NewManager()
	if err != nil {
		return nil, err
	}
	if err := manager.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	cfg := manager.GetConfig()

	logger := newLogger(cfg.Logging)

	db, err := database.NewConnection(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		Database:    cfg.Database.Database,
		Username:    cfg.Database.Username,
		Password:    cfg.Database.Password,
		MaxConns:    int32(cfg.Database.MaxOpenConns),
		MinConns:    int32(cfg.Database.MaxIdleConns),
		MaxConnLife: cfg.Database.ConnMaxLifetime,
		MaxConnIdle: cfg.Database.ConnMaxLifetime,
		SSLMode:     cfg.Database.SSLMode,
	}, logger)
	if err != nil {
		return nil, err
	}

	if err := runMigrations(ctx, manager, logger); err != nil {
		db.Close()
		return nil, err
	}

	auditStore, err := newAuditStore(cfg, manager)
	if err != nil {
		db.Close()
		return nil, err
	}

	redisClient, err := newRedisClient(cfg.Redis, logger)
	if err != nil {
		auditStore.Close()
		db.Close()
		return nil, err
	}

	tracker, err := qcstate.NewTracker(logger, redisClient, cfg.Redis.DefaultTTL)
	if err != nil {
		auditStore.Close()
		db.Close()
		return nil, err
	}

	dispatcher := notify.NewDispatcher(logger,
		notify.NewWebhookChannel(cfg.Notification.WebhookURL, cfg.Notification.Timeout),
		cfg.Notification)
	dispatcher.Start()

	predicates := service.NewPredicateRegistry()
	signals := service.NewSignalRegistry()

	ruleRepo := repository.NewRuleRepository(db.Pool, logger)
	resultRepo := repository.NewResultRepository(db.Pool, logger)
	qcRepo := repository.NewQCRepository(db.Pool, logger)

	verification, err := service.NewVerificationService(
		logger,
		ruleRepo,
		resultRepo,
		signals,
		signals,
		signals,
		tracker,
		qcRepo,
		auditStore,
		dispatcher,
		predicates,
		cfg.QC,
		cfg.Verification,
	)
	if err != nil {
		dispatcher.Stop()
		auditStore.Close()
		db.Close()
		return nil, err
	}

	server := api.NewServer(cfg, logger, verification, auditStore, signals, db)

	return &Application{
		Config:       cfg,
		Logger:       logger,
		DB:           db,
		AuditStore:   auditStore,
		Predicates:   predicates,
		Signals:      signals,
		Verification: verification,
		Dispatcher:   dispatcher,
		Server:       server,
		redisClient:  redisClient,
	}, nil
}

// Shutdown releases all held resources.
func (a *Application) Shutdown() {
	a.Dispatcher.Stop()
	if err := a.AuditStore.Close(); err != nil {
		a.Logger.WithError(err).Warn("Failed to close audit store")
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.Logger.WithError(err).Warn("Failed to close redis client")
		}
	}
	a.DB.Close()
}

func newLogger(cfg domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	if cfg.Output == "stderr" {
		logger.SetOutput(os.Stderr)
	} else {
		logger.SetOutput(os.Stdout)
	}
	return logger
}

func runMigrations(ctx context.Context, manager *config.Manager, logger *logrus.Logger) error {
	cfg := manager.GetConfig()
	runner, err := database.NewMigrationRunner(manager.GetDatabaseURL(), cfg.Database.MigrationsPath, logger)
	if err != nil {
		return fmt.Errorf("creating migration runner: %w", err)
	}
	defer runner.Close()

	return runner.Up(ctx)
}

func newAuditStore(cfg *domain.Config, manager *config.Manager) (audit.Store, error) {
	switch cfg.Audit.Backend {
	case "sqlite":
		return audit.NewSQLiteStore(cfg.Audit.SQLitePath)
	default:
		return audit.NewPostgresStoreFromURL(manager.GetDatabaseURL())
	}
}

// newRedisClient returns nil when no Redis URL is configured; the QC state
// tracker then runs on its in-process cache alone.
func newRedisClient(cfg domain.RedisConfig, logger *logrus.Logger) (*redis.Client, error) {
	if cfg.URL == "" {
		logger.Info("Redis not configured, QC state is instance-local")
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.PoolTimeout > 0 {
		opts.PoolTimeout = cfg.PoolTimeout
	}
	return redis.NewClient(opts), nil
}
