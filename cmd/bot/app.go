package main

import (
	"context"
	"fmt"

	"github.com/xaenox/topic-digest-bot/internal/ai"
	"github.com/xaenox/topic-digest-bot/internal/classifier"
	"github.com/xaenox/topic-digest-bot/internal/digest"
	"github.com/xaenox/topic-digest-bot/internal/scheduler"
	"github.com/xaenox/topic-digest-bot/internal/storage"
	"github.com/xaenox/topic-digest-bot/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     storage.Storage
	gateway   *ai.Gateway
	engine    *classifier.Engine
	composer  *digest.Composer
	scheduler *scheduler.Scheduler
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}

func openStorage(cfg config.DatabaseConfig, logger *zap.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStorage(logger), nil
	case "sqlite":
		logger.Info("Using SQLite storage", zap.String("path", cfg.Path))
		return storage.NewSQLiteStorage(cfg.Path, logger)
	case "postgres":
		logger.Info("Using PostgreSQL storage", zap.String("host", cfg.Host), zap.String("dbname", cfg.DBName))
		return storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:     cfg.Host,
			Port:     cfg.Port,
			User:     cfg.User,
			Password: cfg.Password,
			DBName:   cfg.DBName,
			SSLMode:  cfg.SSLMode,
		}, logger)
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}

func parseSlot(name, value string) (scheduler.Slot, error) {
	slot, err := scheduler.ParseSlot(value)
	if err != nil {
		return scheduler.Slot{}, fmt.Errorf("invalid scheduler.%s: %w", name, err)
	}
	return slot, nil
}

func schedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	loc, err := cfg.Location()
	if err != nil {
		return scheduler.Config{}, err
	}
	sc := scheduler.Config{
		PollInterval:          cfg.Scheduler.PollInterval,
		StartupClassification: cfg.Scheduler.StartupClassification,
		ClassifyInterval:      cfg.Scheduler.ClassifyInterval,
		RetentionDays:         cfg.Retention.Days,
		Location:              loc,
	}
	for _, s := range []struct {
		name  string
		value string
		slot  *scheduler.Slot
	}{
		{"classify_at", cfg.Scheduler.ClassifyAt, &sc.ClassifyAt},
		{"announce_at", cfg.Scheduler.AnnounceAt, &sc.AnnounceAt},
		{"digest_at", cfg.Scheduler.DigestAt, &sc.DigestAt},
		{"cleanup_at", cfg.Scheduler.CleanupAt, &sc.CleanupAt},
	} {
		if *s.slot, err = parseSlot(s.name, s.value); err != nil {
			return scheduler.Config{}, err
		}
	}
	return sc, nil
}

// newApp opens storage and wires the AI gateway, classifier, composer and
// scheduler. The caller closes the store.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	store, err := openStorage(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	backend := ai.NewOpenAIBackend(cfg.AI.APIKey, cfg.AI.BaseURL, cfg.AI.MaxTokens, cfg.AI.Temperature)
	gateway := ai.NewGateway(backend, store, ai.Config{
		MaxRetries:     cfg.AI.MaxRetries,
		AttemptTimeout: cfg.AI.AttemptTimeout,
		BackoffUnit:    ai.DefaultConfig().BackoffUnit,
		RateLimit:      cfg.AI.RateLimit,
		RateBurst:      cfg.AI.RateBurst,
	}, logger)
	if err := seedModels(ctx, gateway, cfg.AI.Models, logger); err != nil {
		store.Close()
		return nil, err
	}

	engineConfig := classifier.DefaultConfig()
	engineConfig.BatchSize = cfg.Classifier.BatchSize
	engineConfig.MaxContextThreads = cfg.Classifier.MaxContextThreads
	engineConfig.AcceptThreshold = cfg.Classifier.AcceptThreshold
	engineConfig.BatchPause = cfg.Classifier.BatchPause
	engineConfig.ContextDays = cfg.Classifier.ContextDays
	engineConfig.TitleMaxLen = cfg.Classifier.TitleMaxLen
	engineConfig.ThreadContextMessages = cfg.Classifier.ThreadContextMessages
	engineConfig.ThreadContextChars = cfg.Classifier.ThreadContextChars
	engine := classifier.NewEngine(store, gateway, engineConfig, logger)

	digestConfig := digest.DefaultConfig()
	digestConfig.WindowDays = cfg.Digest.WindowDays
	digestConfig.PreferredModel = cfg.Digest.PreferredModel
	composer := digest.NewComposer(store, gateway, digestConfig, logger)

	sc, err := schedulerConfig(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		gateway:   gateway,
		engine:    engine,
		composer:  composer,
		scheduler: scheduler.New(engine, composer, store, sc, logger),
	}, nil
}

// seedModels loads the persisted registry and fills it from the config
// when nothing has been registered yet.
func seedModels(ctx context.Context, gateway *ai.Gateway, seed []config.ModelConfig, logger *zap.Logger) error {
	if err := gateway.Reload(ctx); err != nil {
		return err
	}
	if len(gateway.Models()) > 0 || len(seed) == 0 {
		return nil
	}
	for _, m := range seed {
		if _, err := gateway.AddModel(ctx, m.Name, m.Identifier); err != nil {
			return fmt.Errorf("error seeding model %s: %w", m.Name, err)
		}
	}
	logger.Info("Seeded AI models from config", zap.Int("count", len(seed)))
	return nil
}
