package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/topic-digest-bot/internal/models"
	"github.com/xaenox/topic-digest-bot/pkg/config"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	for _, key := range []string{"DATABASE_URL", "BOT_TOKEN", "TELEGRAM_TOKEN", "MAIN_CHAT_ID", "ADMIN_CHAT_ID", "MESSAGE_RETENTION_DAYS", "BATCH_SIZE"} {
		t.Setenv(key, "")
	}
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Database.Path = filepath.Join(t.TempDir(), "bot.db")
	cfg.Scheduler.Timezone = "UTC"
	return cfg
}

func TestSchedulerConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.DigestAt = "off"

	sc, err := schedulerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "Mon 10:00", sc.AnnounceAt.String())
	assert.Equal(t, "02:00", sc.ClassifyAt.String())
	assert.False(t, sc.DigestAt.Enabled())
	assert.Equal(t, 7, sc.RetentionDays)
	assert.Equal(t, time.UTC, sc.Location)

	cfg.Scheduler.CleanupAt = "Someday 03:00"
	_, err = schedulerConfig(cfg)
	assert.ErrorContains(t, err, "scheduler.cleanup_at")
}

func TestNewAppSeedsModelsOnce(t *testing.T) {
	cfg := testConfig(t)
	cfg.AI.Models = []config.ModelConfig{
		{Name: "deepseek", Identifier: "deepseek/deepseek-chat"},
		{Name: "gemini", Identifier: "google/gemini-flash"},
	}
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	a, err := newApp(ctx, cfg, logger)
	require.NoError(t, err)
	assert.Len(t, a.gateway.Models(), 2)
	_, err = a.gateway.RemoveModel(ctx, "gemini")
	require.NoError(t, err)
	require.NoError(t, a.store.Close())

	a, err = newApp(ctx, cfg, logger)
	require.NoError(t, err)
	defer a.store.Close()
	assert.Equal(t, []models.AIModel{{Name: "deepseek", Identifier: "deepseek/deepseek-chat"}}, a.gateway.Models())
}

func TestOpenStorageRejectsUnknownDriver(t *testing.T) {
	_, err := openStorage(config.DatabaseConfig{Driver: "oracle"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
