package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORE_DRIVER", "memory")
}

func TestLoadDefaults(t *testing.T) {
	memoryEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.False(t, cfg.Production())
	assert.Equal(t, 1, cfg.StatsPrecision)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, 5, cfg.Scheduler.MaxRetries)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.BackoffCap)
	assert.InDelta(t, 0.3, cfg.Arbiter.ConfidenceFloor, 1e-9)
	assert.InDelta(t, 0.9, cfg.Arbiter.StrongAcceptThreshold, 1e-9)
	assert.Equal(t, 2*time.Second, cfg.Fetch.HostInterval)
	assert.Equal(t, "https://ntfy.sh", cfg.Notify.NtfyServerURL)
	assert.Equal(t, time.Hour, cfg.Monitor.DefaultRefreshInterval)
	assert.False(t, cfg.AI.Enabled)
	assert.False(t, cfg.Redis.Enabled())
}

func TestLoadPrefixedAndBareNames(t *testing.T) {
	memoryEnv(t)
	t.Setenv("PORT", "9000")
	t.Setenv("SCHEDULER_WORKERS", "8")
	t.Setenv("ARBITER_STRONG_ACCEPT_MARGIN", "0.2")
	t.Setenv("TELEGRAM_BOT_TOKEN", "bare")
	t.Setenv("NOTIFY_NTFY_TOPIC", "deals")
	t.Setenv("CORS_ORIGINS", "http://a.test,http://b.test")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.InDelta(t, 0.2, cfg.Arbiter.StrongAcceptMargin, 1e-9)
	assert.Equal(t, "bare", cfg.Notify.TelegramBotToken)
	assert.Equal(t, "deals", cfg.Notify.NtfyTopic)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.CORSOrigins)
	assert.True(t, cfg.Redis.Enabled())
}

func TestLoadPostgresRequiresDB(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DB_HOST", "")
	t.Setenv("DB_USER", "")
	t.Setenv("DB_NAME", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_USER")

	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_USER", "tracker")
	t.Setenv("DB_NAME", "prices")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "5432", cfg.DB.Port)
	assert.Equal(t, int32(10), cfg.DB.MaxConns)
}

func TestLoadRejectsBadSettings(t *testing.T) {
	t.Run("driver", func(t *testing.T) {
		t.Setenv("STORE_DRIVER", "sqlite")
		_, err := Load()
		assert.ErrorContains(t, err, "unknown STORE_DRIVER")
	})
	t.Run("ai without key", func(t *testing.T) {
		memoryEnv(t)
		t.Setenv("AI_ENABLED", "true")
		t.Setenv("GEMINI_API_KEY", "")
		_, err := Load()
		assert.ErrorContains(t, err, "GEMINI_API_KEY")
	})
	t.Run("claim ttl", func(t *testing.T) {
		memoryEnv(t)
		t.Setenv("REDIS_URL", "redis://localhost:6379/0")
		t.Setenv("SCHEDULER_CLAIM_TTL", "1m")
		t.Setenv("SCHEDULER_CYCLE_TIMEOUT", "2m")
		_, err := Load()
		assert.ErrorContains(t, err, "SCHEDULER_CLAIM_TTL")
	})
}

func TestLoadEnvFile(t *testing.T) {
	memoryEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("DISCORD_WEBHOOK_URL", "")
	os.Unsetenv("DISCORD_WEBHOOK_URL")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("APP_ENV=development\nDISCORD_WEBHOOK_URL=https://discord.test/hook\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Production(), "environment wins over .env")
	assert.Equal(t, "https://discord.test/hook", cfg.Notify.DiscordWebhookURL)

	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}
