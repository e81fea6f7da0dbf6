package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"roomchat/backend/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.DefaultTypingTTL, cfg.TypingTTL)
	assert.Equal(t, config.DefaultPresenceSweepInterval, cfg.PresenceSweepInterval)
	assert.Equal(t, config.DefaultWriteQueueSize, cfg.WriteQueueSize)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat.yaml")
	content := "storage_driver: memory\nwrite_queue_size: 8\ntyping_ttl: 5s\nport: \"9000\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("CHAT_CONFIG_FILE", path)
	t.Setenv("PORT", "9100")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.WriteQueueSize)
	assert.Equal(t, 5*time.Second, cfg.TypingTTL)
	assert.Equal(t, "9100", cfg.Port, "environment must win over the file")
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("SUBMIT_TIMEOUT", "soon")

	_, err := config.Load()
	assert.ErrorContains(t, err, "SUBMIT_TIMEOUT")
}

func TestValidate_Production(t *testing.T) {
	cfg := config.Default()
	cfg.Env = "production"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "JWT_SECRET")

	cfg.DatabaseURL = "postgres://chat@db/chat"
	cfg.JWTSecret = "s3cret"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RelayNeedsRedis(t *testing.T) {
	cfg := config.Default()
	cfg.StorageDriver = "memory"
	cfg.RelayEnabled = true

	assert.ErrorContains(t, cfg.Validate(), "REDIS_URL")
}

func TestValidate_CatchupPageMustBePositive(t *testing.T) {
	cfg := config.Default()
	cfg.StorageDriver = "memory"
	cfg.MaxCatchupMessages = 0

	assert.ErrorContains(t, cfg.Validate(), "max catchup messages")
}
