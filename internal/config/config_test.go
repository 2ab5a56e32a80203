package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4, cfg.Gateway.Workers)
	assert.Equal(t, 30*time.Minute, cfg.HandoffTimeout())
	assert.Equal(t, "0 4 * * *", cfg.Dedup.PruneSchedule)
}

func TestLoadParsesJSON5AndOverlaysEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parlo.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// comments are allowed
		log_level: "debug",
		gateway: { workers: 8 },
		whatsapp: { bridge_url: "ws://bridge:9000/ws" },
	}`), 0o644))

	t.Setenv("PARLO_POSTGRES_DSN", "postgres://parlo@db/parlo")
	t.Setenv("PARLO_BRIDGE_URL", "ws://env-wins:1234/ws")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 8, cfg.Gateway.Workers)
	assert.Equal(t, "postgres://parlo@db/parlo", cfg.Database.PostgresDSN)
	assert.Equal(t, "ws://env-wins:1234/ws", cfg.WhatsApp.BridgeURL)
	assert.Equal(t, 60*time.Second, cfg.LLM.RequestTimeout)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parlo.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{log_level: "loud"}`), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "log_level")
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parlo.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{log_level: "info"}`), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	err := Watch(ctx, path, slog.New(slog.DiscardHandler), func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{log_level: "warn"}`), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "warn", cfg.LogLevel)
	case <-time.After(3 * time.Second):
		t.Fatal("config change not observed")
	}
}
