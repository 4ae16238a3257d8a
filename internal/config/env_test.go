package config

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestLoadServerConfigFromEnv_Defaults(t *testing.T) {
	cfg := LoadServerConfigFromEnv(discardLogger())
	assert.Equal(t, NewServerConfig(), cfg)
}

func TestLoadServerConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv(EnvEnableE2EE, "true")
	t.Setenv(EnvMaxFileSizeMB, "500")
	t.Setenv(EnvPreserveUploads, "1")
	t.Setenv(EnvZombieCleanupIntervalMS, "0")

	cfg := LoadServerConfigFromEnv(discardLogger())
	assert.True(t, cfg.EnableE2EE)
	assert.EqualValues(t, 500, cfg.MaxFileSizeMB)
	assert.True(t, cfg.PreserveUploads)
	assert.EqualValues(t, 0, cfg.ZombieCleanupIntervalMS)
}

func TestLoadServerConfigFromEnv_MalformedIgnored(t *testing.T) {
	t.Setenv(EnvMaxFileSizeMB, "not-a-number")

	cfg := LoadServerConfigFromEnv(discardLogger())
	assert.EqualValues(t, NewServerConfig().MaxFileSizeMB, cfg.MaxFileSizeMB)
}
