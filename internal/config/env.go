package config

import (
	"log/slog"
	"os"
	"strconv"
)

// Environment variable names recognized by the Dropgate server.
const (
	EnvEnableE2EE              = "ENABLE_E2EE"
	EnvMaxFileSizeMB           = "MAX_FILE_SIZE_MB"
	EnvRateLimitWindowMS       = "RATE_LIMIT_WINDOW_MS"
	EnvRateLimitMaxRequests    = "RATE_LIMIT_MAX_REQUESTS"
	EnvPreserveUploads         = "PRESERVE_UPLOADS"
	EnvZombieCleanupIntervalMS = "ZOMBIE_CLEANUP_INTERVAL_MS"
	EnvUploadChunkSizeBytes    = "UPLOAD_CHUNK_SIZE_BYTES"
)

// ServerConfig holds all server-side tunables. The zero value is not the
// default configuration; NewServerConfig returns the defaults.
type ServerConfig struct {
	EnableE2EE              bool
	MaxFileSizeMB           int64 // 0 = unlimited
	RateLimitWindowMS       int64 // 0 disables limiting
	RateLimitMaxRequests    int64 // 0 disables limiting
	PreserveUploads         bool
	ZombieCleanupIntervalMS int64 // 0 disables the zombie sweep
	UploadChunkSizeBytes    int64 // 0 = no server override; client chooses
}

// NewServerConfig returns the documented defaults.
func NewServerConfig() ServerConfig {
	return ServerConfig{
		EnableE2EE:              false,
		MaxFileSizeMB:           100,
		RateLimitWindowMS:       0,
		RateLimitMaxRequests:    0,
		PreserveUploads:         false,
		ZombieCleanupIntervalMS: 300000,
		UploadChunkSizeBytes:    0,
	}
}

// LoadServerConfigFromEnv applies the recognized environment variables over
// the defaults, logging every override applied. Malformed integers are
// logged and ignored, leaving the default in place — Dropgate never fails
// startup over a bad environment variable.
func LoadServerConfigFromEnv(logger *slog.Logger) ServerConfig {
	cfg := NewServerConfig()

	if v, ok := lookupBool(EnvEnableE2EE, logger); ok {
		cfg.EnableE2EE = v
	}

	if v, ok := lookupInt(EnvMaxFileSizeMB, logger); ok {
		cfg.MaxFileSizeMB = v
	}

	if v, ok := lookupInt(EnvRateLimitWindowMS, logger); ok {
		cfg.RateLimitWindowMS = v
	}

	if v, ok := lookupInt(EnvRateLimitMaxRequests, logger); ok {
		cfg.RateLimitMaxRequests = v
	}

	if v, ok := lookupBool(EnvPreserveUploads, logger); ok {
		cfg.PreserveUploads = v
	}

	if v, ok := lookupInt(EnvZombieCleanupIntervalMS, logger); ok {
		cfg.ZombieCleanupIntervalMS = v
	}

	if v, ok := lookupInt(EnvUploadChunkSizeBytes, logger); ok {
		cfg.UploadChunkSizeBytes = v
	}

	logger.Info("server config resolved",
		slog.Bool("enable_e2ee", cfg.EnableE2EE),
		slog.Int64("max_file_size_mb", cfg.MaxFileSizeMB),
		slog.Int64("rate_limit_window_ms", cfg.RateLimitWindowMS),
		slog.Int64("rate_limit_max_requests", cfg.RateLimitMaxRequests),
		slog.Bool("preserve_uploads", cfg.PreserveUploads),
		slog.Int64("zombie_cleanup_interval_ms", cfg.ZombieCleanupIntervalMS),
		slog.Int64("upload_chunk_size_bytes", cfg.UploadChunkSizeBytes),
	)

	return cfg
}

func lookupBool(name string, logger *slog.Logger) (bool, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return false, false
	}

	v, err := strconv.ParseBool(raw)
	if err != nil {
		logger.Warn("ignoring malformed boolean env override", slog.String("var", name), slog.String("value", raw))
		return false, false
	}

	return v, true
}

func lookupInt(name string, logger *slog.Logger) (int64, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}

	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		logger.Warn("ignoring malformed integer env override", slog.String("var", name), slog.String("value", raw))
		return 0, false
	}

	return v, true
}
