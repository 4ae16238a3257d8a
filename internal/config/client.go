// Package config implements TOML configuration loading and environment
// overrides for dropgate: server tunables from the environment, client
// tunables from an optional config file.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// ClientConfig is the sender/receiver side configuration, loadable from a
// TOML file via LoadClientConfig and overridable by CLI flags.
type ClientConfig struct {
	Upload  UploadConfig  `toml:"upload"`
	Network NetworkConfig `toml:"network"`
	P2P     P2PConfig     `toml:"p2p"`
}

// UploadConfig controls the hosted chunked-upload sender.
type UploadConfig struct {
	ServerURL  string `toml:"server_url"`
	ChunkSize  string `toml:"chunk_size"`  // e.g. "5MiB"; default applied if empty
	MaxRetries int    `toml:"max_retries"` // default 5
}

// NetworkConfig controls HTTP client timeouts for the hosted path.
type NetworkConfig struct {
	ServerInfoTimeoutMS int `toml:"server_info_timeout_ms"` // default 5000
	InitTimeoutMS       int `toml:"init_timeout_ms"`        // default 15000
	ChunkTimeoutMS      int `toml:"chunk_timeout_ms"`       // default 60000
	CompleteTimeoutMS   int `toml:"complete_timeout_ms"`    // default 30000
}

// P2PConfig controls the direct transfer engine's signalling and ICE setup.
type P2PConfig struct {
	SignallingURL string   `toml:"signalling_url"`
	ICEServers    []string `toml:"ice_servers"`
}

// DefaultClientConfig returns the documented defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Upload: UploadConfig{
			ServerURL:  "https://localhost:8080",
			ChunkSize:  "5MiB",
			MaxRetries: 5,
		},
		Network: NetworkConfig{
			ServerInfoTimeoutMS: 5000,
			InitTimeoutMS:       15000,
			ChunkTimeoutMS:      60000,
			CompleteTimeoutMS:   30000,
		},
		P2P: P2PConfig{
			SignallingURL: "ws://localhost:8080/peerjs",
			ICEServers:    []string{"stun:stun.l.google.com:19302"},
		},
	}
}

// LoadClientConfig reads a TOML file at path, merging it over
// DefaultClientConfig. A missing file is not an error; it is treated as an
// empty override set.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()

	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}

	return cfg, nil
}

// ChunkSizeBytes resolves the configured chunk size string to bytes,
// falling back to the 5 MiB default when unset.
func (c UploadConfig) ChunkSizeBytes() (int64, error) {
	if c.ChunkSize == "" {
		return 5 * mebibyte, nil
	}

	return ParseSize(c.ChunkSize)
}
