package p2p

import "time"

// Config carries the transfer engine's tunables. Zero-value fields are
// filled in by DefaultConfig.
type Config struct {
	ChunkSize           int
	MaxUnackedChunks    int
	AckTimeout          time.Duration
	BufferHighWaterMark int64
	BufferLowWaterMark  int64
	BufferPollInterval  time.Duration
	HeartbeatInterval   time.Duration
	WatchdogTimeout     time.Duration
	HandshakeTimeout    time.Duration
	EndAckTimeout       time.Duration
	EndAckRetries       int
	EndAckBackoffFactor float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:           256 * 1024,
		MaxUnackedChunks:    32,
		AckTimeout:          1 * time.Second,
		BufferHighWaterMark: 8 * 1024 * 1024,
		BufferLowWaterMark:  2 * 1024 * 1024,
		BufferPollInterval:  60 * time.Millisecond,
		HeartbeatInterval:   5 * time.Second,
		WatchdogTimeout:     15 * time.Second,
		HandshakeTimeout:    10 * time.Second,
		EndAckTimeout:       15 * time.Second,
		EndAckRetries:       3,
		EndAckBackoffFactor: 1.5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}

	if c.MaxUnackedChunks <= 0 {
		c.MaxUnackedChunks = d.MaxUnackedChunks
	}

	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}

	if c.BufferHighWaterMark <= 0 {
		c.BufferHighWaterMark = d.BufferHighWaterMark
	}

	if c.BufferLowWaterMark <= 0 {
		c.BufferLowWaterMark = d.BufferLowWaterMark
	}

	if c.BufferPollInterval <= 0 {
		c.BufferPollInterval = d.BufferPollInterval
	}

	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}

	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = d.WatchdogTimeout
	}

	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}

	if c.EndAckTimeout <= 0 {
		c.EndAckTimeout = d.EndAckTimeout
	}

	if c.EndAckRetries <= 0 {
		c.EndAckRetries = d.EndAckRetries
	}

	if c.EndAckBackoffFactor <= 0 {
		c.EndAckBackoffFactor = d.EndAckBackoffFactor
	}

	return c
}
