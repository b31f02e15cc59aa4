// Package config holds daemon-wide configuration for blockblobctl,
// grounded on the teacher's config.Config: a small JSON-backed struct
// with a DefaultConfig/LoadConfig pair, carrying the same
// github.com/projecteru2/core/types.ServerLogConfig for structured
// logging setup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	coretypes "github.com/projecteru2/core/types"
)

// Config holds global blockblob configuration.
type Config struct {
	// RootDir is the default store directory used when a command omits
	// --root.
	RootDir string `json:"root_dir"`
	// PoolSize is a goroutine pool size setting. Defaults to
	// runtime.NumCPU() if zero. blobstore.Scan does not read it: its
	// concurrent probing uses the fixed scanPoolSize.
	PoolSize int `json:"pool_size"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log"`

	// LimitBlocks is the default block budget (units of 512 bytes) for a
	// newly created store.
	LimitBlocks uint64 `json:"limit_blocks"`
	// Format is "files" or "directory" (spec §3).
	Format string `json:"format"`
	// Revocation is "none" or "lru" (spec §3).
	Revocation string `json:"revocation"`
	// Snapshot is "none" or "dm" (spec §3).
	Snapshot string `json:"snapshot"`

	// LockTimeoutSeconds bounds how long path-lock acquisitions poll
	// before failing AGAIN. 0 means a single attempt; a negative value
	// maps to pathlock.NoTimeout (poll forever).
	LockTimeoutSeconds int `json:"lock_timeout_seconds"`

	// ZeroDevice is the block-device path of the always-present
	// zero-fill DM target, required only by clones with a ZERO source
	// in a MAP or SNAPSHOT relation.
	ZeroDevice string `json:"zero_device"`
	// TeardownRetries/TeardownBackoffMillis tune clone.Options.Teardown
	// (spec §9's open question on dm_remove retry/backoff).
	TeardownRetries       int `json:"teardown_retries"`
	TeardownBackoffMillis int `json:"teardown_backoff_millis"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir:  "/var/lib/blockblob",
		PoolSize: runtime.NumCPU(),
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
		LimitBlocks:           20 << 20, //nolint:mnd // 10GiB in 512-byte blocks
		Format:                "files",
		Revocation:            "lru",
		Snapshot:              "dm",
		LockTimeoutSeconds:    30,
		ZeroDevice:            "/dev/mapper/blockblob-zero",
		TeardownRetries:       1,
		TeardownBackoffMillis: 200,
	}
}

// LoadConfig loads configuration from file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // config path from CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = runtime.NumCPU()
	}
	return cfg, nil
}

// LockTimeout converts LockTimeoutSeconds to a time.Duration, mapping a
// negative value to pathlock.NoTimeout's "poll forever" sentinel
// (imported by callers as a literal -1*time.Microsecond to avoid a
// config→pathlock dependency for one constant).
func (c *Config) LockTimeout() time.Duration {
	if c.LockTimeoutSeconds < 0 {
		return -1 * time.Microsecond
	}
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}
