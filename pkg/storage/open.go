package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"git.sr.ht/~jakintosh/tokenkeeper/internal/clock"
	"git.sr.ht/~jakintosh/tokenkeeper/internal/logging"
)

const probeKey = "__storage_probe__"

// Config selects and parameterizes a medium. The zero value selects
// memory.
type Config struct {
	Medium       Medium        `yaml:"medium" validate:"omitempty,oneof=memory file redis sqlite"`
	Dir          string        `yaml:"dir" validate:"required_if=Medium file"`
	RedisAddr    string        `yaml:"redis_addr" validate:"required_if=Medium redis"`
	RedisPrefix  string        `yaml:"redis_prefix"`
	SQLitePath   string        `yaml:"sqlite_path" validate:"required_if=Medium sqlite"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0"`
	Debounce     time.Duration `yaml:"debounce" validate:"gte=0"`

	// FallbackDir is where a file medium is tried when the configured
	// medium cannot be opened. Empty skips straight to memory.
	FallbackDir string `yaml:"fallback_dir"`
}

// DefaultFallbackDir is a tokenkeeper directory under the user cache
// dir, or "" when the platform has none.
func DefaultFallbackDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "tokenkeeper")
}

// Open builds the configured medium and checks that it accepts a write.
// On failure it falls back to a file medium in cfg.FallbackDir, and when
// that fails too, to an isolated memory channel, so Open always returns a
// usable Channel. The memory fallback does not survive a restart and
// shares nothing with other contexts.
func Open(
	cfg Config,
	clk clock.Clock,
	logger *slog.Logger,
) Channel {
	log := logging.OrDefault(logger)

	ch, err := openChecked(cfg, clk, log)
	if err == nil {
		log.Debug("storage: opened", "medium", ch.Medium())
		return ch
	}

	if cfg.FallbackDir != "" && (cfg.Medium != MediumFile || cfg.Dir != cfg.FallbackDir) {
		log.Warn("storage: falling back to file",
			"medium", cfg.Medium,
			"dir", cfg.FallbackDir,
			"error", err,
		)
		fallback := Config{Medium: MediumFile, Dir: cfg.FallbackDir, Debounce: cfg.Debounce}
		fch, ferr := openChecked(fallback, clk, log)
		if ferr == nil {
			return fch
		}
		err = ferr
	}

	log.Warn("storage: falling back to memory, values will not persist",
		"medium", cfg.Medium,
		"error", err,
	)
	return NewMemory()
}

func openChecked(
	cfg Config,
	clk clock.Clock,
	log *slog.Logger,
) (Channel, error) {
	ch, err := build(cfg, clk, log)
	if err != nil {
		return nil, err
	}
	if err := probe(ch); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

func build(
	cfg Config,
	clk clock.Clock,
	log *slog.Logger,
) (Channel, error) {
	switch cfg.Medium {
	case "", MediumMemory:
		return NewMemory(), nil
	case MediumFile:
		return NewFile(cfg.Dir, cfg.Debounce, log)
	case MediumRedis:
		return DialRedis(cfg.RedisAddr, cfg.RedisPrefix, log)
	case MediumSQLite:
		return NewSQLite(cfg.SQLitePath, cfg.PollInterval, clk, log)
	default:
		return nil, fmt.Errorf("unknown storage medium %q", cfg.Medium)
	}
}

func probe(ch Channel) error {
	if err := ch.Set(probeKey, "1"); err != nil {
		return fmt.Errorf("probe write failed: %w", err)
	}
	if err := ch.Remove(probeKey); err != nil {
		return fmt.Errorf("probe remove failed: %w", err)
	}
	return nil
}
