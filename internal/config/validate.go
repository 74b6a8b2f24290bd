package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate rejects configs that would fail at apply time. It is installed as
// the watch validator so a bad edit never displaces a working config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	for _, f := range []struct{ path, raw string }{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}

	if e := cfg.Enrich; e != nil {
		if _, err := ParseDurationField("enrich.timeout", e.Timeout); err != nil {
			return err
		}
		if e.MaxBodyBytes < 0 {
			return fmt.Errorf("enrich.max_body_bytes must be >= 0")
		}
		if e.RatePerSec < 0 {
			return fmt.Errorf("enrich.rate_per_sec must be >= 0")
		}
	}

	if q := cfg.Queue; q != nil && strings.TrimSpace(q.FavoritesSweep) != "" {
		if _, err := cron.ParseStandard(q.FavoritesSweep); err != nil {
			return fmt.Errorf("queue.favorites_sweep: %w", err)
		}
	}
	return nil
}
