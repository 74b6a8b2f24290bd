package config

// Config is the full on-disk configuration. It accepts JSON or YAML; YAML is
// coerced to JSON so both formats share one strict decoder.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Enrich controls external content fetching for URL-backed notifications.
	Enrich *EnrichConfig `json:"enrich,omitempty"`

	// Queue controls background queue maintenance.
	Queue *QueueConfig `json:"queue,omitempty"`
}

// ServerConfig controls the HTTP/WebSocket listener.
//
// All timeouts are Go duration strings (e.g. "500ms", "10s", "1m").
type ServerConfig struct {
	Addr string `json:"addr"` // default: "127.0.0.1:3000"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"` // default 0 (disabled); websockets are long-lived
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// DebugPprof mounts net/http/pprof under /debug/pprof/ on the same
	// listener. Keep the address loopback-only when enabling this.
	DebugPprof bool `json:"debug_pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./notifyd_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// EnrichConfig controls the URL content fetcher.
//
// If the whole section is omitted, enrichment runs with built-in defaults.
type EnrichConfig struct {
	// Timeout is a Go duration string bounding a single fetch (default "10s").
	Timeout string `json:"timeout,omitempty"`
	// MaxBodyBytes caps the fetched body size (default 1 MiB).
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`
	// RatePerSec throttles outbound fetches across all users (default 5).
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// QueueConfig controls background queue maintenance.
type QueueConfig struct {
	// FavoritesSweep is a cron spec for purging favorite ids whose
	// notifications were deleted. Empty disables the job.
	// Default: "30 3 * * *" (daily at 03:30).
	FavoritesSweep string `json:"favorites_sweep,omitempty"`
}
