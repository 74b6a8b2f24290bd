package config

import (
	"sort"
	"strings"

	logx "notifyd/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 12)

	if strings.TrimSpace(oldCfg.Server.Addr) != strings.TrimSpace(newCfg.Server.Addr) ||
		strings.TrimSpace(oldCfg.Server.ReadTimeout) != strings.TrimSpace(newCfg.Server.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Server.WriteTimeout) != strings.TrimSpace(newCfg.Server.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Server.IdleTimeout) != strings.TrimSpace(newCfg.Server.IdleTimeout) ||
		oldCfg.Server.DebugPprof != newCfg.Server.DebugPprof {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
			logx.Bool("server.debug_pprof", newCfg.Server.DebugPprof),
		)
	}

	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Storage.Driver) != strings.TrimSpace(newCfg.Storage.Driver) ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
		)
	}

	oe, ne := derefEnrich(oldCfg.Enrich), derefEnrich(newCfg.Enrich)
	if oe != ne {
		changed = append(changed, "enrich")
		attrs = append(attrs,
			logx.String("enrich.timeout", strings.TrimSpace(ne.Timeout)),
			logx.Int("enrich.rate_per_sec", ne.RatePerSec),
		)
	}

	oq, nq := derefQueue(oldCfg.Queue), derefQueue(newCfg.Queue)
	if oq != nq {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.favorites_sweep", strings.TrimSpace(nq.FavoritesSweep)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefEnrich(e *EnrichConfig) EnrichConfig {
	if e == nil {
		return EnrichConfig{}
	}
	return *e
}

func derefQueue(q *QueueConfig) QueueConfig {
	if q == nil {
		return QueueConfig{}
	}
	return *q
}
