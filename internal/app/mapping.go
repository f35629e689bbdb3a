package app

import (
	"strings"
	"time"

	"hookrelay/internal/config"
	"hookrelay/internal/delivery"
	"hookrelay/internal/quota"
	"hookrelay/internal/registry"
	"hookrelay/internal/relay"
	"hookrelay/internal/render"
	"hookrelay/internal/storage"
	logx "hookrelay/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	q := cfg.Quota
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(q.Driver)),
		Path:        strings.TrimSpace(q.Path),
		DSN:         strings.TrimSpace(q.DSN),
		BusyTimeout: config.ParseDurationOrDefault("quota.busy_timeout", q.BusyTimeout, 0),
		Redis: storage.RedisConfig{
			Addr:     q.Redis.Addr,
			Password: q.Redis.Password,
			DB:       q.Redis.DB,
			Prefix:   q.Redis.Prefix,
		},
	}
}

func mapLedgerOptions(cfg *config.Config) quota.Options {
	r := cfg.Quota.Retention
	return quota.Options{
		Window:           shortWindow(cfg),
		KeepShortWindows: r.KeepShortWindows,
		KeepMonths:       r.KeepMonths,
		PruneEvery:       r.PruneEvery,
	}
}

func shortWindow(cfg *config.Config) time.Duration {
	return config.ParseDurationOrDefault("quota.short_window", cfg.Quota.ShortWindow, config.DefaultShortWindow)
}

func mapRegistryRedis(cfg *config.Config) registry.RedisConfig {
	r := cfg.Registry.Redis
	return registry.RedisConfig{Addr: r.Addr, Password: r.Password, DB: r.DB, Prefix: r.Prefix}
}

func mapRenderConfig(cfg *config.Config) render.Config {
	return render.Config{
		JSONBudget: cfg.Render.JSONBudget,
		TextBudget: cfg.Render.TextBudget,
		Dialect:    render.Dialect(strings.ToLower(strings.TrimSpace(cfg.Render.Dialect))),
	}
}

func mapDeliveryConfig(cfg *config.Config) delivery.Config {
	d := cfg.Delivery
	return delivery.Config{
		APIURL:         d.APIURL,
		Timeout:        config.ParseDurationOrDefault("delivery.timeout", d.Timeout, delivery.DefaultTimeout),
		RatePerSec:     d.RatePerSec,
		Burst:          d.Burst,
		FallbackNote:   d.FallbackNote,
		DisablePreview: d.DisablePreview,
	}
}

func mapRelayOptions(cfg *config.Config) relay.Options {
	return relay.Options{
		Window:  shortWindow(cfg),
		Premium: relay.Limits{Short: cfg.Quota.Premium.Short, Monthly: cfg.Quota.Premium.Monthly},
	}
}

func mapHandlerOptions(cfg *config.Config) relay.HandlerOptions {
	return relay.HandlerOptions{
		HomeURL:      strings.TrimSpace(cfg.Server.HomeURL),
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}
}
