package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"hookrelay/internal/observability/pprof"
)

const (
	DefaultListen          = ":8080"
	DefaultMaxBodyBytes    = 1 << 20
	DefaultShortWindow     = 15 * time.Minute
	DefaultRetentionSweep  = "@every 1h"
	DefaultKeepShortWindow = 2
	DefaultKeepMonths      = 2
	DefaultPruneEvery      = 500
	DefaultKeyEnv          = "ENCRYPTION_KEY"
)

// DefaultPremiumTier mirrors the hosted premium plan: 900 per 15 minutes and
// 100000 per month.
var DefaultPremiumTier = TierLimit{Short: 900, Monthly: 100000}

// ApplyDefaults fills omitted fields in place.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Server.Listen) == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if strings.TrimSpace(c.Quota.Driver) == "" && strings.TrimSpace(c.Quota.RemoteURL) == "" {
		c.Quota.Driver = "memory"
	}
	if c.Quota.Premium.Short <= 0 && c.Quota.Premium.Monthly <= 0 {
		c.Quota.Premium = DefaultPremiumTier
	}
	r := &c.Quota.Retention
	if strings.TrimSpace(r.Schedule) == "" {
		r.Schedule = DefaultRetentionSweep
	}
	if r.KeepShortWindows <= 0 {
		r.KeepShortWindows = DefaultKeepShortWindow
	}
	if r.KeepMonths <= 0 {
		r.KeepMonths = DefaultKeepMonths
	}
	if r.PruneEvery <= 0 {
		r.PruneEvery = DefaultPruneEvery
	}
	if strings.TrimSpace(c.Registry.Driver) == "" {
		c.Registry.Driver = "file"
	}
	if strings.TrimSpace(c.Secrets.KeyEnv) == "" {
		c.Secrets.KeyEnv = DefaultKeyEnv
	}
}

// Validate rejects configs that cannot run. It does not touch the network or
// the filesystem.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseDurationField("server.read_timeout", c.Server.ReadTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("server.write_timeout", c.Server.WriteTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("server.idle_timeout", c.Server.IdleTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("server.shutdown_timeout", c.Server.ShutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	if l := strings.TrimSpace(c.Server.PprofListen); l != "" {
		if err := pprof.CheckBind(l, c.Server.PprofToken); err != nil {
			errs = append(errs, fmt.Errorf("server.pprof_listen: %w", err))
		}
	}
	if w, err := ParseDurationField("quota.short_window", c.Quota.ShortWindow); err != nil {
		errs = append(errs, err)
	} else if w != 0 && w < time.Minute {
		errs = append(errs, fmt.Errorf("quota.short_window: must be at least 1m, got %s", w))
	} else if w%time.Second != 0 {
		errs = append(errs, fmt.Errorf("quota.short_window: must be whole seconds, got %s", w))
	}
	if _, err := ParseDurationField("quota.remote_timeout", c.Quota.RemoteTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("quota.busy_timeout", c.Quota.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("delivery.timeout", c.Delivery.Timeout); err != nil {
		errs = append(errs, err)
	}
	if c.Delivery.RatePerSec < 0 {
		errs = append(errs, errors.New("delivery.rate_per_sec: must be >= 0"))
	}
	if u := strings.TrimSpace(c.Quota.RemoteURL); u != "" {
		if _, err := url.ParseRequestURI(u); err != nil {
			errs = append(errs, fmt.Errorf("quota.remote_url: %w", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Quota.Driver)) {
	case "", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Quota.Path) == "" {
			errs = append(errs, fmt.Errorf("quota.path is required for driver %q", c.Quota.Driver))
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(c.Quota.DSN) == "" {
			errs = append(errs, errors.New("quota.dsn is required for driver postgres"))
		}
	case "redis":
		if strings.TrimSpace(c.Quota.Redis.Addr) == "" {
			errs = append(errs, errors.New("quota.redis.addr is required for driver redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("quota.driver: unknown driver %q", c.Quota.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(c.Registry.Driver)) {
	case "file":
		if strings.TrimSpace(c.Registry.Path) == "" {
			errs = append(errs, errors.New("registry.path is required for driver file"))
		}
	case "redis":
		if strings.TrimSpace(c.Registry.Redis.Addr) == "" {
			errs = append(errs, errors.New("registry.redis.addr is required for driver redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("registry.driver: unknown driver %q", c.Registry.Driver))
	}

	if d := strings.TrimSpace(c.Render.Dialect); d != "" && !strings.EqualFold(d, "markdownv2") {
		errs = append(errs, fmt.Errorf("render.dialect: unsupported dialect %q", d))
	}
	return errors.Join(errs...)
}

// ParseDurationField parses a Go duration string found at path (used in
// error messages). Empty means zero; negative durations are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for zero.
// Callers run it after Validate, so errors are already reported there.
func ParseDurationOrDefault(path, raw string, def time.Duration) time.Duration {
	d, err := ParseDurationField(path, raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
