package config

type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Quota    QuotaConfig    `json:"quota"`
	Registry RegistryConfig `json:"registry"`
	Render   RenderConfig   `json:"render,omitempty"`
	Delivery DeliveryConfig `json:"delivery,omitempty"`
	Secrets  SecretsConfig  `json:"secrets,omitempty"`
}

// ServerConfig controls the public webhook listener.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type ServerConfig struct {
	Listen       string `json:"listen"`             // default ":8080"
	HomeURL      string `json:"home_url,omitempty"` // GET / redirects here when set
	MaxBodyBytes int64  `json:"max_body_bytes,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	// ShutdownTimeout bounds graceful drain on stop.
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	// PprofListen enables a separate profiling listener. Non-loopback
	// addresses require PprofToken.
	PprofListen string `json:"pprof_listen,omitempty"`
	PprofToken  string `json:"pprof_token,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// QuotaConfig controls the per-tenant quota ledger.
//
// Driver values:
//   - "memory": process-local counters (tests, dev)
//   - "file": snapshot + journal files under Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": DSN
//   - "redis": Redis
//
// The postgres and redis drivers compare and increment atomically in the
// server, so several relays may share one database. The file and sqlite
// drivers are owned by a single process; other relays point RemoteURL at it.
//
// If RemoteURL is set, the relay does not open a store at all and asks a
// remote ledger (POST {RemoteURL}/allow) instead.
type QuotaConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path,omitempty"`
	DSN         string      `json:"dsn,omitempty"`
	BusyTimeout string      `json:"busy_timeout,omitempty"` // sqlite only
	Redis       RedisConfig `json:"redis,omitempty"`

	// ShortWindow is the length of the short quota window (default "15m").
	ShortWindow string `json:"short_window,omitempty"`
	// Premium applies while a tenant's premium is active, unless the tenant
	// carries its own premium limits.
	Premium TierLimit `json:"premium,omitempty"`

	Retention RetentionConfig `json:"retention,omitempty"`

	// Listen exposes the ledger's internal HTTP contract (POST /allow).
	// Empty disables the internal listener.
	Listen    string `json:"listen,omitempty"`
	RemoteURL string `json:"remote_url,omitempty"`
	// RemoteTimeout bounds one remote /allow round-trip.
	RemoteTimeout string `json:"remote_timeout,omitempty"`
}

// TierLimit caps requests per short window and per calendar month.
type TierLimit struct {
	Short   int64 `json:"short"`
	Monthly int64 `json:"monthly"`
}

// RetentionConfig controls deletion of stale counter buckets.
type RetentionConfig struct {
	// Schedule is a cron spec (robfig/cron, seconds optional) or "@every 1h".
	// "off" disables the scheduled sweep; lazy pruning still runs.
	Schedule         string `json:"schedule,omitempty"`
	KeepShortWindows int    `json:"keep_short_windows,omitempty"`
	KeepMonths       int    `json:"keep_months,omitempty"`
	PruneEvery       int    `json:"prune_every,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// RegistryConfig selects where tenants and webhooks are looked up.
//
// Example:
//
//	"registry": { "driver": "file", "path": "./registry.yaml", "watch": true }
type RegistryConfig struct {
	Driver string      `json:"driver"`
	Path   string      `json:"path,omitempty"`
	Watch  bool        `json:"watch,omitempty"`
	Redis  RedisConfig `json:"redis,omitempty"`
}

type RenderConfig struct {
	JSONBudget int    `json:"json_budget,omitempty"` // default 4000
	TextBudget int    `json:"text_budget,omitempty"` // default 3900
	Dialect    string `json:"dialect,omitempty"`     // "markdownv2"
}

type DeliveryConfig struct {
	APIURL       string  `json:"api_url,omitempty"` // default https://api.telegram.org
	Timeout      string  `json:"timeout,omitempty"`
	RatePerSec   float64 `json:"rate_per_sec,omitempty"`
	Burst        int     `json:"burst,omitempty"`
	FallbackNote string  `json:"fallback_note,omitempty"`
	// DisablePreview suppresses link previews in delivered messages.
	DisablePreview bool `json:"disable_preview,omitempty"`
}

type SecretsConfig struct {
	// KeyEnv names the environment variable holding the base64 AES-256 key.
	KeyEnv string `json:"key_env,omitempty"`
}
