// Package config loads sqlmigrate.toml. Every setting can also come from an
// SQLMIGRATE_* environment variable, which applies when the file leaves the
// key unset.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"sqlmigrate/internal/webhook"
	"sqlmigrate/migrate"
)

type Config struct {
	Database   DatabaseConfig   `toml:"database"`
	Migrations MigrationsConfig `toml:"migrations"`
	Server     ServerConfig     `toml:"server"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Webhook    WebhookConfig    `toml:"webhook"`
	Lock       LockConfig       `toml:"lock"`
}

type DatabaseConfig struct {
	Driver      string `toml:"driver"`
	DSN         string `toml:"dsn"`
	LedgerTable string `toml:"ledger_table"`
}

type MigrationsConfig struct {
	Dir      string `toml:"dir"`
	Manifest string `toml:"manifest"`
}

type ServerConfig struct {
	LogLevel string `toml:"log_level"`
	DataDir  string `toml:"data_dir"`
}

type MetricsConfig struct {
	Textfile string `toml:"textfile"`
}

type WebhookConfig struct {
	URL          string   `toml:"url"`
	Secret       string   `toml:"secret"`
	Events       []string `toml:"events"`
	AllowPrivate bool     `toml:"allow_private"`
	MaxAttempts  int      `toml:"max_attempts"`
}

type LockConfig struct {
	RedisURL   string `toml:"redis_url"`
	TTLSeconds int    `toml:"ttl_seconds"`
}

// Drivers lists the database/sql driver names sqlmigrate can open.
var Drivers = []string{"sqlite", "sqlite3", "postgres", "pgx", "mysql"}

func Load(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Warn about unknown keys (likely typos).
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		slog.Warn("unknown keys in config file (check for typos)", "keys", strings.Join(keys, ", "))
	}

	// All fields follow TOML > env var > default precedence.
	strDefault(&cfg.Database.Driver, "SQLMIGRATE_DRIVER", "sqlite")
	strDefault(&cfg.Database.DSN, "SQLMIGRATE_DSN", "")
	strDefault(&cfg.Database.LedgerTable, "SQLMIGRATE_LEDGER_TABLE", migrate.DefaultTable)
	strDefault(&cfg.Migrations.Dir, "SQLMIGRATE_MIGRATIONS_DIR", "./migrations")
	strDefault(&cfg.Migrations.Manifest, "SQLMIGRATE_MANIFEST", "")
	strDefault(&cfg.Server.LogLevel, "SQLMIGRATE_LOG_LEVEL", "info")
	strDefault(&cfg.Server.DataDir, "SQLMIGRATE_DATA_DIR", "./.sqlmigrate")
	strDefault(&cfg.Metrics.Textfile, "SQLMIGRATE_METRICS_TEXTFILE", "")
	strDefault(&cfg.Webhook.URL, "SQLMIGRATE_WEBHOOK_URL", "")
	strDefault(&cfg.Webhook.Secret, "SQLMIGRATE_WEBHOOK_SECRET", "")
	listDefault(md, &cfg.Webhook.Events, "SQLMIGRATE_WEBHOOK_EVENTS", "webhook", "events")

	if err := intDefault(md, &cfg.Webhook.MaxAttempts, "SQLMIGRATE_WEBHOOK_MAX_ATTEMPTS", 3, "webhook", "max_attempts"); err != nil {
		return nil, err
	}
	boolDefault(md, &cfg.Webhook.AllowPrivate, "SQLMIGRATE_WEBHOOK_ALLOW_PRIVATE", false, "webhook", "allow_private")
	strDefault(&cfg.Lock.RedisURL, "SQLMIGRATE_LOCK_REDIS_URL", "")
	if err := intDefault(md, &cfg.Lock.TTLSeconds, "SQLMIGRATE_LOCK_TTL_SECONDS", 600, "lock", "ttl_seconds"); err != nil {
		return nil, err
	}

	if !slices.Contains(Drivers, cfg.Database.Driver) {
		return nil, fmt.Errorf("unknown driver %q (want one of %s)", cfg.Database.Driver, strings.Join(Drivers, ", "))
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	if !migrate.ValidTableName(cfg.Database.LedgerTable) {
		return nil, fmt.Errorf("invalid ledger_table %q", cfg.Database.LedgerTable)
	}
	if cfg.Webhook.MaxAttempts < 0 {
		return nil, fmt.Errorf("max_attempts must be non-negative, got %d", cfg.Webhook.MaxAttempts)
	}
	for _, ev := range cfg.Webhook.Events {
		if !slices.Contains(webhookEvents, ev) {
			return nil, fmt.Errorf("unknown webhook event %q (want one of %s)", ev, strings.Join(webhookEvents, ", "))
		}
	}
	if cfg.Lock.TTLSeconds <= 0 {
		return nil, fmt.Errorf("lock.ttl_seconds must be positive, got %d", cfg.Lock.TTLSeconds)
	}

	return &cfg, nil
}

var webhookEvents = []string{webhook.EventSuccess, webhook.EventFailed, webhook.EventNoop}

// strDefault fills *dst from envKey if *dst is empty (not set in TOML),
// then falls back to def.
func strDefault(dst *string, envKey, def string) {
	if *dst == "" {
		*dst = os.Getenv(envKey)
	}
	if *dst == "" {
		*dst = def
	}
}

// intDefault fills *dst from envKey if the TOML key was not defined,
// then falls back to def.
func intDefault(md toml.MetaData, dst *int, envKey string, def int, tomlPath ...string) error {
	if md.IsDefined(tomlPath...) {
		return nil
	}
	if v := os.Getenv(envKey); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envKey, err)
		}
		*dst = n
		return nil
	}
	*dst = def
	return nil
}

// boolDefault fills *dst from envKey if the TOML key was not defined,
// then falls back to def. Accepts "true" and "1" as truthy values.
func boolDefault(md toml.MetaData, dst *bool, envKey string, def bool, tomlPath ...string) {
	if md.IsDefined(tomlPath...) {
		return
	}
	if v := os.Getenv(envKey); v != "" {
		*dst = v == "true" || v == "1"
		return
	}
	*dst = def
}

// listDefault fills *dst from the comma-separated envKey if the TOML key was
// not defined.
func listDefault(md toml.MetaData, dst *[]string, envKey string, tomlPath ...string) {
	if md.IsDefined(tomlPath...) {
		return
	}
	for _, v := range strings.Split(os.Getenv(envKey), ",") {
		if v = strings.TrimSpace(v); v != "" {
			*dst = append(*dst, v)
		}
	}
}
