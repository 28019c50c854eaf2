package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sqlmigrate.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/sqlmigrate.toml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_MalformedTOML(t *testing.T) {
	path := writeConfig(t, `[[[invalid toml`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for malformed TOML")
	}
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[database]
driver       = "postgres"
dsn          = "postgres://localhost/app"
ledger_table = "app_ledger"

[migrations]
dir = "/srv/migrations"

[server]
log_level = "debug"

[metrics]
textfile = "/var/lib/node_exporter/sqlmigrate.prom"

[webhook]
url    = "https://example.com/hook"
events = ["migrate.failed"]
max_attempts = 5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("driver = %q, want %q", cfg.Database.Driver, "postgres")
	}
	if cfg.Database.DSN != "postgres://localhost/app" {
		t.Errorf("dsn = %q", cfg.Database.DSN)
	}
	if cfg.Database.LedgerTable != "app_ledger" {
		t.Errorf("ledger_table = %q, want %q", cfg.Database.LedgerTable, "app_ledger")
	}
	if cfg.Migrations.Dir != "/srv/migrations" {
		t.Errorf("dir = %q, want %q", cfg.Migrations.Dir, "/srv/migrations")
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("log_level = %q, want %q", cfg.Server.LogLevel, "debug")
	}
	if cfg.Metrics.Textfile != "/var/lib/node_exporter/sqlmigrate.prom" {
		t.Errorf("textfile = %q", cfg.Metrics.Textfile)
	}
	if cfg.Webhook.URL != "https://example.com/hook" {
		t.Errorf("webhook url = %q", cfg.Webhook.URL)
	}
	if len(cfg.Webhook.Events) != 1 || cfg.Webhook.Events[0] != "migrate.failed" {
		t.Errorf("webhook events = %v", cfg.Webhook.Events)
	}
	if cfg.Webhook.MaxAttempts != 5 {
		t.Errorf("max_attempts = %d, want 5", cfg.Webhook.MaxAttempts)
	}
}

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"SQLMIGRATE_DRIVER", "SQLMIGRATE_LEDGER_TABLE", "SQLMIGRATE_MIGRATIONS_DIR",
		"SQLMIGRATE_LOG_LEVEL", "SQLMIGRATE_DATA_DIR", "SQLMIGRATE_WEBHOOK_MAX_ATTEMPTS", "SQLMIGRATE_LOCK_TTL_SECONDS"} {
		t.Setenv(k, "")
	}
	path := writeConfig(t, `
[database]
dsn = "app.db"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("driver = %q, want %q", cfg.Database.Driver, "sqlite")
	}
	if cfg.Database.LedgerTable != "sqlmigrate_ledger" {
		t.Errorf("ledger_table = %q, want %q", cfg.Database.LedgerTable, "sqlmigrate_ledger")
	}
	if cfg.Migrations.Dir != "./migrations" {
		t.Errorf("dir = %q, want %q", cfg.Migrations.Dir, "./migrations")
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("log_level = %q, want %q", cfg.Server.LogLevel, "info")
	}
	if cfg.Server.DataDir != "./.sqlmigrate" {
		t.Errorf("data_dir = %q, want %q", cfg.Server.DataDir, "./.sqlmigrate")
	}
	if cfg.Webhook.MaxAttempts != 3 {
		t.Errorf("max_attempts = %d, want 3", cfg.Webhook.MaxAttempts)
	}
	if cfg.Webhook.AllowPrivate {
		t.Error("allow_private should default to false")
	}
	if cfg.Lock.TTLSeconds != 600 {
		t.Errorf("ttl_seconds = %d, want 600", cfg.Lock.TTLSeconds)
	}
}

func TestLoad_DSNFromEnv(t *testing.T) {
	path := writeConfig(t, `
[database]
driver = "sqlite"
`)

	t.Setenv("SQLMIGRATE_DSN", "/tmp/from-env.db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.DSN != "/tmp/from-env.db" {
		t.Errorf("dsn = %q, want %q", cfg.Database.DSN, "/tmp/from-env.db")
	}
}

func TestLoad_ConfigBeatsEnv(t *testing.T) {
	path := writeConfig(t, `
[database]
dsn = "app.db"

[server]
log_level = "error"
`)

	// Env should be ignored when config sets the value.
	t.Setenv("SQLMIGRATE_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.LogLevel != "error" {
		t.Errorf("log_level = %q, want %q", cfg.Server.LogLevel, "error")
	}
}

func TestLoad_MissingDSN(t *testing.T) {
	t.Setenv("SQLMIGRATE_DSN", "")
	path := writeConfig(t, `
[database]
driver = "sqlite"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing dsn")
	}
}

func TestLoad_UnknownDriver(t *testing.T) {
	path := writeConfig(t, `
[database]
driver = "oracle"
dsn = "x"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestLoad_InvalidLedgerTable(t *testing.T) {
	path := writeConfig(t, `
[database]
dsn = "app.db"
ledger_table = "ledger; DROP TABLE users"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid ledger table")
	}
}

func TestLoad_MaxAttemptsExplicitZero(t *testing.T) {
	t.Setenv("SQLMIGRATE_WEBHOOK_MAX_ATTEMPTS", "7")
	path := writeConfig(t, `
[database]
dsn = "app.db"

[webhook]
max_attempts = 0
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Webhook.MaxAttempts != 0 {
		t.Errorf("max_attempts = %d, want 0 (explicitly set)", cfg.Webhook.MaxAttempts)
	}
}

func TestLoad_MaxAttemptsFromEnv(t *testing.T) {
	t.Setenv("SQLMIGRATE_WEBHOOK_MAX_ATTEMPTS", "not-a-number")
	path := writeConfig(t, `
[database]
dsn = "app.db"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for non-numeric env value")
	}
}

func TestLoad_NegativeMaxAttempts(t *testing.T) {
	path := writeConfig(t, `
[database]
dsn = "app.db"

[webhook]
max_attempts = -1
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for negative max_attempts")
	}
}

func TestLoad_AllowPrivateFromEnv(t *testing.T) {
	path := writeConfig(t, `
[database]
dsn = "app.db"
`)

	t.Setenv("SQLMIGRATE_WEBHOOK_ALLOW_PRIVATE", "1")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Webhook.AllowPrivate {
		t.Error("allow_private = false, want true")
	}
}

func TestLoad_LockFromEnv(t *testing.T) {
	path := writeConfig(t, `
[database]
driver = "pgx"
dsn = "postgres://localhost/app"
`)

	t.Setenv("SQLMIGRATE_LOCK_REDIS_URL", "redis://cache:6379/2")
	t.Setenv("SQLMIGRATE_LOCK_TTL_SECONDS", "30")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Lock.RedisURL != "redis://cache:6379/2" {
		t.Errorf("redis_url = %q", cfg.Lock.RedisURL)
	}
	if cfg.Lock.TTLSeconds != 30 {
		t.Errorf("ttl_seconds = %d, want 30", cfg.Lock.TTLSeconds)
	}
}

func TestLoad_ZeroLockTTL(t *testing.T) {
	path := writeConfig(t, `
[database]
dsn = "app.db"

[lock]
ttl_seconds = 0
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for zero ttl_seconds")
	}
}

func TestLoad_WebhookEventsFromEnv(t *testing.T) {
	path := writeConfig(t, `
[database]
dsn = "app.db"
`)
	t.Setenv("SQLMIGRATE_WEBHOOK_EVENTS", "migrate.failed, migrate.noop,")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Webhook.Events) != 2 || cfg.Webhook.Events[0] != "migrate.failed" || cfg.Webhook.Events[1] != "migrate.noop" {
		t.Errorf("events = %q", cfg.Webhook.Events)
	}
}

func TestLoad_EmptyEventsInTOMLBeatsEnv(t *testing.T) {
	path := writeConfig(t, `
[database]
dsn = "app.db"

[webhook]
events = []
`)
	t.Setenv("SQLMIGRATE_WEBHOOK_EVENTS", "migrate.failed")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Webhook.Events) != 0 {
		t.Errorf("events = %q, want none", cfg.Webhook.Events)
	}
}

func TestLoad_UnknownWebhookEvent(t *testing.T) {
	path := writeConfig(t, `
[database]
dsn = "app.db"

[webhook]
events = ["deploy.success"]
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown webhook event")
	}
}
