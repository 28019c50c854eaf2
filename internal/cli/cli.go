// Package cli implements the sqlmigrate subcommands.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"sqlmigrate/config"
	"sqlmigrate/internal/database"
	"sqlmigrate/internal/history"
	"sqlmigrate/internal/lock"
	"sqlmigrate/internal/metrics"
	"sqlmigrate/internal/source"
	"sqlmigrate/internal/webhook"
	"sqlmigrate/migrate"
)

const defaultConfig = "sqlmigrate.toml"

// stdout receives command output; tests swap it.
var stdout io.Writer = os.Stdout

// session is an opened target database with its configuration and the
// migrations configured for it.
type session struct {
	cfg        *config.Config
	db         *sql.DB
	dialect    migrate.Dialect
	migrations []migrate.Migration
	// target names the database in logs and notifications, without secrets.
	target string
}

// loadConfig reads the config file and installs the configured log level.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Server.LogLevel, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return cfg, nil
}

// open loads the config and migrations, then connects to the database.
// Migrations are read first so a bad file fails before any connection.
func open(ctx context.Context, configPath string) (*session, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	migrations, err := source.Load(cfg.Migrations.Dir, cfg.Migrations.Manifest)
	if err != nil {
		return nil, err
	}
	db, dialect, err := database.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	return &session{
		cfg:        cfg,
		db:         db,
		dialect:    dialect,
		migrations: migrations,
		target:     database.Redact(cfg.Database.Driver, cfg.Database.DSN),
	}, nil
}

func (s *session) Close() error { return s.db.Close() }

func (s *session) migrator(logger *slog.Logger) (*migrate.Migrator, error) {
	table := s.cfg.Database.LedgerTable
	return migrate.New(s.db,
		migrate.WithDialect(s.dialect),
		migrate.WithTable(table),
		migrate.WithLogger(logger),
		migrate.WithObserver(metrics.Observer(table)),
	)
}

// lock serializes runs against the same ledger, through Redis when
// configured and the database's own session lock otherwise.
func (s *session) lock(ctx context.Context) (func(), error) {
	key := "sqlmigrate:" + s.cfg.Database.LedgerTable
	if url := s.cfg.Lock.RedisURL; url != "" {
		l, client, err := lock.OpenRedis(url, time.Duration(s.cfg.Lock.TTLSeconds)*time.Second)
		if err != nil {
			return nil, err
		}
		release, err := l.Acquire(ctx, key)
		if err != nil {
			client.Close()
			return nil, err
		}
		return func() {
			release()
			client.Close()
		}, nil
	}
	return lock.ForDriver(s.db, s.cfg.Database.Driver).Acquire(ctx, key)
}

// writeMetrics exports the metrics textfile if one is configured.
func (s *session) writeMetrics() {
	path := s.cfg.Metrics.Textfile
	if path == "" {
		return
	}
	if err := metrics.WriteTextfile(path); err != nil {
		slog.Warn("writing metrics textfile", "path", path, "err", err)
	}
}

// openState opens sqlmigrate's own state database under the data directory.
// It holds the run history and the webhook delivery log.
func openState(ctx context.Context, cfg *config.Config) (*history.Store, error) {
	return history.Open(ctx, filepath.Join(cfg.Server.DataDir, "sqlmigrate.db"))
}

func newNotifier(ctx context.Context, cfg *config.Config, state *history.Store) (*webhook.Notifier, error) {
	n, err := webhook.NewNotifier(ctx, state.DB(), webhook.Options{
		MaxAttempts:  cfg.Webhook.MaxAttempts,
		AllowPrivate: cfg.Webhook.AllowPrivate,
	})
	if err != nil {
		return nil, fmt.Errorf("creating webhook notifier: %w", err)
	}
	return n, nil
}

func webhookTarget(cfg *config.Config) webhook.Target {
	return webhook.Target{
		URL:    cfg.Webhook.URL,
		Secret: cfg.Webhook.Secret,
		Events: cfg.Webhook.Events,
	}
}

// errorAttrs returns slog attributes for err including any driver detail.
func errorAttrs(err error) []any {
	return append([]any{"err", err, "kind", migrate.ErrorKind(err)}, database.ErrorAttrs(err)...)
}
