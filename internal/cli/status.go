package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"sqlmigrate/internal/metrics"
	"sqlmigrate/internal/report"
	"sqlmigrate/migrate"
)

// ErrPending is returned by `verify -strict` when migrations remain to be
// applied.
var ErrPending = errors.New("migrations pending")

// check validates the ledger against the configured migrations and returns
// the report. The error is non-nil only when the check itself could not run.
func check(ctx context.Context, configPath string) (*report.Report, error) {
	s, err := open(ctx, configPath)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	m, err := s.migrator(slog.Default())
	if err != nil {
		return nil, err
	}
	table := s.cfg.Database.LedgerTable
	st, err := m.Status(ctx, s.migrations)
	if err != nil && migrate.ErrorKind(err) == "error" {
		return nil, err
	}
	if err == nil {
		metrics.SetStatus(table, st)
	}
	s.writeMetrics()

	return &report.Report{
		Table:      table,
		Driver:     s.cfg.Database.Driver,
		Database:   s.target,
		Status:     st,
		Migrations: s.migrations,
		Err:        err,
		Generated:  time.Now(),
	}, nil
}

// Status is the entrypoint for `sqlmigrate status`.
func Status(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "path to config file")
	format := fs.String("format", "text", "output format ("+strings.Join(report.Formats, ", ")+")")
	out := fs.String("o", "", "write the report to this file instead of stdout")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sqlmigrate status [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Report applied and pending migrations without changing the schema.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	r, err := check(context.Background(), *configPath)
	if err != nil {
		return err
	}

	var w io.Writer = stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return fmt.Errorf("creating %s: %w", *out, err)
		}
		defer f.Close()
		w = f
	}
	if err := report.Write(w, *format, r); err != nil {
		return err
	}
	if *out != "" {
		fmt.Fprintf(os.Stderr, "Wrote %s\n", *out)
	}
	return nil
}

// Verify is the entrypoint for `sqlmigrate verify`.
func Verify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "path to config file")
	strict := fs.Bool("strict", false, "also fail when migrations are pending")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sqlmigrate verify [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Check the ledger and migrations agree. Exits non-zero if they do not.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	r, err := check(context.Background(), *configPath)
	if err != nil {
		return err
	}
	if err := report.Text(stdout, r); err != nil {
		return err
	}
	if r.Err != nil {
		return r.Err
	}
	if *strict && r.Status.Pending > 0 {
		return fmt.Errorf("%w: %d", ErrPending, r.Status.Pending)
	}
	return nil
}
