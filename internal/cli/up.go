package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"sqlmigrate/internal/history"
	"sqlmigrate/internal/metrics"
	"sqlmigrate/internal/webhook"
	"sqlmigrate/migrate"
)

// Up is the entrypoint for `sqlmigrate up`.
func Up(args []string) error {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "path to config file")
	timeout := fs.Duration("timeout", 0, "abort the run after this long (0 = no limit)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sqlmigrate up [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Apply pending migrations, each in its own transaction.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	s, err := open(ctx, *configPath)
	if err != nil {
		return err
	}
	defer s.Close()

	release, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	table := s.cfg.Database.LedgerTable
	runID := uuid.NewString()
	logger := slog.With("run_id", runID, "table", table)
	m, err := s.migrator(logger)
	if err != nil {
		return err
	}

	// Baseline for the ledger gauges; Migrate repeats the validation.
	baseline, statusErr := m.Status(ctx, s.migrations)
	if statusErr == nil {
		metrics.SetStatus(table, baseline)
	}

	start := time.Now()
	applied, runErr := m.Migrate(ctx, s.migrations)
	finished := time.Now()

	// Migrations before a failing one stay committed.
	var failed *migrate.MigrationFailedError
	if statusErr == nil && errors.As(runErr, &failed) {
		applied = failed.Index - baseline.Applied
	}

	s.finish(ctx, history.Run{
		ID:       runID,
		Table:    table,
		Database: s.target,
		Started:  start,
		Finished: finished,
		Applied:  applied,
		Total:    len(s.migrations),
		Result:   metrics.RunResult(applied, runErr),
	}, runErr)

	if runErr != nil {
		logger.Error("migrate failed", append(errorAttrs(runErr), "applied", applied)...)
		return runErr
	}
	logger.Info("migrate finished", "applied", applied, "total", len(s.migrations), "duration", finished.Sub(start))
	fmt.Fprintf(stdout, "applied %d of %d migrations\n", applied, len(s.migrations))
	return nil
}

// finish records the run in the history, notifies the configured webhook
// and exports metrics. Problems here are logged, never returned, so they
// cannot mask the run's own result.
func (s *session) finish(ctx context.Context, run history.Run, runErr error) {
	defer s.writeMetrics()
	if runErr != nil {
		run.Error = runErr.Error()
	}

	// A cancelled or timed-out run is still recorded.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()

	state, err := openState(ctx, s.cfg)
	if err != nil {
		slog.Warn("run history unavailable", "err", err)
		return
	}
	defer state.Close()
	if err := state.Record(ctx, run); err != nil {
		slog.Warn("recording run", "err", err)
	}

	target := webhookTarget(s.cfg)
	event := webhook.EventSuccess
	switch {
	case runErr != nil:
		event = webhook.EventFailed
	case run.Applied == 0:
		event = webhook.EventNoop
	}
	if !target.Wants(event) {
		return
	}
	n, err := newNotifier(ctx, s.cfg, state)
	if err != nil {
		slog.Warn("webhook disabled for this run", "err", err)
		return
	}

	data := map[string]any{
		"run_id":      run.ID,
		"database":    run.Database,
		"driver":      s.cfg.Database.Driver,
		"table":       run.Table,
		"applied":     run.Applied,
		"total":       run.Total,
		"duration_ms": run.Finished.Sub(run.Started).Milliseconds(),
	}
	if runErr != nil {
		data["error"] = run.Error
		data["error_kind"] = run.Result
	}
	n.Fire(ctx, event, run.Database, target, data)
	if err := n.Wait(ctx); err != nil {
		slog.Warn("webhook delivery interrupted", "err", err)
	}
}
