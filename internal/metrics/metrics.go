package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sqlmigrate/migrate"
)

var (
	migrationsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlmigrate_migrations_applied_total",
		Help: "Total migrations applied by ledger table.",
	}, []string{"table"})

	migrationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlmigrate_migration_failures_total",
		Help: "Total migrations rolled back after an execution failure.",
	}, []string{"table"})

	migrationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sqlmigrate_migration_duration_seconds",
		Help:    "Duration of a single migration transaction in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms → ~4.4min
	}, []string{"table"})

	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlmigrate_runs_total",
		Help: "Total migrate runs by result (success, noop, or the error kind).",
	}, []string{"table", "result"})

	lastRun = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sqlmigrate_last_run_timestamp_seconds",
		Help: "Unix time of the last migrate run.",
	}, []string{"table"})

	ledgerRows = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sqlmigrate_ledger_rows",
		Help: "Number of migrations recorded in the ledger.",
	}, []string{"table"})

	pending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sqlmigrate_pending_migrations",
		Help: "Number of supplied migrations not yet applied.",
	}, []string{"table"})
)

func init() {
	prometheus.MustRegister(
		migrationsApplied,
		migrationFailures,
		migrationDuration,
		runsTotal,
		lastRun,
		ledgerRows,
		pending,
	)
}

// WriteTextfile writes all registered metrics to path in the text exposition
// format, for node_exporter's textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}

// SetStatus records the ledger size and pending count seen by a status check.
func SetStatus(table string, st migrate.Status) {
	ledgerRows.WithLabelValues(table).Set(float64(st.Applied))
	pending.WithLabelValues(table).Set(float64(st.Pending))
}

// Observer returns a migrate.Observer that records metrics under table.
func Observer(table string) migrate.Observer {
	return observer{table: table}
}

type observer struct {
	table string
}

func (o observer) MigrationApplied(_ int, d time.Duration) {
	migrationsApplied.WithLabelValues(o.table).Inc()
	migrationDuration.WithLabelValues(o.table).Observe(d.Seconds())
	ledgerRows.WithLabelValues(o.table).Inc()
	pending.WithLabelValues(o.table).Dec()
}

func (o observer) MigrationFailed(int, error) {
	migrationFailures.WithLabelValues(o.table).Inc()
}

func (o observer) RunFinished(applied int, err error) {
	lastRun.WithLabelValues(o.table).SetToCurrentTime()
	runsTotal.WithLabelValues(o.table, RunResult(applied, err)).Inc()
}

// RunResult is the result label for a run: "success", "noop", or the
// migrate.ErrorKind of err.
func RunResult(applied int, err error) string {
	switch {
	case err != nil:
		return migrate.ErrorKind(err)
	case applied == 0:
		return "noop"
	}
	return "success"
}
