package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// History is the entrypoint for `sqlmigrate history`.
func History(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "path to config file")
	limit := fs.Int("limit", 20, "maximum runs to show")
	since := fs.Duration("since", 7*24*time.Hour, "window for the result summary")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sqlmigrate history [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Show recent `up` runs against the configured ledger.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	state, err := openState(ctx, cfg)
	if err != nil {
		return err
	}
	defer state.Close()

	table := cfg.Database.LedgerTable
	runs, err := state.Recent(ctx, table, *limit)
	if err != nil {
		return err
	}
	counts, err := state.Results(ctx, table, time.Now().Add(-*since))
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tRESULT\tAPPLIED\tDURATION\tRUN")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n",
			r.Started.Local().Format(time.DateTime), r.Result, r.Applied, r.Total,
			r.Finished.Sub(r.Started).Round(time.Millisecond), r.ID)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(counts) > 0 {
		fmt.Fprintf(stdout, "\nlast %s:", *since)
		for _, c := range counts {
			fmt.Fprintf(stdout, " %s=%d", c.Result, c.Count)
		}
		fmt.Fprintln(stdout)
	}
	return nil
}
