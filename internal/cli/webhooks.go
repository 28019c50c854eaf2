package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"sqlmigrate/internal/webhook"
)

// Webhooks is the entrypoint for `sqlmigrate webhooks`.
func Webhooks(args []string) error {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: sqlmigrate webhooks list|resend [flags]\n")
		return fmt.Errorf("requires a list or resend subcommand")
	}
	switch args[0] {
	case "list":
		return webhooksList(args[1:])
	case "resend":
		return webhooksResend(args[1:])
	}
	return fmt.Errorf("unknown webhooks subcommand %q", args[0])
}

func webhooksList(args []string) error {
	fs := flag.NewFlagSet("webhooks list", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "path to config file")
	event := fs.String("event", "", "only show this event")
	status := fs.String("status", "", `only show "succeeded" or "failed" deliveries`)
	limit := fs.Int("limit", 20, "maximum deliveries to show")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sqlmigrate webhooks list [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Show logged webhook deliveries, newest first.\n\n")
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
	n, err := newNotifier(ctx, cfg, state)
	if err != nil {
		return err
	}

	deliveries, err := n.Deliveries(ctx, webhook.Filter{Event: *event, Status: *status, Limit: *limit})
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEVENT\tTARGET\tATTEMPTS\tRESULT\tFIRST ATTEMPT")
	for _, d := range deliveries {
		result := "failed"
		if d.Succeeded {
			result = "ok"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", d.ID, d.Event, d.Target, d.Attempts, result, d.FirstAttempt)
	}
	return tw.Flush()
}

func webhooksResend(args []string) error {
	fs := flag.NewFlagSet("webhooks resend", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "path to config file")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sqlmigrate webhooks resend [flags] <id>\n\n")
		fmt.Fprintf(os.Stderr, "Deliver a logged notification again with its original payload.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("requires <id> argument")
	}

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
	n, err := newNotifier(ctx, cfg, state)
	if err != nil {
		return err
	}

	status, err := n.Resend(ctx, fs.Arg(0), cfg.Webhook.Secret)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "delivered %s: HTTP %d\n", fs.Arg(0), status)
	return nil
}
