package cli

import (
	"flag"
	"fmt"
	"os"

	"sqlmigrate/internal/source"
)

// New is the entrypoint for `sqlmigrate new`.
func New(args []string) error {
	fs := flag.NewFlagSet("new", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "path to config file")
	dir := fs.String("dir", "", "migrations directory (default: from config)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sqlmigrate new [flags] <name>\n\n")
		fmt.Fprintf(os.Stderr, "Create the next numbered migration file.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("requires <name> argument")
	}

	if *dir == "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		if cfg.Migrations.Manifest != "" {
			return fmt.Errorf("migrations come from manifest %s; add the entry there", cfg.Migrations.Manifest)
		}
		*dir = cfg.Migrations.Dir
	}

	path, err := source.NewFile(*dir, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, path)
	return nil
}
