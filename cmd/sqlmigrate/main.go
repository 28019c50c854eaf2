package main

import (
	"fmt"
	"log"
	"os"

	"sqlmigrate/internal/cli"
)

var version = "dev"

const usage = `Usage: sqlmigrate <command> [flags]

Commands:
  up        apply pending migrations
  status    report applied and pending migrations
  verify    check the ledger agrees with the migrations
  new       create the next numbered migration file
  init      write an annotated sqlmigrate.toml
  history   show recent up runs
  webhooks  list or resend logged webhook deliveries
  version   print the version

Run "sqlmigrate <command> -h" for command flags.
`

func main() {
	log.SetFlags(0)
	log.SetPrefix("sqlmigrate: ")

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "up":
		err = cli.Up(os.Args[2:])
	case "status":
		err = cli.Status(os.Args[2:])
	case "verify":
		err = cli.Verify(os.Args[2:])
	case "new":
		err = cli.New(os.Args[2:])
	case "init":
		err = cli.Init(os.Args[2:])
	case "history":
		err = cli.History(os.Args[2:])
	case "webhooks":
		err = cli.Webhooks(os.Args[2:])
	case "version", "-version", "--version":
		fmt.Println(version)
		return
	case "help", "-h", "-help", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}
