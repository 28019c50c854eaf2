// Package report renders ledger status for people: plain text for terminals,
// Markdown for pull request comments, HTML for CI artifacts.
package report

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"sqlmigrate/migrate"
)

// Formats lists the accepted values for Write's format argument.
var Formats = []string{"text", "markdown", "html"}

// Report is one status check of a database against a migration list.
type Report struct {
	Table      string
	Driver     string
	Database   string // redacted DSN
	Status     migrate.Status
	Migrations []migrate.Migration
	Err        error
	Generated  time.Time
}

// Result is "ok", "pending" or the migrate.ErrorKind of r.Err.
func (r *Report) Result() string {
	switch {
	case r.Err != nil:
		return migrate.ErrorKind(r.Err)
	case r.Status.Pending > 0:
		return "pending"
	}
	return "ok"
}

// Write renders r to w in format.
func Write(w io.Writer, format string, r *Report) error {
	switch format {
	case "text", "":
		return Text(w, r)
	case "markdown", "md":
		return Markdown(w, r)
	case "html":
		return HTML(w, r)
	}
	return fmt.Errorf("report: unknown format %q (want one of %s)", format, strings.Join(Formats, ", "))
}

// Text writes a terminal summary.
func Text(w io.Writer, r *Report) error {
	var b strings.Builder
	fmt.Fprintf(&b, "database: %s (%s)\n", r.Database, r.Driver)
	fmt.Fprintf(&b, "ledger:   %s\n", r.Table)
	fmt.Fprintf(&b, "applied:  %d\n", r.Status.Applied)
	fmt.Fprintf(&b, "pending:  %d\n", r.Status.Pending)
	fmt.Fprintf(&b, "result:   %s\n", r.Result())
	if r.Err != nil {
		fmt.Fprintf(&b, "\n%v\n", r.Err)
	}
	if pending := r.pending(); len(pending) > 0 {
		b.WriteString("\npending migrations:\n")
		for i, m := range pending {
			fmt.Fprintf(&b, "  %4d  %s\n", r.Status.Applied+i+1, summary(m.Source))
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Markdown writes a GitHub-flavored Markdown report.
func Markdown(w io.Writer, r *Report) error {
	_, err := io.WriteString(w, r.markdown())
	return err
}

var md = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
	),
)

const htmlHead = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>sqlmigrate status: %s</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 60rem; margin: 2rem auto; padding: 0 1rem; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: .25rem .5rem; text-align: left; }
pre { background: #f6f8fa; padding: .75rem; overflow-x: auto; }
</style>
</head>
<body>
`

// HTML writes a standalone HTML page rendered from the Markdown report.
func HTML(w io.Writer, r *Report) error {
	var body bytes.Buffer
	if err := md.Convert([]byte(r.markdown()), &body); err != nil {
		return fmt.Errorf("report: rendering html: %w", err)
	}
	if _, err := fmt.Fprintf(w, htmlHead, r.Result()); err != nil {
		return err
	}
	if _, err := body.WriteTo(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, "</body>\n</html>\n")
	return err
}

func (r *Report) markdown() string {
	var b strings.Builder
	b.WriteString("# Migration status\n\n")
	b.WriteString("| | |\n|---|---|\n")
	fmt.Fprintf(&b, "| Database | %s |\n", codeSpan(r.Database))
	fmt.Fprintf(&b, "| Driver | %s |\n", r.Driver)
	fmt.Fprintf(&b, "| Ledger table | %s |\n", codeSpan(r.Table))
	fmt.Fprintf(&b, "| Applied | %d |\n", r.Status.Applied)
	fmt.Fprintf(&b, "| Pending | %d |\n", r.Status.Pending)
	fmt.Fprintf(&b, "| Result | **%s** |\n", r.Result())
	if !r.Generated.IsZero() {
		fmt.Fprintf(&b, "| Generated | %s |\n", r.Generated.UTC().Format(time.RFC3339))
	}

	if r.Err != nil {
		b.WriteString("\n## Problem\n\n")
		writeProblem(&b, r.Err)
	}

	if len(r.Status.Records) > 0 {
		b.WriteString("\n## Ledger\n\n| ID | Migration |\n|---:|---|\n")
		for _, rec := range r.Status.Records {
			fmt.Fprintf(&b, "| %d | %s |\n", rec.ID, codeSpan(summary(rec.Source)))
		}
	}

	if pending := r.pending(); len(pending) > 0 {
		b.WriteString("\n## Pending\n\n| ID | Migration |\n|---:|---|\n")
		for i, m := range pending {
			fmt.Fprintf(&b, "| %d | %s |\n", r.Status.Applied+i+1, codeSpan(summary(m.Source)))
		}
	}
	return b.String()
}

// pending returns the migrations not yet applied, or nil when the ledger
// failed validation.
func (r *Report) pending() []migrate.Migration {
	if r.Err != nil || r.Status.Applied >= len(r.Migrations) {
		return nil
	}
	return r.Migrations[r.Status.Applied:]
}

func writeProblem(b *strings.Builder, err error) {
	var (
		lc  *migrate.LedgerCorruptedError
		ins *migrate.InsufficientMigrationsError
		div *migrate.MigrationDivergedError
		mf  *migrate.MigrationFailedError
	)
	switch {
	case errors.As(err, &lc):
		if lc.Position > 0 {
			fmt.Fprintf(b, "Ledger row %d has id %d. Rows were inserted or renumbered by hand.\n", lc.Position, lc.ID)
		} else {
			fmt.Fprintf(b, "The ledger high-water-mark is %d but it holds %d rows. Rows were deleted or inserted by hand.\n",
				lc.HighWaterMark, lc.RowCount)
		}
		b.WriteString("\nReconcile the ledger table before migrating again.\n")
	case errors.As(err, &ins):
		fmt.Fprintf(b, "%d migrations were provided but the ledger records %d. Were some migrations left out?\n",
			ins.Provided, ins.Required)
	case errors.As(err, &div):
		fmt.Fprintf(b, "Migration %d does not match ledger row %d.\n\nProvided:\n\n%s\nLedger:\n\n%s",
			div.Index, div.LedgerID, fenced(div.ProvidedSource), fenced(div.LedgerSource))
	case errors.As(err, &mf):
		fmt.Fprintf(b, "Migration %d failed and was rolled back:\n\n%s\nMigration:\n\n%s",
			mf.Index, fenced(mf.Err.Error()), fenced(mf.Migration.Source))
	default:
		b.WriteString(fenced(err.Error()))
	}
}

// summary returns the first non-blank line of source, shortened to fit a
// table cell.
func summary(source string) string {
	line := strings.TrimSpace(source)
	for _, l := range strings.Split(source, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
	}
	if r := []rune(line); len(r) > 72 {
		line = string(r[:71]) + "…"
	}
	return line
}

// codeSpan wraps s in enough backticks to survive any it contains and
// escapes table pipes.
func codeSpan(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "|", `\|`)
	ticks := strings.Repeat("`", longestRun(s, '`')+1)
	return ticks + " " + s + " " + ticks
}

func fenced(s string) string {
	fence := strings.Repeat("`", max(3, longestRun(s, '`')+1))
	return fence + "sql\n" + strings.TrimRight(s, "\n") + "\n" + fence + "\n"
}

func longestRun(s string, c byte) int {
	longest, run := 0, 0
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			run++
			longest = max(longest, run)
		} else {
			run = 0
		}
	}
	return longest
}
