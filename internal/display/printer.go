package display

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"famsync/internal/backup"
	"famsync/internal/model"
	"famsync/internal/scheduler"
)

// OutputFormat selects how results are written
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

// ParseFormat validates a --output value
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (table, json, yaml)", s)
	}
}

// Options configures a Printer
type Options struct {
	Writer     io.Writer
	Format     OutputFormat
	Theme      string
	TableStyle string
	NoColor    bool
	Quiet      bool
	MaxWidth   int
}

// Printer renders command results in the selected format
type Printer struct {
	out    io.Writer
	format OutputFormat
	colors *ColorSystem
	style  TableStyle
	quiet  bool
	width  int
}

// NewPrinter builds a printer, writing to stdout when opts.Writer is nil
func NewPrinter(opts Options) *Printer {
	out := opts.Writer
	if out == nil {
		out = os.Stdout
	}
	format := opts.Format
	if format == "" {
		format = FormatTable
	}
	return &Printer{
		out:    out,
		format: format,
		colors: NewColorSystem(ThemeByName(opts.Theme), out, !opts.NoColor),
		style:  TableStyleByName(opts.TableStyle),
		quiet:  opts.Quiet,
		width:  opts.MaxWidth,
	}
}

// Format returns the output format
func (p *Printer) Format() OutputFormat { return p.format }

// Success prints a status line. Status lines are suppressed for json/yaml output and in quiet mode.
func (p *Printer) Success(format string, args ...interface{}) {
	p.status("✓", p.colors.Theme().Success, format, args...)
}

func (p *Printer) Warning(format string, args ...interface{}) {
	p.status("!", p.colors.Theme().Warning, format, args...)
}

func (p *Printer) Info(format string, args ...interface{}) {
	p.status("•", p.colors.Theme().Info, format, args...)
}

// Error is printed even in quiet mode
func (p *Printer) Error(format string, args ...interface{}) {
	if p.format != FormatTable {
		return
	}
	fmt.Fprintln(p.out, p.colors.Sprintf(p.colors.Theme().Error, "✗ "+format, args...))
}

func (p *Printer) status(icon string, clr Color, format string, args ...interface{}) {
	if p.quiet || p.format != FormatTable {
		return
	}
	fmt.Fprintln(p.out, p.colors.Colorize(icon, clr)+" "+fmt.Sprintf(format, args...))
}

// Structured writes v as json or yaml. It reports false in table mode so the
// caller renders its own view.
func (p *Printer) Structured(v interface{}) (bool, error) {
	switch p.format {
	case FormatJSON:
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return true, fmt.Errorf("failed to encode json output: %w", err)
		}
		return true, nil
	case FormatYAML:
		enc := yaml.NewEncoder(p.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, fmt.Errorf("failed to encode yaml output: %w", err)
		}
		return true, enc.Close()
	}
	return false, nil
}

func (p *Printer) table() *Table {
	return NewTable(p.colors, p.style, p.width)
}

func (p *Printer) empty(what string) error {
	p.Info("No %s found", what)
	return nil
}

// Backups lists backup summaries, newest first as given
func (p *Printer) Backups(list []*model.Backup) error {
	if done, err := p.Structured(list); done {
		return err
	}
	if len(list) == 0 {
		return p.empty("backups")
	}
	t := p.table()
	t.SetHeaders("ID", "CREATED", "SIZE", "RATIO", "COMPRESSION", "ENCRYPTED", "REMOTE", "MODULES")
	t.Align(2, AlignRight)
	t.Align(3, AlignRight)
	for _, b := range list {
		t.AddRow(
			b.ID,
			formatMillis(b.CreatedAt),
			FormatBytes(b.SizeBytes),
			strconv.FormatFloat(b.CompressionRatio, 'f', 2, 64),
			string(b.Compression),
			yesNo(b.Encrypted),
			yesNo(b.RemoteUploaded),
			strconv.Itoa(len(b.Modules)),
		)
	}
	return t.RenderTo(p.out)
}

// Backup shows one backup with its per-module counts
func (p *Printer) Backup(b *model.Backup) error {
	if done, err := p.Structured(b.Summary()); done {
		return err
	}
	fmt.Fprintf(p.out, "%s %s\n", p.colors.Colorize("Backup", p.colors.Theme().Primary), b.ID)
	fmt.Fprintf(p.out, "  family:      %s\n", b.FamilyID)
	fmt.Fprintf(p.out, "  created:     %s by %s\n", formatMillis(b.CreatedAt), b.UserID)
	fmt.Fprintf(p.out, "  size:        %s (raw %s)\n", FormatBytes(b.SizeBytes), FormatBytes(b.RawSizeBytes))
	fmt.Fprintf(p.out, "  compression: %s\n", b.Compression)
	fmt.Fprintf(p.out, "  encrypted:   %s\n", yesNo(b.Encrypted))
	fmt.Fprintf(p.out, "  checksum:    %s\n", b.Checksum)
	for _, w := range b.Warnings {
		fmt.Fprintf(p.out, "  %s %s\n", p.colors.Colorize("warning:", p.colors.Theme().Warning), w)
	}

	t := p.table()
	t.SetHeaders("MODULE", "RECORDS", "LAST MODIFIED")
	t.Align(1, AlignRight)
	for _, m := range b.Modules {
		t.AddRow(m.Module, strconv.Itoa(m.RecordCount), formatMillis(m.LastModified))
	}
	return t.RenderTo(p.out)
}

// Retention reports what a retention pass removed or would remove
func (p *Printer) Retention(res *backup.RetentionResult, dryRun bool) error {
	if done, err := p.Structured(res); done {
		return err
	}
	verb := "Deleted"
	if dryRun {
		verb = "Would delete"
	}
	if len(res.DeletedIDs) == 0 {
		p.Success("Nothing to prune")
		return nil
	}
	for _, id := range res.DeletedIDs {
		fmt.Fprintf(p.out, "  %s\n", id)
	}
	p.Success("%s %d backup(s)", verb, len(res.DeletedIDs))
	return nil
}

// Runs lists sync runs, newest first as given
func (p *Printer) Runs(runs []*model.SyncRun) error {
	if done, err := p.Structured(runs); done {
		return err
	}
	if len(runs) == 0 {
		return p.empty("sync runs")
	}
	t := p.table()
	t.SetHeaders("ID", "STARTED", "STATUS", "PROGRESS", "NEW", "UPDATED", "DELETED", "CONFLICTS", "ERRORS")
	for i := 3; i <= 8; i++ {
		t.Align(i, AlignRight)
	}
	for _, r := range runs {
		t.AddRow(
			r.ID,
			formatMillis(r.StartedAt),
			p.statusText(r.Status),
			fmt.Sprintf("%d%%", r.ProgressPercent),
			strconv.Itoa(r.NewRecords),
			strconv.Itoa(r.UpdatedRecords),
			strconv.Itoa(r.DeletedRecords),
			strconv.Itoa(r.ConflictCount),
			strconv.Itoa(len(r.Errors)),
		)
	}
	return t.RenderTo(p.out)
}

// Run shows a single sync run with its soft errors
func (p *Printer) Run(r *model.SyncRun) error {
	if done, err := p.Structured(r); done {
		return err
	}
	fmt.Fprintf(p.out, "%s %s  %s\n", p.colors.Colorize("Sync run", p.colors.Theme().Primary), r.ID, p.statusText(r.Status))
	fmt.Fprintf(p.out, "  family:    %s (by %s)\n", r.FamilyID, r.InitiatedBy)
	fmt.Fprintf(p.out, "  started:   %s\n", formatMillis(r.StartedAt))
	if r.CompletedAt != nil {
		fmt.Fprintf(p.out, "  completed: %s (%s)\n", formatMillis(*r.CompletedAt), time.Duration(*r.CompletedAt-r.StartedAt)*time.Millisecond)
	}
	fmt.Fprintf(p.out, "  progress:  %d%%\n", r.ProgressPercent)
	fmt.Fprintf(p.out, "  records:   %d new, %d updated, %d deleted\n", r.NewRecords, r.UpdatedRecords, r.DeletedRecords)
	fmt.Fprintf(p.out, "  conflicts: %d pending\n", r.ConflictCount)
	if r.Offline {
		fmt.Fprintf(p.out, "  %s %d change(s) deferred until the remote is reachable\n",
			p.colors.Colorize("offline:", p.colors.Theme().Warning), r.DeferredUploads)
	}
	if r.FatalError != "" {
		fmt.Fprintf(p.out, "  %s %s\n", p.colors.Colorize("error:", p.colors.Theme().Error), r.FatalError)
	}
	for _, e := range r.Errors {
		where := e.Module
		if e.RecordID != "" {
			where += "/" + e.RecordID
		}
		fmt.Fprintf(p.out, "  - %s: %s\n", where, e.Message)
	}
	return nil
}

func (p *Printer) statusText(s model.SyncStatus) string {
	th := p.colors.Theme()
	switch s {
	case model.SyncStatusCompleted:
		return p.colors.Colorize(string(s), th.Success)
	case model.SyncStatusFailed:
		return p.colors.Colorize(string(s), th.Error)
	case model.SyncStatusCancelled:
		return p.colors.Colorize(string(s), th.Warning)
	default:
		return p.colors.Colorize(string(s), th.Info)
	}
}

// Conflicts lists conflicts with the fields that could not be merged
func (p *Printer) Conflicts(list []*model.Conflict) error {
	if done, err := p.Structured(list); done {
		return err
	}
	if len(list) == 0 {
		return p.empty("conflicts")
	}
	t := p.table()
	t.SetHeaders("ID", "MODULE", "RECORD", "KIND", "POLICY", "RESOLUTION", "FIELDS", "DETECTED")
	for _, c := range list {
		res := string(c.Resolution)
		if c.IsPending() {
			res = p.colors.Colorize(res, p.colors.Theme().Warning)
		}
		t.AddRow(
			c.ID,
			c.Module,
			c.RecordID,
			string(c.Kind),
			string(c.Policy),
			res,
			strings.Join(c.AmbiguousFields, ","),
			formatMillis(c.DetectedAt),
		)
	}
	return t.RenderTo(p.out)
}

// Rules lists the effective sync rule of every module, sorted by name
func (p *Printer) Rules(rules map[string]model.SyncRule) error {
	if done, err := p.Structured(rules); done {
		return err
	}
	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)

	t := p.table()
	t.SetHeaders("MODULE", "STRATEGY", "POLICY", "INTERVAL", "COMPRESS", "ENCRYPT", "RETRIES", "BACKOFF")
	t.Align(3, AlignRight)
	t.Align(6, AlignRight)
	for _, name := range names {
		r := rules[name]
		t.AddRow(
			name,
			string(r.Strategy),
			string(r.ConflictPolicy),
			fmt.Sprintf("%dm", r.IntervalMinutes),
			yesNo(r.Compress),
			yesNo(r.EncryptRequired),
			strconv.Itoa(r.MaxRetries),
			string(r.Backoff),
		)
	}
	return t.RenderTo(p.out)
}

// Scheduled lists pending scheduler entries in dispatch order
func (p *Printer) Scheduled(entries []scheduler.Entry) error {
	if done, err := p.Structured(entries); done {
		return err
	}
	if len(entries) == 0 {
		return p.empty("scheduled syncs")
	}
	t := p.table()
	t.SetHeaders("FAMILY", "USER", "DUE", "PRIORITY", "BACKUP", "RECURRING")
	t.Align(3, AlignRight)
	for _, e := range entries {
		t.AddRow(e.FamilyID, e.UserID, e.DueAt.UTC().Format(time.RFC3339), strconv.Itoa(e.Priority), yesNo(e.WithBackup), yesNo(e.Recurring))
	}
	return t.RenderTo(p.out)
}

// FormatBytes renders n with a binary unit suffix
func FormatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
