package display

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"famsync/internal/backup"
	"famsync/internal/model"
	"famsync/internal/scheduler"
)

func newTestPrinter(format OutputFormat) (*Printer, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return NewPrinter(Options{Writer: buf, Format: format, MaxWidth: 200}), buf
}

func sampleBackup() *model.Backup {
	return &model.Backup{
		ID:               "backup-20260101-120000-abcd1234",
		FamilyID:         "fam1",
		UserID:           "u1",
		CreatedAt:        time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
		SizeBytes:        2048,
		RawSizeBytes:     8192,
		CompressionRatio: 4,
		Compression:      model.CompressionTypeZstd,
		Checksum:         "deadbeef",
		Modules: []model.ModuleSnapshot{
			model.NewModuleSnapshot("tasks", []*model.Record{{ID: "t1", LastModified: 5}}),
		},
		Warnings: []string{"module goals: source unavailable"},
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]OutputFormat{"": FormatTable, "TABLE": FormatTable, "json": FormatJSON, "yaml": FormatYAML} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("xml")
	assert.Error(t, err)
}

func TestPrinterBackupsTable(t *testing.T) {
	p, buf := newTestPrinter(FormatTable)
	require.NoError(t, p.Backups([]*model.Backup{sampleBackup()}))

	out := buf.String()
	assert.Contains(t, out, "backup-20260101-120000-abcd1234")
	assert.Contains(t, out, "2026-01-01 12:00:00")
	assert.Contains(t, out, "2.0 KiB")
	assert.Contains(t, out, "4.00")
	assert.Contains(t, out, "zstd")
}

func TestPrinterBackupDetail(t *testing.T) {
	p, buf := newTestPrinter(FormatTable)
	require.NoError(t, p.Backup(sampleBackup()))

	out := buf.String()
	assert.Contains(t, out, "checksum:    deadbeef")
	assert.Contains(t, out, "warning: module goals: source unavailable")
	assert.Contains(t, out, "tasks")
}

func TestPrinterStructuredOutput(t *testing.T) {
	p, buf := newTestPrinter(FormatJSON)
	require.NoError(t, p.Backup(sampleBackup()))

	var decoded model.Backup
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "fam1", decoded.FamilyID)
	require.Len(t, decoded.Modules, 1)
	assert.Empty(t, decoded.Modules[0].Records, "structured detail carries summaries only")
	assert.Equal(t, 1, decoded.Modules[0].RecordCount)

	p, buf = newTestPrinter(FormatYAML)
	require.NoError(t, p.Rules(map[string]model.SyncRule{"tasks": {Strategy: model.StrategyFull, ConflictPolicy: model.PolicyAskUser}}))
	var rules map[string]model.SyncRule
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &rules))
	assert.Equal(t, model.PolicyAskUser, rules["tasks"].ConflictPolicy)

	p.Success("hidden")
	assert.NotContains(t, buf.String(), "hidden", "status lines are suppressed for structured output")
}

func TestPrinterRunsAndRun(t *testing.T) {
	done := int64(4000)
	run := &model.SyncRun{
		ID: "run-1", FamilyID: "fam1", InitiatedBy: "u1",
		StartedAt: 1000, CompletedAt: &done, Status: model.SyncStatusCompleted,
		ProgressPercent: 100, NewRecords: 2, ConflictCount: 1,
		Offline: true, DeferredUploads: 3,
		Errors: []model.SyncError{{Module: "goals", RecordID: "g1", Message: "rejected"}},
	}

	p, buf := newTestPrinter(FormatTable)
	require.NoError(t, p.Runs([]*model.SyncRun{run}))
	assert.Contains(t, buf.String(), "completed")
	assert.Contains(t, buf.String(), "100%")

	buf.Reset()
	require.NoError(t, p.Run(run))
	out := buf.String()
	assert.Contains(t, out, "(3s)")
	assert.Contains(t, out, "3 change(s) deferred")
	assert.Contains(t, out, "goals/g1: rejected")
}

func TestPrinterEmptyAndQuiet(t *testing.T) {
	p, buf := newTestPrinter(FormatTable)
	require.NoError(t, p.Conflicts(nil))
	assert.Contains(t, buf.String(), "No conflicts found")

	buf.Reset()
	quiet := NewPrinter(Options{Writer: buf, Quiet: true})
	quiet.Success("done")
	quiet.Error("broken %d", 1)
	assert.NotContains(t, buf.String(), "done")
	assert.Contains(t, buf.String(), "broken 1")
}

func TestPrinterConflictsAndSchedule(t *testing.T) {
	p, buf := newTestPrinter(FormatTable)
	require.NoError(t, p.Conflicts([]*model.Conflict{{
		ID: "c1", Module: "tasks", RecordID: "t1", Kind: model.ConflictValueMismatch,
		Policy: model.PolicySmartMerge, Resolution: model.ResolutionPending,
		AmbiguousFields: []string{"title", "points"},
	}}))
	assert.Contains(t, buf.String(), "title,points")
	assert.Contains(t, buf.String(), "pending")

	buf.Reset()
	require.NoError(t, p.Scheduled([]scheduler.Entry{{
		FamilyID: "fam1", UserID: "u1", DueAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Priority: 3, Recurring: true,
	}}))
	assert.Contains(t, buf.String(), "2026-01-01T00:00:00Z")
}

func TestPrinterRetention(t *testing.T) {
	p, buf := newTestPrinter(FormatTable)
	require.NoError(t, p.Retention(&backup.RetentionResult{DeletedIDs: []string{"b1", "b2"}}, true))
	assert.Contains(t, buf.String(), "Would delete 2 backup(s)")

	buf.Reset()
	require.NoError(t, p.Retention(&backup.RetentionResult{}, false))
	assert.Contains(t, buf.String(), "Nothing to prune")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KiB", FormatBytes(1536))
	assert.Equal(t, "3.0 MiB", FormatBytes(3*1024*1024))
}
