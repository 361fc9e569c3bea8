package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newBufferLogger(t *testing.T, level LogLevel) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := NewLogger(Config{Level: level, Output: &buf, Format: "text"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	return logger, &buf
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		name      string
		level     LogLevel
		want      LogLevel
		debugSeen bool
		infoSeen  bool
	}{
		{"quiet hides info", LogLevelQuiet, LogLevelQuiet, false, false},
		{"normal hides debug", LogLevelNormal, LogLevelNormal, false, true},
		{"verbose shows debug", LogLevelVerbose, LogLevelVerbose, true, true},
		{"unknown falls back to normal", LogLevel("loud"), LogLevelNormal, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := newBufferLogger(t, tt.level)
			if logger.Level() != tt.want {
				t.Errorf("Level() = %v, want %v", logger.Level(), tt.want)
			}

			logger.Debug("debug line")
			logger.Info("info line")
			logger.Error("error line")

			out := buf.String()
			if got := strings.Contains(out, "debug line"); got != tt.debugSeen {
				t.Errorf("debug visible = %v, want %v", got, tt.debugSeen)
			}
			if got := strings.Contains(out, "info line"); got != tt.infoSeen {
				t.Errorf("info visible = %v, want %v", got, tt.infoSeen)
			}
			if !strings.Contains(out, "error line") {
				t.Error("errors are always logged")
			}
		})
	}
}

func TestNewLogger_JSONAndFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "famsync.log")

	logger, err := NewLogger(Config{Level: LogLevelNormal, Output: &buf, Format: "json", LogFile: path})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.WithField("family_id", "fam1").Info("hello")

	if !strings.Contains(buf.String(), `"family_id":"fam1"`) {
		t.Errorf("expected json output, got: %s", buf.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("log file missing entry: %s", data)
	}
}

func TestNewLogger_BadLogFile(t *testing.T) {
	_, err := NewLogger(Config{LogFile: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	if err == nil {
		t.Error("expected an error for an unwritable log file")
	}
}

func TestLoggerWithFields(t *testing.T) {
	logger, buf := newBufferLogger(t, LogLevelVerbose)

	logger.WithFields(map[string]interface{}{
		"module": "tasks",
		"number": 42,
	}).Info("test message")

	output := buf.String()
	for _, want := range []string{"module=tasks", "number=42", "test message"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected output to contain %q, got: %s", want, output)
		}
	}
}

func TestLogBackupCreated(t *testing.T) {
	logger, buf := newBufferLogger(t, LogLevelVerbose)

	logger.LogBackupCreated("fam1", "backup-1", 2048, 3.5, true, 150*time.Millisecond)

	output := buf.String()
	for _, want := range []string{"Backup created", "family_id=fam1", "backup_id=backup-1", "size_bytes=2048", "remote_uploaded=true"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected output to contain %q, got: %s", want, output)
		}
	}
}

func TestLogSyncRun(t *testing.T) {
	tests := []struct {
		status string
		want   string
	}{
		{"completed", "Sync run finished"},
		{"failed", "Sync run failed"},
		{"cancelled", "Sync run cancelled"},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			logger, buf := newBufferLogger(t, LogLevelVerbose)
			logger.LogSyncRun("fam1", "run-1", tt.status, 2, 1, time.Second)

			output := buf.String()
			if !strings.Contains(output, tt.want) {
				t.Errorf("Expected %q, got: %s", tt.want, output)
			}
			if !strings.Contains(output, "conflicts=2") {
				t.Errorf("Expected conflicts=2, got: %s", output)
			}
		})
	}
}

func TestLogConflictResolved(t *testing.T) {
	logger, buf := newBufferLogger(t, LogLevelNormal)

	logger.LogConflictResolved("fam1", "c1", "keep_local", "u1")

	output := buf.String()
	if !strings.Contains(output, "resolution=keep_local") || !strings.Contains(output, "actor=u1") {
		t.Errorf("Expected resolution and actor fields, got: %s", output)
	}
}

func TestLogRemoteProbe(t *testing.T) {
	logger, buf := newBufferLogger(t, LogLevelVerbose)

	logger.LogRemoteProbe("s3", false, 5*time.Millisecond, errors.New("dial tcp: refused"))
	output := buf.String()
	if !strings.Contains(output, "Remote store unreachable") {
		t.Errorf("Expected failure message, got: %s", output)
	}
	if !strings.Contains(output, "refused") {
		t.Errorf("Expected error text, got: %s", output)
	}

	buf.Reset()
	logger.LogRemoteProbe("s3", true, 5*time.Millisecond, nil)
	if !strings.Contains(buf.String(), "Remote store reachable") {
		t.Errorf("Expected success message, got: %s", buf.String())
	}
}

func TestLogOperationStart(t *testing.T) {
	logger, buf := newBufferLogger(t, LogLevelVerbose)
	fields := map[string]interface{}{"family_id": "fam1", "module": "tasks"}

	done := logger.LogOperationStart("restore", fields)
	if out := buf.String(); !strings.Contains(out, "Operation started") || !strings.Contains(out, "family_id=fam1") {
		t.Errorf("unexpected start output: %s", out)
	}

	buf.Reset()
	done(nil)
	if out := buf.String(); !strings.Contains(out, "Operation completed") || !strings.Contains(out, "success=true") {
		t.Errorf("unexpected completion output: %s", out)
	}

	buf.Reset()
	logger.LogOperationStart("restore", fields)(errors.New("module tasks failed"))
	out := buf.String()
	for _, want := range []string{"Operation failed", "success=false", "module tasks failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q, got: %s", want, out)
		}
	}
}

func TestRedactDSN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"famsync:secret@tcp(localhost:3306)/famsync", "famsync:***@tcp(localhost:3306)/famsync"},
		{"famsync@tcp(localhost:3306)/famsync", "famsync@tcp(localhost:3306)/famsync"},
		{"/var/lib/famsync/state.db", "/var/lib/famsync/state.db"},
	}

	for _, tt := range tests {
		if got := RedactDSN(tt.in); got != tt.want {
			t.Errorf("RedactDSN(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel(" DEBUG ") != LogLevelDebug {
		t.Error("expected debug level")
	}
	if ParseLevel("bogus") != LogLevelNormal {
		t.Error("expected fallback to normal")
	}
	if OrDefault(nil) == nil {
		t.Error("OrDefault(nil) returned nil")
	}
	if NewNopLogger().Level() != LogLevelQuiet {
		t.Error("nop logger should be quiet")
	}
}
