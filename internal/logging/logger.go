// Package logging wraps logrus with the famsync verbosity levels and the
// structured events emitted by the engine.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the logging level
type LogLevel string

const (
	// LogLevelQuiet only reports errors
	LogLevelQuiet LogLevel = "quiet"
	// LogLevelNormal reports completed backups, sync runs and resolutions
	LogLevelNormal LogLevel = "normal"
	// LogLevelVerbose adds per-module progress and remote probes
	LogLevelVerbose LogLevel = "verbose"
	// LogLevelDebug adds transport and storage traces
	LogLevelDebug LogLevel = "debug"
)

var logrusLevels = map[LogLevel]logrus.Level{
	LogLevelQuiet:   logrus.ErrorLevel,
	LogLevelNormal:  logrus.InfoLevel,
	LogLevelVerbose: logrus.DebugLevel,
	LogLevelDebug:   logrus.TraceLevel,
}

// Logger provides structured logging capabilities
type Logger struct {
	logger *logrus.Logger
	level  LogLevel
}

// Config holds logger configuration
type Config struct {
	Level      LogLevel
	Output     io.Writer
	Format     string // "text" or "json"
	ShowCaller bool
	LogFile    string
}

// NewLogger creates a logger. Output defaults to stderr; LogFile is appended
// to in addition to Output.
func NewLogger(config Config) (*Logger, error) {
	logger := logrus.New()

	out := config.Output
	if out == nil {
		out = os.Stderr
	}
	if config.LogFile != "" {
		file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", config.LogFile, err)
		}
		out = io.MultiWriter(out, file)
	}
	logger.SetOutput(out)

	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		text := &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		}
		if config.ShowCaller {
			text.CallerPrettyfier = func(f *runtime.Frame) (string, string) {
				return fmt.Sprintf("%s()", f.Function), fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
			}
		}
		logger.SetFormatter(text)
	}
	logger.SetReportCaller(config.ShowCaller)

	level := config.Level
	if _, ok := logrusLevels[level]; !ok {
		level = LogLevelNormal
	}
	logger.SetLevel(logrusLevels[level])

	return &Logger{logger: logger, level: level}, nil
}

// NewNopLogger returns a logger that discards all output
func NewNopLogger() *Logger {
	logger, _ := NewLogger(Config{Level: LogLevelQuiet, Output: io.Discard})
	return logger
}

// NewDefaultLogger logs text at the normal level to stderr
func NewDefaultLogger() *Logger {
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Format: "text"})
	return logger
}

// OrDefault returns l, or a default logger when l is nil
func OrDefault(l *Logger) *Logger {
	if l == nil {
		return NewDefaultLogger()
	}
	return l
}

// ParseLevel maps a configuration string onto a LogLevel, defaulting to normal
func ParseLevel(s string) LogLevel {
	level := LogLevel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := logrusLevels[level]; ok {
		return level
	}
	return LogLevelNormal
}

// Level returns the configured level
func (l *Logger) Level() LogLevel {
	return l.level
}

// WithFields returns an entry carrying fields
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.logger.WithFields(fields)
}

// WithField returns an entry carrying a single field
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.logger.WithField(key, value)
}

func (l *Logger) Info(msg string)  { l.logger.Info(msg) }
func (l *Logger) Debug(msg string) { l.logger.Debug(msg) }
func (l *Logger) Warn(msg string)  { l.logger.Warn(msg) }
func (l *Logger) Error(msg string) { l.logger.Error(msg) }

// LogBackupCreated logs a completed backup
func (l *Logger) LogBackupCreated(familyID, backupID string, sizeBytes int64, ratio float64, uploaded bool, duration time.Duration) {
	l.logger.WithFields(logrus.Fields{
		"operation":         "backup_create",
		"family_id":         familyID,
		"backup_id":         backupID,
		"size_bytes":        sizeBytes,
		"compression_ratio": fmt.Sprintf("%.2f", ratio),
		"remote_uploaded":   uploaded,
		"duration":          duration.String(),
	}).Info("Backup created")
}

// LogSyncRun logs the terminal state of a sync run
func (l *Logger) LogSyncRun(familyID, runID, status string, conflicts, errs int, duration time.Duration) {
	entry := l.logger.WithFields(logrus.Fields{
		"operation": "sync_run",
		"family_id": familyID,
		"run_id":    runID,
		"status":    status,
		"conflicts": conflicts,
		"errors":    errs,
		"duration":  duration.String(),
	})

	switch status {
	case "failed":
		entry.Error("Sync run failed")
	case "cancelled":
		entry.Warn("Sync run cancelled")
	default:
		entry.Info("Sync run finished")
	}
}

// LogConflictResolved logs a manual or automatic conflict resolution
func (l *Logger) LogConflictResolved(familyID, conflictID, resolution, actor string) {
	l.logger.WithFields(logrus.Fields{
		"operation":   "conflict_resolve",
		"family_id":   familyID,
		"conflict_id": conflictID,
		"resolution":  resolution,
		"actor":       actor,
	}).Info("Conflict resolved")
}

// LogRemoteProbe logs a connectivity probe against the remote store
func (l *Logger) LogRemoteProbe(provider string, success bool, duration time.Duration, err error) {
	entry := l.logger.WithFields(logrus.Fields{
		"operation": "remote_probe",
		"provider":  provider,
		"duration":  duration.String(),
		"success":   success,
	})
	if success {
		entry.Debug("Remote store reachable")
		return
	}
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("Remote store unreachable")
}

// LogOperationStart logs the start of an operation at debug level and
// returns a function that logs its outcome
func (l *Logger) LogOperationStart(operation string, fields map[string]interface{}) func(error) {
	start := time.Now()
	logFields := logrus.Fields{"operation": operation}
	for k, v := range fields {
		logFields[k] = v
	}
	l.logger.WithFields(logFields).Debug("Operation started")

	return func(err error) {
		entry := l.logger.WithFields(logFields).WithField("duration", time.Since(start).String())
		if err != nil {
			entry.WithError(err).WithField("success", false).Error("Operation failed")
			return
		}
		entry.WithField("success", true).Info("Operation completed")
	}
}

// RedactDSN masks the password in a "user:pass@host" style connection string
func RedactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return dsn
	}
	creds := dsn[:at]
	colon := strings.Index(creds, ":")
	if colon < 0 {
		return dsn
	}
	return creds[:colon] + ":***" + dsn[at:]
}
