// Package logging provides the structured, severity-filtered logger used
// throughout the push engine: an independently configurable console sink
// and rotating-file sink, colorized console rendering, and a "first error"
// sentinel the CLI entrypoint consults to pick its exit status.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// ColorMode selects when the console sink emits ANSI color codes.
type ColorMode string

const (
	ColorOn     ColorMode = "on"
	ColorOff    ColorMode = "off"
	ColorAlways ColorMode = "always"
)

// Config mirrors the `--log-*` flags in spec §6.
type Config struct {
	Severity        Severity
	ConsoleSeverity Severity
	FileSeverity    Severity
	DisableStdout   bool
	OutputDir       string
	MaxLogSizeMB    int
	MaxNumLogFiles  int
	LogFileName     string
	Colors          ColorMode
}

// Logger wraps a logrus.Logger with the console/file sink split and the
// first-error sentinel described in spec §7: the CLI entrypoint consults
// FirstError() after the coordinator returns to decide the process exit
// code, exactly as the Python client's logging manager tracked
// `first_error` across every child logger.
type Logger struct {
	base *logrus.Logger

	mu       sync.Mutex
	firstErr error
}

// New builds the root Logger. The root itself carries no component name;
// callers scope it with GetChild (the CLI uses GetChild("pusher"), matching
// the Python CLI's `clients.logging.Client('pusher', ...)` root logger).
func New(cfg Config) (*Logger, error) {
	base := logrus.New()
	base.SetOutput(io.Discard) // actual writing happens via the two hooks below
	base.SetLevel(cfg.Severity.logrusLevel())

	if !cfg.DisableStdout {
		base.AddHook(&severityHook{
			threshold: cfg.ConsoleSeverity,
			writer:    os.Stdout,
			formatter: &consoleFormatter{colors: cfg.Colors},
		})
	}

	if cfg.OutputDir != "" {
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log output dir %s: %w", cfg.OutputDir, err)
		}
		fileName := cfg.LogFileName
		if fileName == "" {
			fileName = "pusher.log"
		}
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.OutputDir, fileName),
			MaxSize:    cfg.MaxLogSizeMB,
			MaxBackups: cfg.MaxNumLogFiles,
			Compress:   false,
		}
		base.AddHook(&severityHook{
			threshold: cfg.FileSeverity,
			writer:    rotator,
			formatter: &logrus.JSONFormatter{},
		})
	}

	return &Logger{base: base}, nil
}

// GetChild returns a logger scoped to a subcomponent, equivalent to the
// Python client's `logger.get_child(name)`. The first-error sentinel is
// shared with the parent.
func (l *Logger) GetChild(name string) *Entry {
	return &Entry{
		logger: l,
		entry:  l.base.WithField("component", name),
	}
}

// FirstError returns the first error recorded by any child logger's Error
// call, or nil if none was recorded. The CLI entrypoint uses this to decide
// the process exit status.
func (l *Logger) FirstError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.firstErr
}

func (l *Logger) recordError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.firstErr == nil {
		l.firstErr = err
	}
}

// Entry is a child logger bound to a component name and, after WithFields,
// additional key/value context -- the Go equivalent of the Python client's
// bound variables passed as kwargs to every call.
type Entry struct {
	logger *Logger
	entry  *logrus.Entry
}

func (e *Entry) WithFields(fields map[string]any) *Entry {
	return &Entry{logger: e.logger, entry: e.entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithField(key string, value any) *Entry {
	return &Entry{logger: e.logger, entry: e.entry.WithField(key, value)}
}

func (e *Entry) Verbose(msg string) { e.entry.Trace(msg) }
func (e *Entry) Debug(msg string)   { e.entry.Debug(msg) }
func (e *Entry) Info(msg string)    { e.entry.Info(msg) }
func (e *Entry) Warn(msg string)    { e.entry.Warn(msg) }

// Error logs at error severity and records the first-error sentinel. It
// returns err unchanged so call sites can write `return entry.Error(err,
// "doing thing")`.
func (e *Entry) Error(err error, msg string) error {
	e.logger.recordError(err)
	e.entry.WithError(err).Error(msg)
	return err
}
