package logging

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLogger_FirstErrorIsSticky(t *testing.T) {
	logger, err := New(Config{Severity: SeverityInfo, ConsoleSeverity: SeverityInfo, DisableStdout: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	child := logger.GetChild("test")

	if logger.FirstError() != nil {
		t.Fatalf("expected no first error yet")
	}

	first := errors.New("boom")
	child.Error(first, "first failure")
	second := errors.New("boom again")
	child.Error(second, "second failure")

	if got := logger.FirstError(); got != first {
		t.Fatalf("expected first recorded error to stick, got %v", got)
	}
}

func TestNew_WritesRotatingLogFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(Config{
		Severity:        SeverityInfo,
		ConsoleSeverity: SeverityInfo,
		FileSeverity:    SeverityInfo,
		DisableStdout:   true,
		OutputDir:       dir,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	child := logger.GetChild("test")
	child.Info("hello")

	if _, err := os.Stat(filepath.Join(dir, "pusher.log")); err != nil {
		t.Fatalf("expected log file to exist: %v", err)
	}
}

func TestEntry_WithFields(t *testing.T) {
	logger, err := New(Config{Severity: SeverityInfo, ConsoleSeverity: SeverityInfo, DisableStdout: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	child := logger.GetChild("test").WithField("image", "busybox").WithFields(map[string]any{"tag": "latest"})
	child.Info("pushed")
}
