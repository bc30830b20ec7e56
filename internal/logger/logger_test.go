package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fieldscan/internal/config"
)

func TestNewLogger_WritesPerLevelFiles(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(&config.Config{LogDirectory: dir, LogLevel: "info"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	l.Named("capture").Warning("capture aborted at %s", "snapshot")
	l.Debug("not written")
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	info, err := os.ReadFile(filepath.Join(dir, "info.log"))
	if err != nil {
		t.Fatalf("Expected info.log: %v", err)
	}
	if !strings.Contains(string(info), "capture aborted at snapshot") || !strings.Contains(string(info), `"logger":"capture"`) {
		t.Errorf("Unexpected info.log content: %s", info)
	}
	if strings.Contains(string(info), "not written") {
		t.Error("Debug entry should be filtered at info level")
	}

	warning, _ := os.ReadFile(filepath.Join(dir, "warning.log"))
	if !strings.Contains(string(warning), "capture aborted") {
		t.Error("Expected the warning in warning.log")
	}
	if data, _ := os.ReadFile(filepath.Join(dir, "error.log")); len(data) != 0 {
		t.Errorf("Expected empty error.log, got %s", data)
	}
}

func TestLogger_Rotate(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(&config.Config{LogDirectory: dir, LogLevel: "debug"})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	l.Info("before rotation")
	if err := l.Named("api").Rotate("info.log"); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if err := l.Rotate("access.log"); err == nil {
		t.Error("Expected an error for an unknown log file")
	}

	data, _ := os.ReadFile(filepath.Join(dir, "info.log"))
	if strings.Contains(string(data), "before rotation") {
		t.Error("Expected a fresh info.log after rotation")
	}
}
