package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KevinKickass/OpenInstrumentCore/internal/config"
)

func TestNewWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oic.log")

	logger, err := New(config.LoggingConfig{Level: "debug", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Debug("catalog compiled")
	logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"catalog compiled"`) {
		t.Errorf("expected JSON entry, got %s", data)
	}
}

func TestNewRejectsLevel(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "chatty"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
