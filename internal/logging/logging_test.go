package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"json stdout", func(c *Config) { c.Format = "json"; c.Output = "stdout" }, false},
		{"none", func(c *Config) { c.Output = "none" }, false},
		{"bad level", func(c *Config) { c.Level = "loud" }, true},
		{"bad output", func(c *Config) { c.Output = "syslog" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			logger, err := New(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && logger == nil {
				t.Fatal("New() returned nil logger")
			}
		})
	}
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "run.log")
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.Format = "json"
	cfg.FilePath = path

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("task completed", zap.String("task", "build"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"task":"build"`) {
		t.Errorf("log file = %q, want task field", data)
	}
}

func TestNewWriter_Level(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = "json"
	cfg.Level = "warn"

	logger, err := NewWriter(cfg, &buf)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	logger.Info("hidden")
	logger.Named("breaker").Warn("circuit opened", zap.String("key", "w1"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["logger"] != "breaker" || entry["msg"] != "circuit opened" || entry["key"] != "w1" {
		t.Errorf("entry = %v", entry)
	}
}
