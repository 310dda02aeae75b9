package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goceleris/sockd/internal/config"
	"github.com/goceleris/sockd/internal/stats"
)

func TestSetupLogging(t *testing.T) {
	tests := []struct {
		name  string
		async bool
	}{
		{"sync file", false},
		{"async file", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.LogFile = filepath.Join(t.TempDir(), "sockd.log")
			cfg.AsyncLog = tt.async

			logger, closeLog, err := setupLogging(cfg)
			if err != nil {
				t.Fatalf("setupLogging: %v", err)
			}
			logger.Info("driver started", "driver", "nssock")
			logger.Debug("hidden at info level")
			closeLog()

			data, err := os.ReadFile(cfg.LogFile)
			if err != nil {
				t.Fatalf("read log: %v", err)
			}
			got := string(data)
			if !strings.Contains(got, `"msg":"driver started"`) || !strings.Contains(got, `"driver":"nssock"`) {
				t.Errorf("log file missing record: %q", got)
			}
			if strings.Contains(got, "hidden") {
				t.Errorf("debug record written at info level: %q", got)
			}
		})
	}
}

func TestSetupLoggingBadPath(t *testing.T) {
	cfg := config.Default()
	cfg.LogFile = filepath.Join(t.TempDir(), "missing", "sockd.log")
	if _, _, err := setupLogging(cfg); err == nil {
		t.Fatal("expected error for unwritable log path")
	}
}

func TestStopStatsSavesFinalSnapshot(t *testing.T) {
	dir := t.TempDir()
	var served atomic.Int64
	src := stats.Source{
		Name:     "conn/test",
		Counters: func() map[string]int64 { return map[string]int64{"served": served.Load()} },
	}

	stop, err := startStats(dir, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)), []stats.Source{src})
	if err != nil {
		t.Fatalf("startStats: %v", err)
	}
	served.Store(42)
	stop()
	stop()

	store, err := stats.New(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer func() { _ = store.Close() }()
	snap, err := store.Latest("conn/test")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got := snap.Counters["served"]; got != 42 {
		t.Errorf("expected final snapshot with served=42, got %d", got)
	}
}
