package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hmis/hmis/internal/config"
	"github.com/hmis/hmis/internal/domain/mobilesync"
	"github.com/hmis/hmis/internal/platform/db"
)

func TestNewLogger_Level(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"chatty", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		cfg := &config.Config{Env: "production", LogLevel: tt.in}
		if got := newLogger(cfg, &bytes.Buffer{}).GetLevel(); got != tt.want {
			t.Errorf("newLogger(%q) level = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_JSONOutsideDev(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&config.Config{Env: "production", LogLevel: "info"}, &buf)
	logger.Info().Msg("hello")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("expected JSON log line, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), `"service":"hmis-server"`) {
		t.Errorf("expected service field, got %q", buf.String())
	}
}

func TestNewLocker(t *testing.T) {
	mem := newLocker(nil, &config.Config{SyncLockMode: config.LockModeMemory}, zerolog.Nop())
	if _, ok := mem.(*mobilesync.MemoryLocker); !ok {
		t.Errorf("memory mode: got %T", mem)
	}
	pg := newLocker(nil, &config.Config{SyncLockMode: config.LockModePostgres}, zerolog.Nop())
	if _, ok := pg.(*mobilesync.PGLocker); !ok {
		t.Errorf("postgres mode: got %T", pg)
	}
}

func TestSyncRateLimit(t *testing.T) {
	rl := syncRateLimit(&config.Config{SyncRateLimitRPS: 2.5, SyncRateLimitBurst: 4})
	if rl.RequestsPerSecond != 2.5 || rl.BurstSize != 4 {
		t.Errorf("got %+v", rl)
	}
	if rl.ExpiresIn <= 0 {
		t.Error("expected default expiry to be kept")
	}

	def := syncRateLimit(&config.Config{})
	if def.RequestsPerSecond != 10 || def.BurstSize != 30 {
		t.Errorf("zero config should fall back to defaults, got %+v", def)
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	var buf bytes.Buffer
	printMigrationStatus(&buf, "public", []db.MigrationStatus{
		{Version: 1, Name: "devices", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "sync"},
	})

	out := buf.String()
	if !strings.Contains(out, "Migration status for schema: public") {
		t.Errorf("missing header: %q", out)
	}
	if !strings.Contains(out, "applied") || !strings.Contains(out, "2024-03-01 09:30:00") {
		t.Errorf("applied row not rendered: %q", out)
	}
	if !strings.Contains(out, "pending") {
		t.Errorf("pending row not rendered: %q", out)
	}
}
