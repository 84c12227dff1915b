package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var allKeys = []string{
	"CHATDECK_SQLITE_PATH",
	"CHATDECK_SQLITE_TUNING",
	"CHATDECK_SINK_BATCH_SIZE",
	"CHATDECK_SINK_FLUSH_MAX_MS",
	"CHATDECK_PUSHER_URL",
	"CHATDECK_RETENTION_KEEP_ROWS",
	"CHATDECK_DEBUG_DROPS",
	"CHATDECK_ASSET_DIR",
	"CHATDECK_ASSET_URL",
	"CHATDECK_ASSET_PREFETCH",
	"CHATDECK_ASSET_PREFETCH_WORKERS",
	"CHATDECK_ROOMS_FILE",
	"CHATDECK_ROOMS_RESYNC_SECS",
	"CHATDECK_HTTP_ADDR",
	"CHATDECK_HTTP_CORS_ORIGINS",
	"CHATDECK_HTTP_RATE_LIMIT_RPS",
	"CHATDECK_HTTP_RATE_LIMIT_BURST",
	"CHATDECK_HTTP_METRICS",
	"CHATDECK_HTTP_ACCESS_LOG",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range allKeys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()
	if cfg.Sink.SQLite.Path != "chat.db" {
		t.Fatalf("unexpected sqlite path: %q", cfg.Sink.SQLite.Path)
	}
	if cfg.Batch() != 1 {
		t.Fatalf("expected default batch size 1, got %d", cfg.Batch())
	}
	if cfg.FlushInterval() != 0 {
		t.Fatalf("expected zero flush interval, got %s", cfg.FlushInterval())
	}
	if cfg.Pusher.URL != defaultPusherURL {
		t.Fatalf("unexpected pusher url: %q", cfg.Pusher.URL)
	}
	if cfg.Pusher.KeepRows != 2000 {
		t.Fatalf("expected keep rows 2000, got %d", cfg.Pusher.KeepRows)
	}
	if cfg.Assets.Dir != "emote-cache" || cfg.Assets.URLTemplate != "https://files.kick.com/emotes/%s/fullsize" || cfg.Assets.Prefetch {
		t.Fatalf("unexpected asset defaults: %+v", cfg.Assets)
	}
	if cfg.Rooms.File != "" || cfg.ResyncInterval() != time.Minute {
		t.Fatalf("unexpected rooms defaults: %+v", cfg.Rooms)
	}
	if cfg.HTTP.Addr != ":8765" || !cfg.HTTP.EnableMetrics || cfg.HTTP.EnableAccessLog || cfg.HTTP.RateLimitRPS != 0 {
		t.Fatalf("unexpected http defaults: %+v", cfg.HTTP)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHATDECK_SQLITE_PATH", "/data/kick.db")
	t.Setenv("CHATDECK_SINK_BATCH_SIZE", "25")
	t.Setenv("CHATDECK_SINK_FLUSH_MAX_MS", "250")
	t.Setenv("CHATDECK_PUSHER_URL", "ws://127.0.0.1:9999/app/local?protocol=7")
	t.Setenv("CHATDECK_RETENTION_KEEP_ROWS", "500")
	t.Setenv("CHATDECK_ASSET_PREFETCH", "true")
	t.Setenv("CHATDECK_ROOMS_FILE", "/etc/chatdeck/rooms.txt")
	t.Setenv("CHATDECK_ROOMS_RESYNC_SECS", "15")
	t.Setenv("CHATDECK_HTTP_CORS_ORIGINS", "http://localhost:5173, http://localhost:5173;https://deck.example")
	t.Setenv("CHATDECK_HTTP_RATE_LIMIT_RPS", "20")
	t.Setenv("CHATDECK_HTTP_METRICS", "false")

	cfg := Load()
	if cfg.Sink.SQLite.Path != "/data/kick.db" {
		t.Fatalf("unexpected sqlite path: %q", cfg.Sink.SQLite.Path)
	}
	if cfg.Batch() != 25 {
		t.Fatalf("batch size mismatch: %d", cfg.Batch())
	}
	if cfg.FlushInterval() != 250*time.Millisecond {
		t.Fatalf("flush interval mismatch: %s", cfg.FlushInterval())
	}
	if cfg.Pusher.URL != "ws://127.0.0.1:9999/app/local?protocol=7" || cfg.Pusher.KeepRows != 500 {
		t.Fatalf("unexpected pusher config: %+v", cfg.Pusher)
	}
	if !cfg.Assets.Prefetch {
		t.Fatalf("expected prefetch enabled")
	}
	if cfg.Rooms.File != "/etc/chatdeck/rooms.txt" || cfg.ResyncInterval() != 15*time.Second {
		t.Fatalf("unexpected rooms config: %+v", cfg.Rooms)
	}
	if len(cfg.HTTP.CORSOrigins) != 2 {
		t.Fatalf("expected deduped origins, got %v", cfg.HTTP.CORSOrigins)
	}
	if cfg.HTTP.RateLimitRPS != 20 || cfg.HTTP.RateLimitBurst != 20 {
		t.Fatalf("expected burst to follow rps, got %+v", cfg.HTTP)
	}
	if cfg.HTTP.EnableMetrics {
		t.Fatalf("expected metrics disabled")
	}
}

func TestInvalidNumbersFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHATDECK_SINK_BATCH_SIZE", "lots")
	t.Setenv("CHATDECK_RETENTION_KEEP_ROWS", "-5")

	cfg := Load()
	if cfg.Batch() != 1 {
		t.Fatalf("expected default batch, got %d", cfg.Batch())
	}
	if cfg.Pusher.KeepRows != 2000 {
		t.Fatalf("expected default keep rows, got %d", cfg.Pusher.KeepRows)
	}
}

func TestSummaryRedactsPusherKey(t *testing.T) {
	clearEnv(t)
	cfg := Load()

	raw := string(cfg.SummaryJSON())
	if strings.Contains(raw, "32cbd69e4b950bf97679") {
		t.Fatalf("summary leaked app key: %s", raw)
	}
	if !strings.Contains(raw, "wss://ws-us2.pusher.com/app/REDACTED?protocol=7") {
		t.Fatalf("summary missing redacted url: %s", raw)
	}
	if !strings.Contains(raw, `"config_summary"`) {
		t.Fatalf("summary missing wrapper: %s", raw)
	}
	if strings.Contains(string(cfg.RedactedJSON()), "32cbd69e4b950bf97679") {
		t.Fatalf("redacted config leaked app key")
	}
}

func TestRedactPusherURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"wss://ws-us2.pusher.com/app/abc123?protocol=7", "wss://ws-us2.pusher.com/app/REDACTED?protocol=7"},
		{"ws://127.0.0.1:8080/socket", "ws://127.0.0.1:8080/socket"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := RedactPusherURL(tt.in); got != tt.want {
			t.Fatalf("RedactPusherURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("CHATDECK_HTTP_ADDR=127.0.0.1:9000\nCHATDECK_SQLITE_PATH=from-file.db\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	os.Unsetenv("CHATDECK_HTTP_ADDR")
	t.Setenv("CHATDECK_SQLITE_PATH", "from-env.db")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("CHATDECK_HTTP_ADDR") })

	cfg := Load()
	if cfg.HTTP.Addr != "127.0.0.1:9000" {
		t.Fatalf("expected addr from file, got %q", cfg.HTTP.Addr)
	}
	if cfg.Sink.SQLite.Path != "from-env.db" {
		t.Fatalf("existing env must win, got %q", cfg.Sink.SQLite.Path)
	}

	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored, got %v", err)
	}
}
