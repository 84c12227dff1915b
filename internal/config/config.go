package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Sink   SinkConfig
	Pusher PusherConfig
	Assets AssetConfig
	Rooms  RoomsConfig
	HTTP   HTTPConfig
}

type SinkConfig struct {
	SQLite     SQLiteConfig
	BatchSize  int
	FlushMaxMS int
}

type SQLiteConfig struct {
	Path   string
	Tuning bool
}

type PusherConfig struct {
	URL        string
	KeepRows   int
	DebugDrops bool
}

type AssetConfig struct {
	Dir             string
	URLTemplate     string
	Prefetch        bool
	PrefetchWorkers int
}

type RoomsConfig struct {
	File       string
	ResyncSecs int
}

type HTTPConfig struct {
	Addr            string
	CORSOrigins     []string
	RateLimitRPS    int
	RateLimitBurst  int
	EnableMetrics   bool
	EnableAccessLog bool
}

const (
	defaultSQLitePath      = "chat.db"
	defaultBatchSize       = 1
	defaultFlushMS         = 0
	defaultPusherURL       = "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7"
	defaultKeepRows        = 2000
	defaultAssetDir        = "emote-cache"
	defaultAssetURL        = "https://files.kick.com/emotes/%s/fullsize"
	defaultPrefetchWorkers = 2
	defaultHTTPAddr        = ":8765"
	defaultResyncSecs      = 60
)

// LoadDotEnv reads KEY=value pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

func Load() Config {
	cfg := Config{}

	cfg.Sink.SQLite.Path = readString("CHATDECK_SQLITE_PATH", defaultSQLitePath)
	cfg.Sink.SQLite.Tuning = readBool("CHATDECK_SQLITE_TUNING", false)
	cfg.Sink.BatchSize = readInt("CHATDECK_SINK_BATCH_SIZE", defaultBatchSize)
	cfg.Sink.FlushMaxMS = readInt("CHATDECK_SINK_FLUSH_MAX_MS", defaultFlushMS)

	cfg.Pusher.URL = readString("CHATDECK_PUSHER_URL", defaultPusherURL)
	cfg.Pusher.KeepRows = readInt("CHATDECK_RETENTION_KEEP_ROWS", defaultKeepRows)
	cfg.Pusher.DebugDrops = readBool("CHATDECK_DEBUG_DROPS", false)

	cfg.Assets.Dir = readString("CHATDECK_ASSET_DIR", defaultAssetDir)
	cfg.Assets.URLTemplate = readString("CHATDECK_ASSET_URL", defaultAssetURL)
	cfg.Assets.Prefetch = readBool("CHATDECK_ASSET_PREFETCH", false)
	cfg.Assets.PrefetchWorkers = readInt("CHATDECK_ASSET_PREFETCH_WORKERS", defaultPrefetchWorkers)

	cfg.Rooms.File = strings.TrimSpace(os.Getenv("CHATDECK_ROOMS_FILE"))
	cfg.Rooms.ResyncSecs = readInt("CHATDECK_ROOMS_RESYNC_SECS", defaultResyncSecs)

	cfg.HTTP.Addr = readString("CHATDECK_HTTP_ADDR", defaultHTTPAddr)
	cfg.HTTP.CORSOrigins = splitList(os.Getenv("CHATDECK_HTTP_CORS_ORIGINS"))
	cfg.HTTP.RateLimitRPS = readInt("CHATDECK_HTTP_RATE_LIMIT_RPS", 0)
	cfg.HTTP.RateLimitBurst = readInt("CHATDECK_HTTP_RATE_LIMIT_BURST", cfg.HTTP.RateLimitRPS)
	cfg.HTTP.EnableMetrics = readBool("CHATDECK_HTTP_METRICS", true)
	cfg.HTTP.EnableAccessLog = readBool("CHATDECK_HTTP_ACCESS_LOG", false)

	return cfg
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return dedupe(out)
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(v))
	}
	sort.Strings(out)
	return out
}

func readString(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func (c Config) Summary() Summary {
	return Summary{
		SQLitePath:   c.Sink.SQLite.Path,
		SQLiteTuning: c.Sink.SQLite.Tuning,
		BatchSize:    c.Sink.BatchSize,
		FlushMaxMS:   c.Sink.FlushMaxMS,
		Pusher: PusherSummary{
			URL:        RedactPusherURL(c.Pusher.URL),
			KeepRows:   c.Pusher.KeepRows,
			DebugDrops: c.Pusher.DebugDrops,
		},
		Assets: AssetSummary{
			Dir:      c.Assets.Dir,
			URL:      c.Assets.URLTemplate,
			Prefetch: c.Assets.Prefetch,
		},
		RoomsFile: c.Rooms.File,
		HTTP: HTTPSummary{
			Addr:        c.HTTP.Addr,
			CORSOrigins: len(c.HTTP.CORSOrigins),
			RateLimit:   c.HTTP.RateLimitRPS,
			Metrics:     c.HTTP.EnableMetrics,
		},
	}
}

type Summary struct {
	SQLitePath   string        `json:"sqlite_path"`
	SQLiteTuning bool          `json:"sqlite_tuning"`
	BatchSize    int           `json:"batch"`
	FlushMaxMS   int           `json:"flush_ms"`
	Pusher       PusherSummary `json:"pusher"`
	Assets       AssetSummary  `json:"assets"`
	RoomsFile    string        `json:"rooms_file,omitempty"`
	HTTP         HTTPSummary   `json:"http"`
}

type PusherSummary struct {
	URL        string `json:"url"`
	KeepRows   int    `json:"keep_rows"`
	DebugDrops bool   `json:"debug_drops"`
}

type AssetSummary struct {
	Dir      string `json:"dir"`
	URL      string `json:"url"`
	Prefetch bool   `json:"prefetch"`
}

type HTTPSummary struct {
	Addr        string `json:"addr"`
	CORSOrigins int    `json:"cors_origins"`
	RateLimit   int    `json:"rate_limit_rps"`
	Metrics     bool   `json:"metrics"`
}

func (c Config) Redacted() map[string]any {
	return map[string]any{
		"sink": map[string]any{
			"sqlite_path":   c.Sink.SQLite.Path,
			"sqlite_tuning": c.Sink.SQLite.Tuning,
			"batch_size":    c.Sink.BatchSize,
			"flush_ms":      c.Sink.FlushMaxMS,
		},
		"pusher": map[string]any{
			"url":         RedactPusherURL(c.Pusher.URL),
			"keep_rows":   c.Pusher.KeepRows,
			"debug_drops": c.Pusher.DebugDrops,
		},
		"assets": map[string]any{
			"dir":              c.Assets.Dir,
			"url":              c.Assets.URLTemplate,
			"prefetch":         c.Assets.Prefetch,
			"prefetch_workers": c.Assets.PrefetchWorkers,
		},
		"rooms": map[string]any{
			"file":        c.Rooms.File,
			"resync_secs": c.Rooms.ResyncSecs,
		},
		"http": map[string]any{
			"addr":             c.HTTP.Addr,
			"cors_origins":     append([]string(nil), c.HTTP.CORSOrigins...),
			"rate_limit_rps":   c.HTTP.RateLimitRPS,
			"rate_limit_burst": c.HTTP.RateLimitBurst,
			"metrics":          c.HTTP.EnableMetrics,
			"access_log":       c.HTTP.EnableAccessLog,
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

// RedactPusherURL hides the application key in a pusher socket URL of the
// form .../app/<key>?protocol=7. Other URLs come back unchanged.
func RedactPusherURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return redactString(raw)
	}
	segments := strings.Split(u.Path, "/")
	for i := 0; i+1 < len(segments); i++ {
		if segments[i] == "app" && segments[i+1] != "" {
			segments[i+1] = "REDACTED"
		}
	}
	u.Path = strings.Join(segments, "/")
	u.RawPath = ""
	u.User = nil
	return u.String()
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

func (c Config) FlushInterval() time.Duration {
	if c.Sink.FlushMaxMS <= 0 {
		return 0
	}
	return time.Duration(c.Sink.FlushMaxMS) * time.Millisecond
}

func (c Config) Batch() int {
	if c.Sink.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.Sink.BatchSize
}

func (c Config) ResyncInterval() time.Duration {
	if c.Rooms.ResyncSecs <= 0 {
		return 0
	}
	return time.Duration(c.Rooms.ResyncSecs) * time.Second
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}
