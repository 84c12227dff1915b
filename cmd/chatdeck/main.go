package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"

	"github.com/you/chatdeck/internal/assetcache"
	"github.com/you/chatdeck/internal/config"
	"github.com/you/chatdeck/internal/core"
	httpadmin "github.com/you/chatdeck/internal/http"
	"github.com/you/chatdeck/internal/httpapi"
	"github.com/you/chatdeck/internal/kickchat"
	"github.com/you/chatdeck/internal/roster"
	"github.com/you/chatdeck/internal/sink"
	"github.com/you/chatdeck/internal/version"
)

type broadcaster interface {
	Broadcast(core.ChatMessage)
}

// fanout forwards every live message to each attached consumer. It is filled
// before the supervisor starts and never changes afterwards.
type fanout []broadcaster

func (f *fanout) Broadcast(msg core.ChatMessage) {
	for _, b := range *f {
		b.Broadcast(msg)
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag     bool
		envFile         string
		dbPath          string
		sqliteTuning    bool
		pusherURL       string
		keepRows        int
		roomsFile       string
		assetDir        string
		assetPrefetch   bool
		httpAddr        string
		httpCorsOrigins string
		httpRateRPS     int
		httpRateBurst   int
		httpMetrics     bool
		httpAccessLog   bool
		debugDrops      bool
		traceMessages   bool
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&envFile, "env-file", ".env", "Load CHATDECK_* variables from this file if it exists")
	flag.StringVar(&dbPath, "sqlite", "chat.db", "Path to SQLite database file")
	flag.BoolVar(&sqliteTuning, "sqlite-tuning", false, "Apply SQLite performance pragmas")
	flag.StringVar(&pusherURL, "pusher-url", kickchat.DefaultURL, "Upstream pusher WebSocket URL")
	flag.IntVar(&keepRows, "keep-rows", 2000, "Messages kept per chatroom by the retention sweep")
	flag.StringVar(&roomsFile, "rooms-file", "", "File listing chatrooms to keep subscribed (<id> [name] per line)")
	flag.StringVar(&assetDir, "asset-dir", "emote-cache", "Directory for cached emote assets")
	flag.BoolVar(&assetPrefetch, "asset-prefetch", false, "Prefetch emotes referenced by ingested messages")
	flag.StringVar(&httpAddr, "http-addr", ":8765", "HTTP command/stream address")
	flag.StringVar(&httpCorsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.IntVar(&httpRateRPS, "http-rate-rps", 0, "Maximum HTTP requests per second per client (0 disables)")
	flag.IntVar(&httpRateBurst, "http-rate-burst", 0, "Burst size for HTTP rate limiter")
	flag.BoolVar(&httpMetrics, "http-metrics", true, "Expose Prometheus metrics endpoint")
	flag.BoolVar(&httpAccessLog, "http-access-log", false, "Log HTTP access records")
	flag.BoolVar(&debugDrops, "debug-drops", false, "Log every dropped upstream frame")
	flag.BoolVar(&traceMessages, "trace-messages", false, "Log a structured trace line per ingested message")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"chatdeck version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	if err := config.LoadDotEnv(envFile); err != nil {
		log.Fatalf("chatdeck: load %s: %v", envFile, err)
	}
	cfg := config.Load()

	changed := flag.CommandLine.Changed
	if changed("sqlite") {
		cfg.Sink.SQLite.Path = strings.TrimSpace(dbPath)
	}
	if changed("sqlite-tuning") {
		cfg.Sink.SQLite.Tuning = sqliteTuning
	}
	if changed("pusher-url") {
		cfg.Pusher.URL = strings.TrimSpace(pusherURL)
	}
	if changed("keep-rows") {
		cfg.Pusher.KeepRows = keepRows
	}
	if changed("debug-drops") {
		cfg.Pusher.DebugDrops = debugDrops
	}
	if changed("rooms-file") {
		cfg.Rooms.File = strings.TrimSpace(roomsFile)
	}
	if changed("asset-dir") {
		cfg.Assets.Dir = strings.TrimSpace(assetDir)
	}
	if changed("asset-prefetch") {
		cfg.Assets.Prefetch = assetPrefetch
	}
	if changed("http-addr") {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if changed("http-cors-origins") {
		cfg.HTTP.CORSOrigins = nil
		for _, origin := range strings.Split(httpCorsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.HTTP.CORSOrigins = append(cfg.HTTP.CORSOrigins, origin)
			}
		}
	}
	if changed("http-rate-rps") {
		cfg.HTTP.RateLimitRPS = httpRateRPS
		if !changed("http-rate-burst") && cfg.HTTP.RateLimitBurst < httpRateRPS {
			cfg.HTTP.RateLimitBurst = httpRateRPS
		}
	}
	if changed("http-rate-burst") {
		cfg.HTTP.RateLimitBurst = httpRateBurst
	}
	if changed("http-metrics") {
		cfg.HTTP.EnableMetrics = httpMetrics
	}
	if changed("http-access-log") {
		cfg.HTTP.EnableAccessLog = httpAccessLog
	}

	log.Printf("%s", cfg.SummaryJSON())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("chatdeck: received %s, shutting down", sig)
		cancel()
	}()

	if err := migrateSQLiteFile(ctx, cfg.Sink.SQLite.Path); err != nil {
		log.Fatalf("chatdeck: sqlite migrate: %v", err)
	}
	sinkDB, err := sink.OpenSQLiteTuned(cfg.Sink.SQLite.Path, cfg.Sink.SQLite.Tuning)
	if err != nil {
		log.Fatalf("chatdeck: open sqlite: %v", err)
	}
	if err := sinkDB.Ping(); err != nil {
		log.Fatalf("chatdeck: ping sqlite: %v", err)
	}
	sink.ReportSQLitePragmas(ctx, sinkDB.RawDB(), cfg.Sink.SQLite.Tuning)
	defer func() {
		if err := sinkDB.Close(); err != nil {
			log.Printf("chatdeck: closing sink: %v", err)
		}
	}()

	assets := assetcache.New(assetcache.Options{
		Dir:         cfg.Assets.Dir,
		URLTemplate: cfg.Assets.URLTemplate,
	})
	log.Printf("chatdeck: asset cache dir=%s", assets.Dir())

	var base sink.Writer = sinkDB
	var buffered *sink.BufferedWriter
	if cfg.Batch() > 1 || cfg.FlushInterval() > 0 {
		buffered = sink.NewBufferedWriter(sinkDB, sink.BufferedOptions{
			BatchSize:     cfg.Batch(),
			FlushInterval: cfg.FlushInterval(),
		})
		base = buffered
	}

	live := &fanout{}
	writer := sink.WithAPI(base, live)

	var traceLogger *slog.Logger
	if traceMessages {
		traceLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	ingestMetrics := kickchat.NewMetrics()
	sup := kickchat.New(kickchat.Config{
		URL:         cfg.Pusher.URL,
		KeepRows:    cfg.Pusher.KeepRows,
		DebugDrops:  cfg.Pusher.DebugDrops,
		TraceLogger: traceLogger,
	}, sinkDB, writer, ingestMetrics)

	collectors := append([]prometheus.Collector{}, ingestMetrics.Collectors()...)
	collectors = append(collectors, assets.Collectors()...)

	api := httpapi.New(sinkDB, sup, assets, httpapi.Options{
		Addr:            cfg.HTTP.Addr,
		CORSOrigins:     cfg.HTTP.CORSOrigins,
		RateLimitRPS:    cfg.HTTP.RateLimitRPS,
		RateLimitBurst:  cfg.HTTP.RateLimitBurst,
		EnableMetrics:   cfg.HTTP.EnableMetrics,
		EnableAccessLog: cfg.HTTP.EnableAccessLog,
		Build:           httpapi.CurrentBuild(),
		Collectors:      collectors,
	})
	*live = append(*live, api)

	var prefetcher *assetcache.Prefetcher
	if cfg.Assets.Prefetch {
		prefetcher = assetcache.NewPrefetcher(assets, cfg.Assets.PrefetchWorkers, 0)
		*live = append(*live, prefetcher)
		log.Printf("chatdeck: emote prefetch enabled workers=%d", cfg.Assets.PrefetchWorkers)
	}

	var rost *roster.Roster
	if cfg.Rooms.File != "" {
		rost = roster.New(cfg.Rooms.File, sup)
	}
	// A nil *roster.Roster must not become a non-nil interface.
	var reloader httpadmin.Reloader
	if rost != nil {
		reloader = rost
	}
	httpadmin.New(reloader).Register(api.Mux())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := api.Start(); err != nil {
			log.Printf("chatdeck: http api: %v", err)
			cancel()
		}
	}()
	log.Printf("chatdeck: http api ready on %s", cfg.HTTP.Addr)

	if rost != nil {
		res, err := rost.Reload(ctx)
		if err != nil {
			log.Printf("chatdeck: initial room sync: %v", err)
		}
		log.Printf("chatdeck: rooms file %s desired=%d subscribed=%v", rost.Path(), res.Desired, res.Subscribed)

		if err := rost.Watch(ctx, cfg.ResyncInterval()); err != nil {
			slog.Error("chatdeck: watch rooms file", "path", rost.Path(), "err", err)
		}
	}

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Printf("chatdeck: http shutdown: %v", err)
	}
	if err := sup.Close(); err != nil {
		log.Printf("chatdeck: close upstream: %v", err)
	}
	if prefetcher != nil {
		prefetcher.Close()
	}
	if buffered != nil {
		if err := buffered.Close(); err != nil {
			log.Printf("chatdeck: flush buffered sink: %v", err)
		}
	}
	wg.Wait()
	log.Printf("chatdeck: stopped")
}
