package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	flag "github.com/spf13/pflag"

	"github.com/you/chatdeck/internal/assetcache"
	"github.com/you/chatdeck/internal/core"
	"github.com/you/chatdeck/internal/httpapi"
	"github.com/you/chatdeck/internal/ingesttrace"
	"github.com/you/chatdeck/internal/sink"
)

// emitReq is a hand-written chat message. Missing ids and timestamps are filled in.
type emitReq struct {
	ID         string       `json:"id,omitempty"`
	ChatroomID int64        `json:"chatroomId"`
	Username   string       `json:"username"`
	SenderID   int64        `json:"senderId,omitempty"`
	Content    string       `json:"content"`
	Color      string       `json:"color,omitempty"`
	Badges     []core.Badge `json:"badges,omitempty"`
	CreatedAt  time.Time    `json:"createdAt,omitempty"`
	ReplyTo    *core.Reply  `json:"replyTo,omitempty"`
}

var seq atomic.Int64

func (req emitReq) message() core.ChatMessage {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.ID == "" {
		req.ID = fmt.Sprintf("dev-%d-%d", req.CreatedAt.UnixNano(), seq.Add(1))
	}
	if req.SenderID == 0 {
		req.SenderID = senderID(req.Username)
	}
	slug := strings.ToLower(strings.ReplaceAll(req.Username, " ", "-"))
	return core.ChatMessage{
		ID:         req.ID,
		ChatroomID: req.ChatroomID,
		Content:    req.Content,
		Type:       "message",
		CreatedAt:  req.CreatedAt.Format(time.RFC3339Nano),
		Sender: core.Sender{
			ID:       req.SenderID,
			Username: req.Username,
			Slug:     slug,
			Color:    req.Color,
			Badges:   req.Badges,
		},
		ReplyTo: req.ReplyTo,
	}
}

// senderID derives a stable positive id from a username.
func senderID(username string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(username))
	return int64(h.Sum64() >> 1)
}

func main() {
	var (
		addr     string
		sqlite   string
		assetDir string
		chatter  int64
		interval time.Duration
	)

	flag.StringVar(&addr, "addr", ":8765", "HTTP listen address")
	flag.StringVar(&sqlite, "db", "devapi.db", "SQLite database path")
	flag.StringVar(&assetDir, "asset-dir", "devapi-assets", "Asset cache directory")
	flag.Int64Var(&chatter, "chatter", 0, "Emit a synthetic message into this chatroom on every tick (0 disables)")
	flag.DurationVar(&interval, "interval", 2*time.Second, "Synthetic message interval")
	flag.Parse()

	s, err := sink.OpenSQLite(sqlite)
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()
	if err := s.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}

	api := httpapi.New(s, nil, assetcache.New(assetcache.Options{Dir: assetDir}), httpapi.Options{
		Addr:            addr,
		EnableMetrics:   true,
		EnableAccessLog: true,
		CORSOrigins:     []string{"*"},
	})
	writer := sink.WithAPI(s, api)

	emit := func(ctx context.Context, msg core.ChatMessage) error {
		if err := s.EnsureChatroom(ctx, msg.ChatroomID, ""); err != nil {
			return err
		}
		trace := ingesttrace.NewTrace(msg.ChatroomID, msg.ID, msg.Sender.Username, msg.Content)
		return writer.Write(msg, trace)
	}

	mux := api.Mux()
	mux.HandleFunc("POST /emit", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req emitReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.ChatroomID <= 0 || req.Username == "" || req.Content == "" {
			http.Error(w, "chatroomId, username, content required", http.StatusBadRequest)
			return
		}
		msg := req.message()
		if err := emit(r.Context(), msg); err != nil {
			http.Error(w, "insert failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "id": msg.ID})
	})

	mux.HandleFunc("GET /count/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := httpapi.ParseChatroomID(r.PathValue("id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n, err := s.CountMessages(r.Context(), id)
		if err != nil {
			http.Error(w, "count failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"count": n})
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if chatter > 0 {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			names := []string{"alice", "bob", "carol"}
			n := 0
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					n++
					msg := emitReq{
						ChatroomID: chatter,
						Username:   names[n%len(names)],
						Content:    fmt.Sprintf("synthetic message %d [emote:37226:KEKW]", n),
					}.message()
					if err := emit(ctx, msg); err != nil {
						log.Printf("devapi: emit: %v", err)
					}
				}
			}
		}()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = api.Shutdown(shutdownCtx)
	}()

	log.Printf("devapi listening on %s (db=%s)", addr, sqlite)
	if err := api.Start(); err != nil {
		log.Fatal(err)
	}
}
