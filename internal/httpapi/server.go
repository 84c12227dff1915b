package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"nhooyr.io/websocket"

	"github.com/you/chatdeck/internal/assetcache"
	"github.com/you/chatdeck/internal/core"
	"github.com/you/chatdeck/internal/kickchat"
)

const (
	eventNewChatMessage = "new-chat-message"
	clientBuffer        = 256
	defaultPingInterval = 20 * time.Second
	defaultMaxAssetSize = 16 << 20
	maxCommandBody      = 4 << 10
)

type Store interface {
	History(ctx context.Context, chatroomID int64, before string, limit int) ([]core.ChatMessage, error)
	ListChatrooms(ctx context.Context) ([]core.Chatroom, error)
	Ping() error
}

type Supervisor interface {
	Subscribe(ctx context.Context, chatroomID int64, name string) error
	Unsubscribe(ctx context.Context, chatroomID int64) error
	Rooms() []core.Chatroom
	State() kickchat.State
}

// Assets is the emote cache surface exposed over HTTP.
type Assets interface {
	Put(id string, data []byte, contentType string) error
	ReadDataURL(id string) (string, error)
	Fetch(ctx context.Context, id string) (assetcache.Asset, error)
	GetOrFetch(ctx context.Context, id string) (assetcache.Asset, error)
	Clear() error
}

type Options struct {
	Addr            string
	CORSOrigins     []string
	RateLimitRPS    int
	RateLimitBurst  int
	EnableMetrics   bool
	EnableAccessLog bool
	PingInterval    time.Duration
	MaxAssetBytes   int64
	Build           BuildInfo
	// Collectors are registered on the /metrics registry next to the HTTP ones.
	Collectors []prometheus.Collector
}

type client struct {
	ch        chan core.ChatMessage
	filter    StreamFilter
	transport string
}

type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	store      Store
	sup        Supervisor
	assets     Assets
	opts       Options
	metrics    *Metrics
	limiter    *ipRateLimiter
	cors       *corsPolicy

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// New builds the API server. sup and assets may be nil; their routes then
// answer 503.
func New(store Store, sup Supervisor, assets Assets, opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.MaxAssetBytes <= 0 {
		opts.MaxAssetBytes = defaultMaxAssetSize
	}
	if opts.Build.Version == "" {
		opts.Build = CurrentBuild()
	}

	srv := &Server{
		mux:     http.NewServeMux(),
		store:   store,
		sup:     sup,
		assets:  assets,
		opts:    opts,
		limiter: newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		cors:    newCORSPolicy(opts.CORSOrigins),
		clients: make(map[*client]struct{}),
	}
	if opts.EnableMetrics {
		srv.metrics = newMetrics(opts.Collectors...)
	}

	mux := srv.mux
	mux.HandleFunc("GET /healthz", srv.handleHealthz)
	mux.HandleFunc("GET /info", srv.handleInfo)
	mux.HandleFunc("GET /chatrooms", srv.handleChatrooms)
	mux.HandleFunc("POST /chatrooms/{id}/subscribe", srv.handleSubscribe)
	mux.HandleFunc("POST /chatrooms/{id}/unsubscribe", srv.handleUnsubscribe)
	mux.HandleFunc("GET /chatrooms/{id}/history", srv.handleHistory)
	mux.HandleFunc("PUT /assets/{id}", srv.handlePutAsset)
	mux.HandleFunc("GET /assets/{id}/cached", srv.handleCachedAsset)
	mux.HandleFunc("GET /assets/{id}/fetch", srv.handleFetchAsset)
	mux.HandleFunc("GET /assets/{id}", srv.handleGetAsset)
	mux.HandleFunc("DELETE /assets", srv.handleClearAssets)
	mux.HandleFunc("GET /stream", srv.handleStream)
	mux.HandleFunc("GET /ws", srv.handleWS)
	if srv.metrics != nil {
		mux.Handle("GET /metrics", srv.metrics.Handler())
	}

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.wrap(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Mux exposes the route table so other packages can mount extra handlers.
// Routes added later still pass through the middleware chain.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newResponseRecorder(w)
		reqID := requestID(r)
		rec.Header().Set(requestIDHeader, reqID)

		defer func() {
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			dur := time.Since(start)
			s.metrics.ObserveRequest(route, r.Method, rec.Status(), dur)
			if s.opts.EnableAccessLog {
				log.Printf("http: %s %s status=%d bytes=%d dur=%s ip=%s req=%s",
					r.Method, r.URL.Path, rec.Status(), rec.Bytes(), dur.Round(time.Microsecond), remoteIP(r), reqID)
			}
		}()

		if handled, _ := s.cors.handlePreflight(rec, r); handled {
			return
		}
		if !s.cors.applyHeaders(rec, r) {
			http.Error(rec, "origin not allowed", http.StatusForbidden)
			return
		}
		if !s.limiter.Allow(remoteIP(r)) {
			s.metrics.IncRateLimited()
			rec.Header().Set("Retry-After", "1")
			http.Error(rec, "rate limited", http.StatusTooManyRequests)
			return
		}
		if gz, ok := maybeGzip(rec, r); ok {
			defer gz.Close()
		}
		next.ServeHTTP(rec, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if err := s.store.Ping(); err != nil {
		http.Error(w, "db unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type chatroomView struct {
	core.Chatroom
	Live bool `json:"live"`
}

func (s *Server) handleChatrooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.store.ListChatrooms(r.Context())
	if err != nil {
		log.Printf("http: list chatrooms: %v", err)
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	live := make(map[int64]struct{})
	if s.sup != nil {
		for _, room := range s.sup.Rooms() {
			live[room.ID] = struct{}{}
		}
	}
	out := make([]chatroomView, 0, len(rooms))
	for _, room := range rooms {
		_, ok := live[room.ID]
		out = append(out, chatroomView{Chatroom: room, Live: ok})
	}
	writeJSON(w, http.StatusOK, out)
}

type subscribeRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id, err := ParseChatroomID(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.sup == nil {
		http.Error(w, "upstream disabled", http.StatusServiceUnavailable)
		return
	}

	var req subscribeRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
	}

	if err := s.sup.Subscribe(r.Context(), id, strings.TrimSpace(req.Name)); err != nil {
		s.metrics.IncCommand("subscribe", "error")
		log.Printf("http: subscribe chatroom=%d: %v", id, err)
		http.Error(w, "subscribe failed: "+err.Error(), commandStatus(err))
		return
	}
	s.metrics.IncCommand("subscribe", "ok")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	id, err := ParseChatroomID(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.sup == nil {
		http.Error(w, "upstream disabled", http.StatusServiceUnavailable)
		return
	}
	if err := s.sup.Unsubscribe(r.Context(), id); err != nil {
		s.metrics.IncCommand("unsubscribe", "error")
		http.Error(w, "unsubscribe failed: "+err.Error(), commandStatus(err))
		return
	}
	s.metrics.IncCommand("unsubscribe", "ok")
	w.WriteHeader(http.StatusNoContent)
}

func commandStatus(err error) int {
	switch {
	case errors.Is(err, kickchat.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, kickchat.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := ParseChatroomID(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	params, err := ParseHistoryParams(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.store.History(r.Context(), id, params.Before, params.Limit)
	if err != nil {
		log.Printf("http: history chatroom=%d: %v", id, err)
		http.Error(w, "history error", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []core.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handlePutAsset(w http.ResponseWriter, r *http.Request) {
	if s.assets == nil {
		http.Error(w, "asset cache disabled", http.StatusServiceUnavailable)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, s.opts.MaxAssetBytes+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if int64(len(data)) > s.opts.MaxAssetBytes {
		http.Error(w, "asset too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err := s.assets.Put(r.PathValue("id"), data, r.Header.Get("Content-Type")); err != nil {
		s.assetError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCachedAsset(w http.ResponseWriter, r *http.Request) {
	if s.assets == nil {
		http.Error(w, "asset cache disabled", http.StatusServiceUnavailable)
		return
	}
	dataURL, err := s.assets.ReadDataURL(r.PathValue("id"))
	if err != nil {
		s.assetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"dataUrl": dataURL})
}

func (s *Server) handleFetchAsset(w http.ResponseWriter, r *http.Request) {
	if s.assets == nil {
		http.Error(w, "asset cache disabled", http.StatusServiceUnavailable)
		return
	}
	asset, err := s.assets.Fetch(r.Context(), r.PathValue("id"))
	if err != nil {
		s.assetError(w, err)
		return
	}
	writeAsset(w, asset)
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	if s.assets == nil {
		http.Error(w, "asset cache disabled", http.StatusServiceUnavailable)
		return
	}
	asset, err := s.assets.GetOrFetch(r.Context(), r.PathValue("id"))
	if err != nil {
		s.assetError(w, err)
		return
	}
	writeAsset(w, asset)
}

func (s *Server) handleClearAssets(w http.ResponseWriter, _ *http.Request) {
	if s.assets == nil {
		http.Error(w, "asset cache disabled", http.StatusServiceUnavailable)
		return
	}
	if err := s.assets.Clear(); err != nil {
		s.assetError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeAsset(w http.ResponseWriter, asset assetcache.Asset) {
	w.Header().Set("Content-Type", asset.ContentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(asset.Data)
}

func (s *Server) assetError(w http.ResponseWriter, err error) {
	var statusErr *assetcache.StatusError
	switch {
	case errors.Is(err, assetcache.ErrInvalidID):
		http.Error(w, "invalid asset id", http.StatusBadRequest)
	case errors.Is(err, assetcache.ErrNotCached):
		http.Error(w, "not cached", http.StatusNotFound)
	case errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound:
		http.Error(w, "asset not found upstream", http.StatusNotFound)
	default:
		log.Printf("http: asset: %v", err)
		http.Error(w, "asset error", http.StatusBadGateway)
	}
}

func (s *Server) addClient(transport string, filter StreamFilter) (*client, bool) {
	c := &client{ch: make(chan core.ChatMessage, clientBuffer), filter: filter, transport: transport}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.clients[c] = struct{}{}
	return c, true
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// ClientCount reports the number of attached live clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	filter, err := StreamFilterFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	c, ok := s.addClient("sse", filter)
	if !ok {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.removeClient(c)
	s.metrics.IncSSEClients(1)
	defer s.metrics.IncSSEClients(-1)

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case msg, ok := <-c.ch:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventNewChatMessage, data)
			flusher.Flush()
			s.metrics.IncMessagesSent("sse")
		}
	}
}

type wsEnvelope struct {
	Event   string           `json:"event"`
	Payload core.ChatMessage `json:"payload"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	filter, err := StreamFilterFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	acceptOpts := &websocket.AcceptOptions{OriginPatterns: s.cors.wsOriginPatterns()}
	if s.cors != nil && s.cors.allowAll {
		acceptOpts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(baseWriter(w), r, acceptOpts)
	if err != nil {
		log.Printf("http: ws accept: %v", err)
		return
	}

	c, ok := s.addClient("ws", filter)
	if !ok {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.removeClient(c)
	s.metrics.IncWSClients(1)
	defer s.metrics.IncWSClients(-1)

	// Inbound frames are ignored; CloseRead keeps control frames flowing.
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				_ = conn.Close(websocket.StatusPolicyViolation, "ping timeout")
				return
			}
		case msg, ok := <-c.ch:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			data, err := json.Marshal(wsEnvelope{Event: eventNewChatMessage, Payload: msg})
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
			s.metrics.IncMessagesSent("ws")
		}
	}
}

// Broadcast hands msg to every attached client whose filter accepts it.
// Clients that are not keeping up lose the message.
func (s *Server) Broadcast(msg core.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for c := range s.clients {
		if !c.filter.Matches(msg) {
			continue
		}
		select {
		case c.ch <- msg:
		default:
			s.metrics.IncBroadcastDrops(c.transport)
		}
	}
}

func (s *Server) Start() error {
	log.Printf("http api listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.clients {
		close(c.ch)
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}
