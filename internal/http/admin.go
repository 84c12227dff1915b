package httpadmin

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/you/chatdeck/internal/roster"
)

type Reloader interface {
	Reload(ctx context.Context) (roster.Result, error)
}

type Server struct {
	rel Reloader
}

func New(rel Reloader) *Server { return &Server{rel: rel} }

type reloadResponse struct {
	Status string `json:"status"`
	roster.Result
	Error string `json:"error,omitempty"`
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /admin/rooms/reload", func(w http.ResponseWriter, r *http.Request) {
		if s.rel == nil {
			http.Error(w, "no room list configured", http.StatusNotFound)
			return
		}
		res, err := s.rel.Reload(r.Context())
		resp := reloadResponse{Status: "ok", Result: res}
		status := http.StatusOK
		if err != nil {
			// Partial reconciles still report what changed.
			resp.Status = "partial"
			resp.Error = err.Error()
			status = http.StatusBadGateway
			if len(res.Subscribed) == 0 && len(res.Unsubscribed) == 0 && res.Desired == 0 {
				resp.Status = "failed"
				status = http.StatusInternalServerError
			}
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	})
}
