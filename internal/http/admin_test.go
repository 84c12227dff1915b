package httpadmin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"

	"github.com/you/chatdeck/internal/roster"
)

type fakeReloader struct {
	res roster.Result
	err error
}

func (f fakeReloader) Reload(context.Context) (roster.Result, error) {
	return f.res, f.err
}

type reloadPayload struct {
	Status       string  `json:"status"`
	Subscribed   []int64 `json:"subscribed"`
	Unsubscribed []int64 `json:"unsubscribed"`
	Desired      int     `json:"desired"`
	Error        string  `json:"error"`
}

func serve(t *testing.T, rel Reloader, method, target string) (*httptest.ResponseRecorder, reloadPayload) {
	t.Helper()
	mux := http.NewServeMux()
	New(rel).Register(mux)

	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var payload reloadPayload
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
	return rec, payload
}

func TestServerReloadSuccess(t *testing.T) {
	rec, payload := serve(t, fakeReloader{res: roster.Result{Subscribed: []int64{1, 2}, Unsubscribed: []int64{9}, Desired: 2}}, http.MethodPost, "/admin/rooms/reload")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if payload.Status != "ok" || payload.Desired != 2 || len(payload.Subscribed) != 2 || len(payload.Unsubscribed) != 1 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestServerReloadPartial(t *testing.T) {
	rec, payload := serve(t, fakeReloader{res: roster.Result{Subscribed: []int64{1}, Desired: 2}, err: errors.New("chatroom 2: dial refused")}, http.MethodPost, "/admin/rooms/reload")

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected status %d, got %d", http.StatusBadGateway, rec.Code)
	}
	if payload.Status != "partial" || payload.Error != "chatroom 2: dial refused" || len(payload.Subscribed) != 1 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestServerReloadError(t *testing.T) {
	rec, payload := serve(t, fakeReloader{err: errors.New("boom")}, http.MethodPost, "/admin/rooms/reload")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
	if payload.Status != "failed" || payload.Error != "boom" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestServerReloadMethod(t *testing.T) {
	rec, _ := serve(t, fakeReloader{}, http.MethodGet, "/admin/rooms/reload")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestServerReloadWithoutRoster(t *testing.T) {
	rec, _ := serve(t, nil, http.MethodPost, "/admin/rooms/reload")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestServerHealthz(t *testing.T) {
	rec, _ := serve(t, fakeReloader{}, http.MethodGet, "/admin/healthz")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz response: %d %q", rec.Code, rec.Body.String())
	}
}
