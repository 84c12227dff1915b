package roster

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/you/chatdeck/internal/core"
	"github.com/you/chatdeck/internal/kickchat"
)

type Supervisor interface {
	Subscribe(ctx context.Context, chatroomID int64, name string) error
	Unsubscribe(ctx context.Context, chatroomID int64) error
	Rooms() []core.Chatroom
}

// Roster keeps the supervisor subscribed to the chatrooms listed in a rooms
// file. It only ever unsubscribes rooms it subscribed itself, so rooms added
// through the HTTP surface are left alone.
type Roster struct {
	path string
	sup  Supervisor

	mu    sync.Mutex
	owned map[int64]string
}

type Result struct {
	Subscribed   []int64 `json:"subscribed"`
	Unsubscribed []int64 `json:"unsubscribed"`
	Desired      int     `json:"desired"`
}

func New(path string, sup Supervisor) *Roster {
	return &Roster{path: strings.TrimSpace(path), sup: sup, owned: make(map[int64]string)}
}

func (r *Roster) Path() string { return r.path }

// ParseRooms reads "<id> [name]" lines. Blank lines and lines starting with
// '#' are ignored; a repeated id keeps the last name.
func ParseRooms(rd io.Reader) ([]core.Chatroom, error) {
	byID := make(map[int64]string)
	scanner := bufio.NewScanner(rd)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rawID, name, _ := strings.Cut(line, " ")
		id, err := strconv.ParseInt(strings.TrimSpace(rawID), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("line %d: invalid chatroom id %q", lineNo, rawID)
		}
		byID[id] = strings.TrimSpace(name)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	out := make([]core.Chatroom, 0, len(byID))
	for id, name := range byID {
		out = append(out, core.Chatroom{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Roster) load() ([]core.Chatroom, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open rooms file: %w", err)
	}
	defer f.Close()
	rooms, err := ParseRooms(f)
	if err != nil {
		return nil, fmt.Errorf("parse rooms file %s: %w", r.path, err)
	}
	return rooms, nil
}

// Reload reconciles the supervisor against the rooms file. Rooms missing from
// the live socket are (re)subscribed, which also recovers from an upstream
// disconnect. Individual subscribe failures are logged and retried on the
// next reload.
func (r *Roster) Reload(ctx context.Context) (Result, error) {
	if r.path == "" {
		return Result{}, nil
	}
	desired, err := r.load()
	if err != nil {
		return Result{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	live := make(map[int64]struct{})
	for _, room := range r.sup.Rooms() {
		live[room.ID] = struct{}{}
	}
	want := make(map[int64]struct{}, len(desired))

	res := Result{Desired: len(desired)}
	var errs []error
	for _, room := range desired {
		want[room.ID] = struct{}{}
		if _, ok := live[room.ID]; ok {
			continue
		}
		if err := r.sup.Subscribe(ctx, room.ID, room.Name); err != nil {
			slog.Error("roster: subscribe failed", "chatroom", room.ID, "err", err)
			errs = append(errs, fmt.Errorf("subscribe %d: %w", room.ID, err))
			continue
		}
		r.owned[room.ID] = room.Name
		res.Subscribed = append(res.Subscribed, room.ID)
	}

	for _, id := range sortedIDs(r.owned) {
		if _, ok := want[id]; ok {
			continue
		}
		delete(r.owned, id)
		if _, ok := live[id]; !ok {
			continue
		}
		if err := r.sup.Unsubscribe(ctx, id); err != nil && !errors.Is(err, kickchat.ErrNotConnected) {
			slog.Error("roster: unsubscribe failed", "chatroom", id, "err", err)
			errs = append(errs, fmt.Errorf("unsubscribe %d: %w", id, err))
			continue
		}
		res.Unsubscribed = append(res.Unsubscribed, id)
	}

	if len(res.Subscribed) > 0 || len(res.Unsubscribed) > 0 {
		slog.Info("roster: reconciled", "path", r.path, "desired", res.Desired,
			"subscribed", res.Subscribed, "unsubscribed", res.Unsubscribed)
	}
	return res, errors.Join(errs...)
}

func sortedIDs(m map[int64]string) []int64 {
	out := make([]int64, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
