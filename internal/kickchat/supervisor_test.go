package kickchat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"nhooyr.io/websocket"

	"github.com/you/chatdeck/internal/core"
	"github.com/you/chatdeck/internal/ingesttrace"
	"github.com/you/chatdeck/internal/pusher"
	"github.com/you/chatdeck/internal/sink"
)

type fakeUpstream struct {
	srv      *httptest.Server
	connects atomic.Int32
	frames   chan string

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{frames: make(chan string, 128)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		f.connects.Add(1)
		f.mu.Lock()
		f.conns = append(f.conns, c)
		f.mu.Unlock()

		_ = c.Write(r.Context(), websocket.MessageText,
			[]byte(`{"event":"pusher:connection_established","data":"{\"socket_id\":\"1.2\",\"activity_timeout\":120}"}`))
		for {
			_, data, err := c.Read(context.Background())
			if err != nil {
				return
			}
			f.frames <- string(data)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeUpstream) latest(t *testing.T) *websocket.Conn {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		t.Fatalf("no upstream connection")
	}
	return f.conns[len(f.conns)-1]
}

func (f *fakeUpstream) send(t *testing.T, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.latest(t).Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
}

// expectFrame waits for a client frame with the given event name and returns its channel.
func (f *fakeUpstream) expectFrame(t *testing.T, event string) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-f.frames:
			var got struct {
				Event string `json:"event"`
				Data  struct {
					Channel string `json:"channel"`
				} `json:"data"`
			}
			if err := json.Unmarshal([]byte(raw), &got); err != nil {
				t.Fatalf("client sent invalid frame %q: %v", raw, err)
			}
			if got.Event == event {
				return got.Data.Channel
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", event)
		}
	}
}

type fakeStore struct {
	mu         sync.Mutex
	ensured    map[int64]string
	deleted    []int64
	cleanup    []string
	failDelete int
}

func newFakeStore() *fakeStore {
	return &fakeStore{ensured: make(map[int64]string)}
}

func (s *fakeStore) CreateChatroom(_ context.Context, id int64, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, known := s.ensured[id]
	s.ensured[id] = name
	return !known, nil
}

func (s *fakeStore) Cleanup(_ context.Context, id int64, keep int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanup = append(s.cleanup, fmt.Sprintf("%d:%d", id, keep))
	return 0, nil
}

func (s *fakeStore) DeleteChatroom(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDelete > 0 {
		s.failDelete--
		return errors.New("database is locked")
	}
	delete(s.ensured, id)
	s.deleted = append(s.deleted, id)
	return nil
}

type chanWriter struct {
	msgs chan core.ChatMessage
	err  error
}

func (w *chanWriter) Write(msg core.ChatMessage, _ *ingesttrace.MessageTrace) error {
	w.msgs <- msg
	return w.err
}

func chatFrame(id string, chatroom int64, createdAt string) string {
	inner := fmt.Sprintf(`{"id":%q,"chatroom_id":%d,"content":"hello [emote:1:wave]","type":"message","created_at":%q,`+
		`"sender":{"id":7,"username":"alice","slug":"alice","identity":{"color":"#FF0000","badges":[{"type":"subscriber","text":"Subscriber","count":3}]}}}`,
		id, chatroom, createdAt)
	outer, _ := json.Marshal(map[string]string{
		"event":   pusher.EventChatMessage,
		"channel": pusher.ChannelName(chatroom),
		"data":    inner,
	})
	return string(outer)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestSupervisor(t *testing.T, url string, store Store, w Writer) *Supervisor {
	t.Helper()
	sup := New(Config{URL: url, KeepRows: 100}, store, w, NewMetrics())
	t.Cleanup(func() { _ = sup.Close() })
	return sup
}

func TestConcurrentSubscribeOpensOneSocket(t *testing.T) {
	up := newFakeUpstream(t)
	store := newFakeStore()
	sup := newTestSupervisor(t, up.url(), store, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			errs <- sup.Subscribe(context.Background(), id, fmt.Sprintf("room-%d", id))
		}(int64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	if n := up.connects.Load(); n != 1 {
		t.Fatalf("expected a single upstream socket, got %d", n)
	}
	if sup.State() != StateConnected {
		t.Fatalf("expected connected, got %s", sup.State())
	}
	if rooms := sup.Rooms(); len(rooms) != 10 || rooms[0].ID != 1 || rooms[9].Name != "room-10" {
		t.Fatalf("unexpected rooms: %+v", rooms)
	}

	channels := make(map[string]bool)
	for i := 0; i < 10; i++ {
		channels[up.expectFrame(t, pusher.EventSubscribe)] = true
	}
	if !channels["chatrooms.7.v2"] || len(channels) != 10 {
		t.Fatalf("unexpected subscribe channels: %v", channels)
	}
	if len(store.ensured) != 10 {
		t.Fatalf("expected 10 chatrooms recorded, got %d", len(store.ensured))
	}
}

func TestChatFrameReachesWriter(t *testing.T) {
	up := newFakeUpstream(t)
	w := &chanWriter{msgs: make(chan core.ChatMessage, 4)}
	sup := newTestSupervisor(t, up.url(), newFakeStore(), w)

	if err := sup.Subscribe(context.Background(), 123, "room"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	up.expectFrame(t, pusher.EventSubscribe)

	up.send(t, `not json at all`)
	up.send(t, `{"event":"App\\Events\\UserBannedEvent","data":"{}","channel":"chatrooms.123.v2"}`)
	up.send(t, chatFrame("m1", 123, "2025-03-01T12:00:00+00:00"))

	select {
	case msg := <-w.msgs:
		if msg.ID != "m1" || msg.ChatroomID != 123 || msg.Sender.Username != "alice" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for chat message")
	}
	waitFor(t, "socket id", func() bool { return sup.SocketID() == "1.2" })
}

func TestWriterErrorDoesNotStopLoop(t *testing.T) {
	up := newFakeUpstream(t)
	w := &chanWriter{msgs: make(chan core.ChatMessage, 4), err: errors.New("disk full")}
	sup := newTestSupervisor(t, up.url(), newFakeStore(), w)

	if err := sup.Subscribe(context.Background(), 5, ""); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	up.send(t, chatFrame("a", 5, "2025-03-01T12:00:00Z"))
	up.send(t, chatFrame("b", 5, "2025-03-01T12:00:01Z"))
	for _, want := range []string{"a", "b"} {
		select {
		case msg := <-w.msgs:
			if msg.ID != want {
				t.Fatalf("expected %s, got %s", want, msg.ID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
	if sup.State() != StateConnected {
		t.Fatalf("expected loop to survive writer errors, state %s", sup.State())
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	up := newFakeUpstream(t)
	sup := newTestSupervisor(t, up.url(), newFakeStore(), nil)

	if err := sup.Subscribe(context.Background(), 1, ""); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	up.send(t, `{"event":"pusher:ping","data":{}}`)
	up.expectFrame(t, pusher.EventPong)
}

func TestUnsubscribeLastRoomClosesSocket(t *testing.T) {
	up := newFakeUpstream(t)
	store := newFakeStore()
	sup := newTestSupervisor(t, up.url(), store, nil)
	ctx := context.Background()

	for _, id := range []int64{1, 2} {
		if err := sup.Subscribe(ctx, id, ""); err != nil {
			t.Fatalf("subscribe %d: %v", id, err)
		}
	}
	if err := sup.Unsubscribe(ctx, 1); err != nil {
		t.Fatalf("unsubscribe 1: %v", err)
	}
	if sup.State() != StateConnected {
		t.Fatalf("expected socket kept for remaining room, got %s", sup.State())
	}
	if err := sup.Unsubscribe(ctx, 2); err != nil {
		t.Fatalf("unsubscribe 2: %v", err)
	}
	if sup.State() != StateIdle {
		t.Fatalf("expected idle after last unsubscribe, got %s", sup.State())
	}
	if err := sup.Unsubscribe(ctx, 2); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	store.mu.Lock()
	deleted := fmt.Sprint(store.deleted)
	cleanups := strings.Join(store.cleanup, ",")
	store.mu.Unlock()
	if deleted != "[1 2]" {
		t.Fatalf("expected chatrooms 1 and 2 deleted, got %s", deleted)
	}
	if !strings.Contains(cleanups, "1:100") || !strings.Contains(cleanups, "2:0") {
		t.Fatalf("unexpected retention sweeps: %s", cleanups)
	}

	if err := sup.Subscribe(ctx, 3, ""); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if n := up.connects.Load(); n != 2 {
		t.Fatalf("expected a fresh socket after teardown, got %d connects", n)
	}
}

func TestUnsubscribeWhenIdle(t *testing.T) {
	sup := newTestSupervisor(t, "ws://127.0.0.1:1/app/x", newFakeStore(), nil)
	if err := sup.Unsubscribe(context.Background(), 9); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestDialFailureStaysIdle(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	sup := newTestSupervisor(t, url, newFakeStore(), nil)
	if err := sup.Subscribe(context.Background(), 1, ""); err == nil {
		t.Fatalf("expected dial error")
	}
	if sup.State() != StateIdle {
		t.Fatalf("expected idle after dial failure, got %s", sup.State())
	}
}

func TestDialFailureLeavesNoChatroom(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	store, err := sink.OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if err := store.EnsureChatroom(ctx, 43, "kept"); err != nil {
		t.Fatalf("ensure chatroom: %v", err)
	}

	sup := newTestSupervisor(t, url, store, nil)
	if err := sup.Subscribe(ctx, 42, "ghost"); err == nil {
		t.Fatalf("expected dial error")
	}
	if err := sup.Subscribe(ctx, 43, "kept"); err == nil {
		t.Fatalf("expected dial error")
	}

	rooms, err := store.ListChatrooms(ctx)
	if err != nil {
		t.Fatalf("list chatrooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != 43 {
		t.Fatalf("expected only the pre-existing chatroom, got %+v", rooms)
	}
}

func TestSubscribeWaitsForTeardown(t *testing.T) {
	var connects atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		// the first socket ignores the close handshake until released
		if connects.Add(1) == 1 {
			<-release
		}
		for {
			if _, _, err := c.Read(context.Background()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	sup := newTestSupervisor(t, "ws"+strings.TrimPrefix(srv.URL, "http"), newFakeStore(), nil)
	ctx := context.Background()
	if err := sup.Subscribe(ctx, 1, ""); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	unsubDone := make(chan error, 1)
	go func() { unsubDone <- sup.Unsubscribe(ctx, 1) }()
	waitFor(t, "closing state", func() bool { return sup.State() == StateClosing })

	subDone := make(chan error, 1)
	go func() { subDone <- sup.Subscribe(ctx, 2, "") }()

	time.Sleep(150 * time.Millisecond)
	if n := connects.Load(); n != 1 {
		t.Fatalf("expected no new socket during teardown, got %d connects", n)
	}
	select {
	case err := <-subDone:
		t.Fatalf("subscribe returned during teardown: %v", err)
	default:
	}

	close(release)
	select {
	case err := <-subDone:
		if err != nil {
			t.Fatalf("subscribe after teardown: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("subscribe did not resume after teardown")
	}
	if err := <-unsubDone; err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if n := connects.Load(); n != 2 {
		t.Fatalf("expected a fresh socket after teardown, got %d connects", n)
	}
	if sup.State() != StateConnected {
		t.Fatalf("expected connected, got %s", sup.State())
	}
}

func TestUnsubscribeRetriesFailedPurge(t *testing.T) {
	up := newFakeUpstream(t)
	store := newFakeStore()
	sup := newTestSupervisor(t, up.url(), store, nil)
	ctx := context.Background()

	if err := sup.Subscribe(ctx, 9, "room"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	store.mu.Lock()
	store.failDelete = 1
	store.mu.Unlock()

	err := sup.Unsubscribe(ctx, 9)
	if err == nil || errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected storage error, got %v", err)
	}
	waitFor(t, "idle state", func() bool { return sup.State() == StateIdle })

	if err := sup.Unsubscribe(ctx, 9); err != nil {
		t.Fatalf("retry purge while idle: %v", err)
	}
	store.mu.Lock()
	deleted := append([]int64(nil), store.deleted...)
	store.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != 9 {
		t.Fatalf("expected chatroom 9 deleted, got %v", deleted)
	}
	if err := sup.Unsubscribe(ctx, 9); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected once purged, got %v", err)
	}
}

func TestUpstreamCloseResetsToIdle(t *testing.T) {
	up := newFakeUpstream(t)
	sup := newTestSupervisor(t, up.url(), newFakeStore(), nil)
	if err := sup.Subscribe(context.Background(), 1, ""); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	_ = up.latest(t).Close(websocket.StatusGoingAway, "bye")
	waitFor(t, "idle state", func() bool { return sup.State() == StateIdle })
	if len(sup.Rooms()) != 0 {
		t.Fatalf("expected interest cleared with the socket")
	}

	if err := sup.Subscribe(context.Background(), 1, ""); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if n := up.connects.Load(); n != 2 {
		t.Fatalf("expected reconnect on next subscribe, got %d", n)
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	up := newFakeUpstream(t)
	sup := newTestSupervisor(t, up.url(), newFakeStore(), nil)
	if err := sup.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sup.Subscribe(context.Background(), 1, ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestFrameToHistoryEndToEnd(t *testing.T) {
	up := newFakeUpstream(t)
	store, err := sink.OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()

	sup := newTestSupervisor(t, up.url(), store, store)
	ctx := context.Background()
	if err := sup.Subscribe(ctx, 123, "room"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	up.send(t, chatFrame("m1", 123, "2025-03-01T12:00:00+00:00"))
	up.send(t, chatFrame("m1", 123, "2025-03-01T12:00:00+00:00"))

	var got []core.ChatMessage
	waitFor(t, "persisted message", func() bool {
		got, err = store.History(ctx, 123, "", 10)
		return err == nil && len(got) == 1
	})
	msg := got[0]
	if msg.ID != "m1" || msg.Sender.Username != "alice" || len(msg.Sender.Badges) != 1 {
		t.Fatalf("unexpected history row: %+v", msg)
	}

	if err := sup.Unsubscribe(ctx, 123); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	n, err := store.CountMessages(ctx, 123)
	if err != nil || n != 0 {
		t.Fatalf("expected chatroom purged, got %d (%v)", n, err)
	}
}

func TestRedactURL(t *testing.T) {
	got := redactURL(DefaultURL)
	if strings.Contains(got, "32cbd69e4b950bf97679") || !strings.HasSuffix(got, "?protocol=7") {
		t.Fatalf("unexpected redaction %q", got)
	}
}
