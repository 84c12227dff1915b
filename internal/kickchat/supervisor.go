package kickchat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/you/chatdeck/internal/core"
	"github.com/you/chatdeck/internal/ingesttrace"
	"github.com/you/chatdeck/internal/pusher"
)

const DefaultURL = "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7"

var (
	// ErrNotConnected is returned by Unsubscribe when no upstream socket is open.
	ErrNotConnected = errors.New("kickchat: not connected")
	ErrClosed       = errors.New("kickchat: supervisor closed")
)

// State is the lifecycle of the shared upstream socket.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Store is the chatroom bookkeeping the supervisor drives on subscribe and unsubscribe.
type Store interface {
	// CreateChatroom inserts the chatroom if missing and reports whether it did.
	CreateChatroom(ctx context.Context, id int64, name string) (bool, error)
	Cleanup(ctx context.Context, chatroomID int64, keep int) (int64, error)
	DeleteChatroom(ctx context.Context, id int64) error
}

// Writer receives every decoded chat message from the read loop.
type Writer interface {
	Write(core.ChatMessage, *ingesttrace.MessageTrace) error
}

type Config struct {
	URL          string
	KeepRows     int
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	HTTPClient   *http.Client
	DebugDrops   bool
	TraceLogger  *slog.Logger
}

// Supervisor owns the single upstream socket. Chatroom interest is a set of
// ids layered on that socket; the first subscribe opens it and the last
// unsubscribe closes it.
type Supervisor struct {
	cfg     Config
	store   Store
	writer  Writer
	metrics *Metrics

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// mu guards everything below. It is held across dial-and-store so that
	// concurrent subscribes open at most one socket.
	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	gen        uint64
	rooms      map[int64]string
	socketID   string
	readCancel context.CancelFunc
	readDone   chan struct{}
	// closing is non-nil while a detached socket is being torn down and is
	// closed once the state is back to Idle.
	closing chan struct{}
	// purges holds chatrooms whose unsubscribe frame went out but whose
	// rows could not be deleted yet.
	purges map[int64]struct{}
	closed bool
}

func New(cfg Config, store Store, writer Writer, metrics *Metrics) *Supervisor {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if cfg.KeepRows <= 0 {
		cfg.KeepRows = 2000
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:        cfg,
		store:      store,
		writer:     writer,
		metrics:    metrics,
		baseCtx:    ctx,
		baseCancel: cancel,
		rooms:      make(map[int64]string),
		purges:     make(map[int64]struct{}),
	}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SocketID is the id announced by pusher:connection_established, if any.
func (s *Supervisor) SocketID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socketID
}

// Rooms lists the chatrooms subscribed on the current socket, by id.
func (s *Supervisor) Rooms() []core.Chatroom {
	s.mu.Lock()
	out := make([]core.Chatroom, 0, len(s.rooms))
	for id, name := range s.rooms {
		out = append(out, core.Chatroom{ID: id, Name: name})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribe opens the upstream socket if needed, records the chatroom, sends
// the subscribe frame and sweeps old history for the chatroom.
func (s *Supervisor) Subscribe(ctx context.Context, chatroomID int64, name string) error {
	frame, err := pusher.SubscribeFrame(chatroomID)
	if err != nil {
		return err
	}

	if err := s.lockOpen(ctx); err != nil {
		return err
	}
	if s.conn == nil {
		if err := s.connectLocked(ctx); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	created, err := s.store.CreateChatroom(ctx, chatroomID, name)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("kickchat: record chatroom %d: %w", chatroomID, err)
	}
	if err := s.writeLocked(ctx, frame); err != nil {
		if created {
			if derr := s.store.DeleteChatroom(ctx, chatroomID); derr != nil {
				log.Printf("kickchat: drop unsubscribed chatroom=%d: %v", chatroomID, derr)
			}
		}
		s.mu.Unlock()
		return fmt.Errorf("kickchat: send subscribe %d: %w", chatroomID, err)
	}
	s.rooms[chatroomID] = name
	delete(s.purges, chatroomID)
	s.metrics.setState(s.state, len(s.rooms))
	s.mu.Unlock()

	log.Printf("kickchat: subscribed chatroom=%d name=%q", chatroomID, name)

	if deleted, err := s.store.Cleanup(ctx, chatroomID, s.cfg.KeepRows); err != nil {
		log.Printf("kickchat: retention sweep chatroom=%d: %v", chatroomID, err)
	} else if deleted > 0 {
		log.Printf("kickchat: retention sweep chatroom=%d removed=%d", chatroomID, deleted)
	}
	return nil
}

// lockOpen acquires mu once no teardown is in flight. On success mu is held
// and the state is Idle or Connected.
func (s *Supervisor) lockOpen(ctx context.Context) error {
	s.mu.Lock()
	for {
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		if s.state != StateClosing || s.closing == nil {
			return nil
		}
		wait := s.closing
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
}

// Unsubscribe sends the unsubscribe frame and deletes the chatroom with its
// history. When no chatrooms remain the socket is closed. A chatroom whose
// deletion failed after the frame was sent can be unsubscribed again while
// idle to retry the purge.
func (s *Supervisor) Unsubscribe(ctx context.Context, chatroomID int64) error {
	frame, err := pusher.UnsubscribeFrame(chatroomID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.conn == nil || s.state != StateConnected {
		_, pending := s.purges[chatroomID]
		s.mu.Unlock()
		if !pending {
			return ErrNotConnected
		}
		return s.purge(ctx, chatroomID)
	}
	if err := s.writeLocked(ctx, frame); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("kickchat: send unsubscribe %d: %w", chatroomID, err)
	}
	delete(s.rooms, chatroomID)
	s.purges[chatroomID] = struct{}{}
	var teardown func()
	if len(s.rooms) == 0 {
		teardown = s.detachLocked("no subscriptions")
	}
	s.metrics.setState(s.state, len(s.rooms))
	s.mu.Unlock()

	log.Printf("kickchat: unsubscribed chatroom=%d", chatroomID)
	if teardown != nil {
		teardown()
	}
	return s.purge(ctx, chatroomID)
}

func (s *Supervisor) purge(ctx context.Context, chatroomID int64) error {
	if _, err := s.store.Cleanup(ctx, chatroomID, 0); err != nil {
		return fmt.Errorf("kickchat: purge chatroom %d: %w", chatroomID, err)
	}
	if err := s.store.DeleteChatroom(ctx, chatroomID); err != nil {
		return fmt.Errorf("kickchat: delete chatroom %d: %w", chatroomID, err)
	}
	s.mu.Lock()
	delete(s.purges, chatroomID)
	s.mu.Unlock()
	return nil
}

// Close tears down the socket and rejects further subscribes.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var teardown func()
	if s.conn != nil {
		teardown = s.detachLocked("shutting down")
	}
	s.mu.Unlock()

	if teardown != nil {
		teardown()
	}
	s.baseCancel()
	return nil
}

func (s *Supervisor) connectLocked(ctx context.Context) error {
	s.state = StateConnecting
	s.metrics.setState(s.state, len(s.rooms))

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	log.Printf("kickchat: connecting to %s", redactURL(s.cfg.URL))
	conn, resp, err := websocket.Dial(dialCtx, s.cfg.URL, &websocket.DialOptions{HTTPClient: s.cfg.HTTPClient})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		s.state = StateIdle
		s.metrics.setState(s.state, len(s.rooms))
		s.metrics.incConnect("error")
		return fmt.Errorf("kickchat: dial: %w", err)
	}
	conn.SetReadLimit(s.cfg.ReadLimit)
	s.metrics.incConnect("ok")

	s.gen++
	readCtx, readCancel := context.WithCancel(s.baseCtx)
	done := make(chan struct{})
	s.conn = conn
	s.readCancel = readCancel
	s.readDone = done
	s.socketID = ""
	s.state = StateConnected
	s.metrics.setState(s.state, len(s.rooms))

	go s.readLoop(readCtx, conn, s.gen, done)
	return nil
}

func (s *Supervisor) writeLocked(ctx context.Context, frame []byte) error {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return s.conn.Write(wctx, websocket.MessageText, frame)
}

// detachLocked clears the socket from shared state and returns the blocking
// part of the teardown, to be run after mu is released.
func (s *Supervisor) detachLocked(reason string) func() {
	conn, cancel, done := s.conn, s.readCancel, s.readDone
	closing := make(chan struct{})
	s.conn = nil
	s.readCancel = nil
	s.readDone = nil
	s.closing = closing
	s.rooms = make(map[int64]string)
	s.state = StateClosing
	s.metrics.setState(s.state, 0)

	return func() {
		_ = conn.Close(websocket.StatusNormalClosure, reason)
		cancel()
		<-done

		s.mu.Lock()
		if s.closing == closing {
			s.closing = nil
			s.state = StateIdle
			s.metrics.setState(s.state, len(s.rooms))
		}
		close(closing)
		s.mu.Unlock()
		log.Printf("kickchat: socket closed (%s)", reason)
	}
}

// readLoop runs until the socket closes or errors. Frames it cannot use are
// counted and skipped; only socket failure ends the loop.
func (s *Supervisor) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64, done chan struct{}) {
	defer close(done)

	drops := newDropLogger(time.Now(), s.cfg.DebugDrops, 0)
	var (
		total    int
		window   int
		nextTick = time.Now().Add(10 * time.Second)
	)

	var err error
	for {
		var (
			typ  websocket.MessageType
			data []byte
		)
		typ, data, err = conn.Read(ctx)
		if err != nil {
			break
		}

		now := time.Now()
		if !now.Before(nextTick) {
			log.Printf("kickchat: recv %d msgs (total %d)", window, total)
			window = 0
			nextTick = now.Add(10 * time.Second)
		}

		if typ != websocket.MessageText {
			s.metrics.incDropped("binary")
			drops.note(now, "binary", nil)
			continue
		}
		if s.handleFrame(ctx, conn, data, drops) {
			total++
			window++
		}
	}
	drops.flush(time.Now())

	s.mu.Lock()
	current := s.gen == gen && s.conn == conn
	if current {
		s.conn = nil
		s.readCancel = nil
		s.readDone = nil
		s.rooms = make(map[int64]string)
		s.state = StateIdle
		s.metrics.setState(s.state, 0)
	}
	s.mu.Unlock()

	if current {
		if status := websocket.CloseStatus(err); status != -1 {
			log.Printf("kickchat: upstream closed socket status=%d", status)
		} else {
			log.Printf("kickchat: read loop ended: %v", err)
		}
	}
}

// handleFrame dispatches one text frame and reports whether it was a chat message.
func (s *Supervisor) handleFrame(ctx context.Context, conn *websocket.Conn, data []byte, drops *dropLogger) bool {
	now := time.Now()
	ev, err := pusher.Decode(data)
	if err != nil {
		s.metrics.incDropped("malformed")
		drops.note(now, "malformed", data)
		return false
	}
	s.metrics.incFrame(ev.Kind.String())

	switch ev.Kind {
	case pusher.KindChatMessage:
		msg := pusher.ToChatMessage(ev.Chat)
		trace := ingesttrace.NewTrace(msg.ChatroomID, msg.ID, msg.Sender.Username, msg.Content)
		trace.IncCounter(ingesttrace.StageDecodedOK)
		if s.writer != nil {
			if err := s.writer.Write(msg, trace); err != nil {
				s.metrics.incPersistError()
				log.Printf("kickchat: persist message id=%s chatroom=%d: %v", msg.ID, msg.ChatroomID, err)
			}
		}
		if s.cfg.TraceLogger != nil {
			trace.LogTrace(s.cfg.TraceLogger, "kickchat: message trace")
		}
		return true
	case pusher.KindPing:
		wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		defer cancel()
		if err := conn.Write(wctx, websocket.MessageText, pusher.PongFrame()); err != nil {
			log.Printf("kickchat: send pong: %v", err)
		}
	case pusher.KindConnectionEstablished:
		s.mu.Lock()
		if s.conn == conn {
			s.socketID = ev.Connection.SocketID
		}
		s.mu.Unlock()
		log.Printf("kickchat: connection established socket_id=%s activity_timeout=%ds", ev.Connection.SocketID, ev.Connection.ActivityTimeout)
	case pusher.KindSubscriptionSucceeded:
		log.Printf("kickchat: subscription acknowledged channel=%s", ev.Subscription.Channel)
	case pusher.KindError:
		code := "none"
		if ev.Error.Code != nil {
			code = fmt.Sprint(*ev.Error.Code)
		}
		log.Printf("kickchat: upstream error code=%s message=%q", code, ev.Error.Message)
	default:
		s.metrics.incDropped("unrecognized")
		drops.note(now, "unrecognized", data)
	}
	return false
}

func redactURL(raw string) string {
	const marker = "/app/"
	idx := strings.Index(raw, marker)
	if idx == -1 {
		return raw
	}
	rest := raw[idx+len(marker):]
	end := strings.IndexAny(rest, "?/")
	if end == -1 {
		end = len(rest)
	}
	if end <= 4 {
		return raw
	}
	return raw[:idx+len(marker)] + rest[:4] + "..." + rest[end:]
}
