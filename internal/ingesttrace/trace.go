package ingesttrace

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"sync"
)

// Stage names one step a chat frame passes through between the socket and subscribers.
type Stage string

const (
	StageReceived    Stage = "received"
	StageDecodedOK   Stage = "decoded_ok"
	StageWrittenToDB Stage = "written_to_db"
	StageBroadcast   Stage = "broadcast"

	StageDroppedPrefix = "dropped_"
)

func StageDropped(reason string) Stage {
	return Stage(StageDroppedPrefix + reason)
}

// MessageTrace follows a single chat message through decode, persist and fan-out.
type MessageTrace struct {
	ChatroomID int64
	MessageID  string
	Sender     string
	Snippet    string
	TraceID    string

	mu       sync.Mutex
	counters map[Stage]int64
}

// NewTrace seeds the received counter. Snippets longer than 64 bytes are cut.
func NewTrace(chatroomID int64, messageID, sender, content string) *MessageTrace {
	snippet := content
	if len(snippet) > 64 {
		snippet = snippet[:64]
	}
	trace := &MessageTrace{
		ChatroomID: chatroomID,
		MessageID:  messageID,
		Sender:     sender,
		Snippet:    snippet,
		TraceID:    computeTraceID(chatroomID, messageID),
		counters:   map[Stage]int64{StageReceived: 1},
	}
	return trace
}

func (t *MessageTrace) IncCounter(stage Stage) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counters[stage]++
	return t.counters[stage]
}

// Count returns the current value for stage.
func (t *MessageTrace) Count(stage Stage) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[stage]
}

func (t *MessageTrace) LogTrace(logger *slog.Logger, msg string) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info(msg,
		"trace_id", t.TraceID,
		"chatroom_id", t.ChatroomID,
		"message_id", t.MessageID,
		"sender", t.Sender,
		"snippet", t.Snippet,
		"counters", t.snapshotCounters(),
	)
}

func (t *MessageTrace) snapshotCounters() map[Stage]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[Stage]int64, len(t.counters))
	for stage, count := range t.counters {
		out[stage] = count
	}
	return out
}

func computeTraceID(chatroomID int64, messageID string) string {
	digest := sha256.Sum256([]byte(strconv.FormatInt(chatroomID, 10) + "\x1f" + messageID))
	return hex.EncodeToString(digest[:16])
}
