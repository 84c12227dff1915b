package ingesttrace

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestTraceIDDeterminism(t *testing.T) {
	first := NewTrace(123, "m1", "alice", "hello world")
	second := NewTrace(123, "m1", "bob", "other text")
	if first.TraceID != second.TraceID {
		t.Fatalf("expected trace id keyed on chatroom and message, got %q and %q", first.TraceID, second.TraceID)
	}

	if other := NewTrace(124, "m1", "alice", "hello world"); other.TraceID == first.TraceID {
		t.Fatalf("expected different trace id for another chatroom")
	}
}

func TestCounterIncrements(t *testing.T) {
	trace := NewTrace(9, "m2", "user2", "hi there")

	if count := trace.Count(StageReceived); count != 1 {
		t.Fatalf("expected received to be seeded, got %d", count)
	}
	if count := trace.IncCounter(StageDecodedOK); count != 1 {
		t.Fatalf("expected decoded_ok to be 1, got %d", count)
	}
	if count := trace.IncCounter(StageDropped("duplicate")); count != 1 {
		t.Fatalf("expected dropped_duplicate to be 1, got %d", count)
	}
	if count := trace.IncCounter(StageDropped("duplicate")); count != 2 {
		t.Fatalf("expected dropped_duplicate to be 2 after increment, got %d", count)
	}
	if StageDropped("x") != Stage("dropped_x") {
		t.Fatalf("unexpected dropped stage name %q", StageDropped("x"))
	}
}

func TestSnippetTruncatedAndLogged(t *testing.T) {
	trace := NewTrace(1, "m3", "carol", strings.Repeat("a", 100))
	if len(trace.Snippet) != 64 {
		t.Fatalf("expected snippet of 64 bytes, got %d", len(trace.Snippet))
	}

	var buf bytes.Buffer
	trace.LogTrace(slog.New(slog.NewTextHandler(&buf, nil)), "trace")
	if !strings.Contains(buf.String(), "message_id=m3") {
		t.Fatalf("expected message id in log output, got %q", buf.String())
	}
}
