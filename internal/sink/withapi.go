package sink

import (
	"github.com/you/chatdeck/internal/core"
	"github.com/you/chatdeck/internal/ingesttrace"
)

type broadcaster interface {
	Broadcast(core.ChatMessage)
}

// WithBroadcast fans every decoded message out to live subscribers after the
// persistence attempt. Subscribers see the message even when the write fails.
type WithBroadcast struct {
	base Writer
	api  broadcaster
}

func WithAPI(base Writer, api broadcaster) *WithBroadcast {
	return &WithBroadcast{base: base, api: api}
}

func (w *WithBroadcast) Write(msg core.ChatMessage, trace *ingesttrace.MessageTrace) error {
	var err error
	if w.base != nil {
		err = w.base.Write(msg, trace)
	}
	if w.api != nil {
		w.api.Broadcast(msg)
		if trace != nil {
			trace.IncCounter(ingesttrace.StageBroadcast)
		}
	}
	return err
}
