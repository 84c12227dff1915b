package pusher

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Upstream event names.
const (
	EventChatMessage           = `App\Events\ChatMessageEvent`
	EventConnectionEstablished = "pusher:connection_established"
	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	EventError                 = "pusher:error"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
	EventSubscribe             = "pusher:subscribe"
	EventUnsubscribe           = "pusher:unsubscribe"
)

var (
	// ErrMalformedFrame is returned when a frame is not a JSON envelope or a
	// recognized event carries a payload that cannot be decoded.
	ErrMalformedFrame = errors.New("pusher: malformed frame")

	errMissingData = errors.New("missing data")
)

// Kind discriminates the decoded event variants.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindChatMessage
	KindConnectionEstablished
	KindSubscriptionSucceeded
	KindError
	KindPing
)

func (k Kind) String() string {
	switch k {
	case KindChatMessage:
		return "chat_message"
	case KindConnectionEstablished:
		return "connection_established"
	case KindSubscriptionSucceeded:
		return "subscription_succeeded"
	case KindError:
		return "error"
	case KindPing:
		return "ping"
	default:
		return "unrecognized"
	}
}

// Event is a decoded inbound frame. Exactly one payload pointer is set,
// matching Kind; ping and unrecognized events carry none.
type Event struct {
	Kind    Kind
	Name    string
	Channel string

	Chat         *ChatMessage
	Connection   *Connection
	Subscription *Subscription
	Error        *ErrorEvent
}

// Connection is the payload of pusher:connection_established.
type Connection struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

// Subscription acknowledges a pusher:subscribe request.
type Subscription struct {
	Channel string
}

// ErrorEvent is the payload of pusher:error.
type ErrorEvent struct {
	Code    *int   `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Decode parses one text frame. Frames whose event is not one of the known
// variants decode to KindUnrecognized with a nil error.
func Decode(frame []byte) (Event, error) {
	frame = bytes.TrimSpace(frame)
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Event{}, fmt.Errorf("%w: envelope: %v", ErrMalformedFrame, err)
	}

	ev := Event{Name: env.Event, Channel: env.Channel}
	switch env.Event {
	case EventChatMessage:
		var msg ChatMessage
		if err := decodeData(env.Data, &msg); err != nil {
			return ev, fmt.Errorf("%w: chat message: %v", ErrMalformedFrame, err)
		}
		if msg.ChatroomID == 0 {
			if id, ok := ParseChannel(env.Channel); ok {
				msg.ChatroomID = id
			}
		}
		if err := msg.validate(); err != nil {
			return ev, fmt.Errorf("%w: chat message: %v", ErrMalformedFrame, err)
		}
		ev.Kind = KindChatMessage
		ev.Chat = &msg
	case EventConnectionEstablished:
		var conn Connection
		if err := decodeData(env.Data, &conn); err != nil {
			return ev, fmt.Errorf("%w: connection: %v", ErrMalformedFrame, err)
		}
		ev.Kind = KindConnectionEstablished
		ev.Connection = &conn
	case EventSubscriptionSucceeded:
		ev.Kind = KindSubscriptionSucceeded
		ev.Subscription = &Subscription{Channel: env.Channel}
	case EventError:
		var e ErrorEvent
		if err := decodeData(env.Data, &e); err != nil {
			return ev, fmt.Errorf("%w: error event: %v", ErrMalformedFrame, err)
		}
		ev.Kind = KindError
		ev.Error = &e
	case EventPing:
		ev.Kind = KindPing
	default:
		ev.Kind = KindUnrecognized
	}
	return ev, nil
}

// decodeData handles the upstream inconsistency where data is sometimes an
// object and sometimes a JSON document escaped into a string.
func decodeData(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return errMissingData
	}
	if err := json.Unmarshal(raw, v); err == nil {
		return nil
	}
	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		return fmt.Errorf("data is neither object nor string: %w", err)
	}
	if err := json.Unmarshal([]byte(inner), v); err != nil {
		return fmt.Errorf("decode escaped data: %w", err)
	}
	return nil
}
