package pusher

import (
	"errors"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/you/chatdeck/internal/core"
)

// ChatMessage is the inner payload of App\Events\ChatMessageEvent.
type ChatMessage struct {
	ID         string          `json:"id"`
	ChatroomID int64           `json:"chatroom_id"`
	Content    string          `json:"content"`
	Type       string          `json:"type"`
	CreatedAt  string          `json:"created_at"`
	Sender     Sender          `json:"sender"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

type Sender struct {
	ID       int64    `json:"id"`
	Username string   `json:"username"`
	Slug     string   `json:"slug"`
	Identity Identity `json:"identity"`
}

type Identity struct {
	Color  string  `json:"color"`
	Badges []Badge `json:"badges"`
}

type Badge struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Count *int64 `json:"count,omitempty"`
}

// Metadata is attached to replies. Every field is optional.
type Metadata struct {
	MessageRef      string           `json:"message_ref,omitempty"`
	OriginalSender  *OriginalSender  `json:"original_sender,omitempty"`
	OriginalMessage *OriginalMessage `json:"original_message,omitempty"`
}

type OriginalSender struct {
	ID       json.Number `json:"id"`
	Username string      `json:"username"`
}

type OriginalMessage struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

func (m *ChatMessage) validate() error {
	switch {
	case strings.TrimSpace(m.ID) == "":
		return errors.New("missing id")
	case m.ChatroomID == 0:
		return errors.New("missing chatroom_id")
	case m.Sender.ID == 0:
		return errors.New("missing sender id")
	}
	return nil
}

// Reply decodes the optional reply metadata. A missing or unreadable
// metadata object yields nil.
func (m *ChatMessage) Reply() *Metadata {
	if len(m.Metadata) == 0 {
		return nil
	}
	var md Metadata
	if err := decodeData(m.Metadata, &md); err != nil {
		return nil
	}
	if md.OriginalMessage == nil && md.OriginalSender == nil && md.MessageRef == "" {
		return nil
	}
	return &md
}

// ToChatMessage maps the wire payload onto the application schema.
func ToChatMessage(m *ChatMessage) core.ChatMessage {
	out := core.ChatMessage{
		ID:         m.ID,
		ChatroomID: m.ChatroomID,
		Content:    m.Content,
		Type:       m.Type,
		CreatedAt:  m.CreatedAt,
		Sender: core.Sender{
			ID:       m.Sender.ID,
			Username: m.Sender.Username,
			Slug:     m.Sender.Slug,
			Color:    m.Sender.Identity.Color,
		},
	}
	if len(m.Sender.Identity.Badges) > 0 {
		out.Sender.Badges = make([]core.Badge, 0, len(m.Sender.Identity.Badges))
		for _, b := range m.Sender.Identity.Badges {
			out.Sender.Badges = append(out.Sender.Badges, core.Badge{Type: b.Type, Text: b.Text, Count: b.Count})
		}
	}
	if md := m.Reply(); md != nil && md.OriginalMessage != nil && md.OriginalMessage.ID != "" {
		reply := &core.Reply{
			MessageID: md.OriginalMessage.ID,
			Content:   md.OriginalMessage.Content,
		}
		if md.OriginalSender != nil {
			reply.SenderUsername = md.OriginalSender.Username
			if id, err := strconv.ParseInt(md.OriginalSender.ID.String(), 10, 64); err == nil {
				reply.SenderID = id
			}
		}
		out.ReplyTo = reply
	}
	return out
}
