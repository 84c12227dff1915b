package core

// Badge is a sender decoration. Its identity is the (Type, Text, Count) tuple.
type Badge struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Count *int64 `json:"count,omitempty"`
}

// Sender is the upstream account that authored a message.
type Sender struct {
	ID       int64   `json:"id"`
	Username string  `json:"username"`
	Slug     string  `json:"slug"`
	Color    string  `json:"color"`
	Badges   []Badge `json:"badges"`
}

// Reply points at the message a chat message answers, when the upstream supplied one.
type Reply struct {
	MessageID      string `json:"messageId"`
	Content        string `json:"content,omitempty"`
	SenderID       int64  `json:"senderId,omitempty"`
	SenderUsername string `json:"senderUsername,omitempty"`
}

// ChatMessage is the normalized structure written to SQLite and pushed to live clients.
type ChatMessage struct {
	ID         string `json:"id"` // upstream-assigned, globally unique
	ChatroomID int64  `json:"chatroomId"`
	Content    string `json:"content"`
	Type       string `json:"type"`
	CreatedAt  string `json:"createdAt"`
	Sender     Sender `json:"sender"`
	ReplyTo    *Reply `json:"replyTo,omitempty"`
}

// Chatroom is a durable subscription target.
type Chatroom struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Messages int64  `json:"messages"`
}
