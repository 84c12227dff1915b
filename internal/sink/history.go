package sink

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/you/chatdeck/internal/core"
)

// ErrInvalidLimit is returned by History for a non-positive page size.
var ErrInvalidLimit = errors.New("history: limit must be positive")

// History returns up to limit messages of a chatroom created strictly before
// the cursor, newest first. An empty cursor starts at the newest message.
// Each sender carries only the badges recorded for this chatroom.
func (s *SQLiteSink) History(ctx context.Context, chatroomID int64, before string, limit int) ([]core.ChatMessage, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	cursor := MaxCursor
	if strings.TrimSpace(before) != "" {
		cursor = NormalizeTimestamp(before)
	}

	const q = `SELECT m.id, m.chatroom_id, m.content, m.type, m.created_at,
  s.id, s.username, s.slug, s.color,
  m.reply_to_id, m.reply_to_sender, m.reply_to_content
FROM messages m
JOIN senders s ON s.id = m.sender_id
WHERE m.chatroom_id = ? AND m.created_at < ?
ORDER BY m.created_at DESC, m.rowid DESC
LIMIT ?;`
	rows, err := s.db.QueryContext(ctx, q, chatroomID, cursor, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query history")
	}
	defer rows.Close()

	out := make([]core.ChatMessage, 0, limit)
	senders := make(map[int64]struct{})
	for rows.Next() {
		var (
			msg                                core.ChatMessage
			replyID, replySender, replyContent sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.ChatroomID, &msg.Content, &msg.Type, &msg.CreatedAt,
			&msg.Sender.ID, &msg.Sender.Username, &msg.Sender.Slug, &msg.Sender.Color,
			&replyID, &replySender, &replyContent); err != nil {
			return nil, errors.Wrap(err, "scan history row")
		}
		if replyID.Valid && replyID.String != "" {
			msg.ReplyTo = &core.Reply{
				MessageID:      replyID.String,
				SenderUsername: replySender.String,
				Content:        replyContent.String,
			}
		}
		senders[msg.Sender.ID] = struct{}{}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate history")
	}
	if len(out) == 0 {
		return out, nil
	}

	badges, err := s.senderBadges(ctx, chatroomID, senders)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Sender.Badges = badges[out[i].Sender.ID]
	}
	return out, nil
}

func (s *SQLiteSink) senderBadges(ctx context.Context, chatroomID int64, senders map[int64]struct{}) (map[int64][]core.Badge, error) {
	args := make([]any, 0, len(senders)+1)
	args = append(args, chatroomID)
	for id := range senders {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(senders)), ",")

	q := `SELECT sb.sender_id, b.type, b.text, b.count
FROM sender_badges sb
JOIN badges b ON b.id = sb.badge_id
WHERE sb.chatroom_id = ? AND sb.sender_id IN (` + placeholders + `)
ORDER BY sb.sender_id, b.id;`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query sender badges")
	}
	defer rows.Close()

	out := make(map[int64][]core.Badge, len(senders))
	for rows.Next() {
		var (
			senderID int64
			badge    core.Badge
			count    sql.NullInt64
		)
		if err := rows.Scan(&senderID, &badge.Type, &badge.Text, &count); err != nil {
			return nil, errors.Wrap(err, "scan sender badge")
		}
		if count.Valid {
			n := count.Int64
			badge.Count = &n
		}
		out[senderID] = append(out[senderID], badge)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate sender badges")
	}
	return out, nil
}
