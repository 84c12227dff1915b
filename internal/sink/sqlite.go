package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/chatdeck/internal/core"
	"github.com/you/chatdeck/internal/ingesttrace"
)

const schema = `CREATE TABLE IF NOT EXISTS senders (
  id INTEGER PRIMARY KEY,
  username TEXT NOT NULL,
  slug TEXT NOT NULL,
  color TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS chatrooms (
  id INTEGER PRIMARY KEY,
  name TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS messages (
  id TEXT PRIMARY KEY,
  chatroom_id INTEGER NOT NULL REFERENCES chatrooms(id) ON DELETE CASCADE,
  content TEXT NOT NULL,
  type TEXT NOT NULL DEFAULT 'message',
  created_at TEXT NOT NULL,
  sender_id INTEGER NOT NULL REFERENCES senders(id),
  reply_to_id TEXT,
  reply_to_sender TEXT,
  reply_to_content TEXT
);
CREATE INDEX IF NOT EXISTS messages_chatroom_created ON messages (chatroom_id, created_at);
CREATE TABLE IF NOT EXISTS badges (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  type TEXT NOT NULL,
  text TEXT NOT NULL,
  count INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS badges_identity ON badges (type, text, IFNULL(count, -1));
CREATE TABLE IF NOT EXISTS sender_badges (
  sender_id INTEGER NOT NULL REFERENCES senders(id),
  badge_id INTEGER NOT NULL REFERENCES badges(id),
  chatroom_id INTEGER NOT NULL REFERENCES chatrooms(id) ON DELETE CASCADE,
  PRIMARY KEY (sender_id, badge_id, chatroom_id)
);`

// storedTimeLayout is fixed width so lexical order of created_at equals time order.
const storedTimeLayout = "2006-01-02T15:04:05.000000Z"

// MaxCursor sorts after every stored timestamp; it is the first-page cursor for History.
const MaxCursor = "9999-12-31T23:59:59.999999Z"

type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Foreign keys are enabled on every pooled connection.
func OpenSQLite(path string) (*SQLiteSink, error) {
	return OpenSQLiteTuned(path, false)
}

// OpenSQLiteTuned is OpenSQLite with the optional performance pragmas added
// to the DSN, so that every pooled connection runs them.
func OpenSQLiteTuned(path string, tuning bool) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path, tuning))
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	return &SQLiteSink{db: db}, nil
}

func sqliteDSN(path string, tuning bool) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if tuning {
		for _, p := range tuningPragmas {
			dsn += "&_pragma=" + p.name + "(" + p.value + ")"
		}
	}
	return dsn
}

func (s *SQLiteSink) Close() error { return s.db.Close() }

func (s *SQLiteSink) Ping() error {
	return s.db.Ping()
}

// RawDB exposes the pool for migrations and tuning.
func (s *SQLiteSink) RawDB() *sql.DB { return s.db }

func (s *SQLiteSink) String() string {
	return fmt.Sprintf("SQLiteSink{%p}", s.db)
}

// Write stores one chat message. A duplicate id is not an error.
func (s *SQLiteSink) Write(msg core.ChatMessage, trace *ingesttrace.MessageTrace) error {
	inserted, err := s.WriteMessage(context.Background(), msg)
	if err != nil {
		if trace != nil {
			trace.IncCounter(ingesttrace.StageDropped("db_error"))
		}
		return err
	}
	if trace != nil {
		if inserted {
			trace.IncCounter(ingesttrace.StageWrittenToDB)
		} else {
			trace.IncCounter(ingesttrace.StageDropped("duplicate"))
		}
	}
	return nil
}

// WriteMessage inserts the sender, the message and the sender's badges for the
// message's chatroom in one transaction. It reports whether the message row
// was new.
func (s *SQLiteSink) WriteMessage(ctx context.Context, msg core.ChatMessage) (inserted bool, err error) {
	if strings.TrimSpace(msg.ID) == "" {
		return false, errors.New("insert message: empty id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin tx")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const insertSender = `INSERT OR IGNORE INTO senders (id, username, slug, color) VALUES (?, ?, ?, ?);`
	if _, err = tx.ExecContext(ctx, insertSender, msg.Sender.ID, msg.Sender.Username, msg.Sender.Slug, msg.Sender.Color); err != nil {
		return false, errors.Wrap(err, "insert sender")
	}

	var replyID, replySender, replyContent any
	if msg.ReplyTo != nil {
		replyID, replySender, replyContent = msg.ReplyTo.MessageID, msg.ReplyTo.SenderUsername, msg.ReplyTo.Content
	}
	const insertMessage = `INSERT OR IGNORE INTO messages
  (id, chatroom_id, content, type, created_at, sender_id, reply_to_id, reply_to_sender, reply_to_content)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`
	res, err := tx.ExecContext(ctx, insertMessage, msg.ID, msg.ChatroomID, msg.Content, nz(msg.Type, "message"),
		NormalizeTimestamp(msg.CreatedAt), msg.Sender.ID, replyID, replySender, replyContent)
	if err != nil {
		return false, errors.Wrap(err, "insert message")
	}
	if n, rerr := res.RowsAffected(); rerr == nil {
		inserted = n > 0
	}

	const insertBadge = `INSERT OR IGNORE INTO badges (type, text, count) VALUES (?, ?, ?);`
	const linkBadge = `INSERT OR IGNORE INTO sender_badges (sender_id, badge_id, chatroom_id)
SELECT ?, id, ? FROM badges WHERE type = ? AND text = ? AND count IS ?;`
	for _, b := range msg.Sender.Badges {
		var count any
		if b.Count != nil {
			count = *b.Count
		}
		if _, err = tx.ExecContext(ctx, insertBadge, b.Type, b.Text, count); err != nil {
			return false, errors.Wrap(err, "insert badge")
		}
		if _, err = tx.ExecContext(ctx, linkBadge, msg.Sender.ID, msg.ChatroomID, b.Type, b.Text, count); err != nil {
			return false, errors.Wrap(err, "insert sender badge")
		}
	}

	if err = tx.Commit(); err != nil {
		return false, errors.Wrap(err, "commit message")
	}
	return inserted, nil
}

// EnsureChatroom records a chatroom if it is not known yet.
func (s *SQLiteSink) EnsureChatroom(ctx context.Context, id int64, name string) error {
	_, err := s.CreateChatroom(ctx, id, name)
	return err
}

// CreateChatroom is EnsureChatroom that also reports whether the row is new.
func (s *SQLiteSink) CreateChatroom(ctx context.Context, id int64, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO chatrooms (id, name) VALUES (?, ?);`, id, name)
	if err != nil {
		return false, errors.Wrap(err, "insert chatroom")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "insert chatroom")
	}
	return n > 0, nil
}

// DeleteChatroom removes a chatroom together with its messages and badge
// links. Senders and badges are shared across chatrooms and stay.
func (s *SQLiteSink) DeleteChatroom(ctx context.Context, id int64) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	steps := []struct {
		query string
		label string
	}{
		{`DELETE FROM messages WHERE chatroom_id = ?;`, "delete messages"},
		{`DELETE FROM sender_badges WHERE chatroom_id = ?;`, "delete sender badges"},
		{`DELETE FROM chatrooms WHERE id = ?;`, "delete chatroom"},
	}
	for _, step := range steps {
		if _, err = tx.ExecContext(ctx, step.query, id); err != nil {
			return errors.Wrap(err, step.label)
		}
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit delete chatroom")
	}
	return nil
}

// Cleanup deletes the oldest messages of a chatroom so at most keep rows
// remain, and returns how many rows were removed.
func (s *SQLiteSink) Cleanup(ctx context.Context, chatroomID int64, keep int) (deleted int64, err error) {
	if keep < 0 {
		return 0, errors.Errorf("cleanup: negative keep %d", keep)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin tx")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var count int64
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE chatroom_id = ?;`, chatroomID).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "count messages")
	}
	excess := count - int64(keep)
	if excess <= 0 {
		err = tx.Commit()
		return 0, errors.Wrap(err, "commit cleanup")
	}

	const q = `DELETE FROM messages WHERE rowid IN (
  SELECT rowid FROM messages
  WHERE chatroom_id = ?
  ORDER BY created_at ASC, rowid ASC
  LIMIT ?
);`
	res, err := tx.ExecContext(ctx, q, chatroomID, excess)
	if err != nil {
		return 0, errors.Wrap(err, "delete oldest messages")
	}
	deleted, _ = res.RowsAffected()
	if err = tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit cleanup")
	}
	return deleted, nil
}

func (s *SQLiteSink) CountMessages(ctx context.Context, chatroomID int64) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE chatroom_id = ?;`, chatroomID).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

func (s *SQLiteSink) ListChatrooms(ctx context.Context) ([]core.Chatroom, error) {
	const q = `SELECT c.id, c.name, COUNT(m.id)
FROM chatrooms c LEFT JOIN messages m ON m.chatroom_id = c.id
GROUP BY c.id, c.name
ORDER BY c.id;`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "list chatrooms")
	}
	defer rows.Close()

	var out []core.Chatroom
	for rows.Next() {
		var room core.Chatroom
		if err := rows.Scan(&room.ID, &room.Name, &room.Messages); err != nil {
			return nil, errors.Wrap(err, "scan chatroom")
		}
		out = append(out, room)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate chatrooms")
	}
	return out, nil
}

// NormalizeTimestamp rewrites RFC 3339 timestamps into the stored fixed-width
// UTC form. Anything unparsable is returned trimmed but otherwise unchanged.
func NormalizeTimestamp(raw string) string {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC().Format(storedTimeLayout)
		}
	}
	return raw
}

func nz(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
