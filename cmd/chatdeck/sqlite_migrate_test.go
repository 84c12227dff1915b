package main

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/you/chatdeck/internal/sink"
)

const legacySchema = `CREATE TABLE senders (id INTEGER PRIMARY KEY, username TEXT, slug TEXT, color TEXT);
CREATE TABLE messages (id TEXT PRIMARY KEY, chatroom_id INTEGER, content TEXT, created_at TEXT, sender_id INTEGER, FOREIGN KEY(sender_id) REFERENCES senders(id));
CREATE TABLE badges (id INTEGER PRIMARY KEY AUTOINCREMENT, type TEXT NOT NULL, text TEXT NOT NULL, count INTEGER, UNIQUE(type, text, count));
CREATE TABLE sender_badges (sender_id INTEGER, badge_id INTEGER, chatroom_id INTEGER, PRIMARY KEY (sender_id, badge_id, chatroom_id));`

const legacySeed = `INSERT INTO senders (id, username, slug, color) VALUES (7, 'alice', 'alice', NULL), (8, 'bob', NULL, '#00FF00');
INSERT INTO messages (id, chatroom_id, content, created_at, sender_id) VALUES
  ('m1', 100, 'first', '2025-03-01T12:00:00+00:00', 7),
  ('m2', 100, NULL, '2025-03-01T12:00:01.5+00:00', 8),
  ('m3', 200, 'other room', 'not a timestamp', 7);
INSERT INTO badges (id, type, text, count) VALUES
  (1, 'moderator', 'Moderator', NULL),
  (2, 'moderator', 'Moderator', NULL),
  (3, 'subscriber', 'Subscriber', 3);
INSERT INTO sender_badges (sender_id, badge_id, chatroom_id) VALUES
  (7, 1, 100),
  (7, 2, 100),
  (8, 2, 100),
  (8, 3, 100);`

func openLegacy(t *testing.T) (*sql.DB, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(legacySchema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	if _, err := db.Exec(legacySeed); err != nil {
		t.Fatalf("seed rows: %v", err)
	}
	return db, dbPath
}

func TestMigrateSQLite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db, _ := openLegacy(t)

	if err := migrateSQLite(ctx, db); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}

	cols, err := sqliteTableInfo(ctx, db, "messages")
	if err != nil {
		t.Fatalf("inspect columns: %v", err)
	}
	for _, name := range []string{"type", "reply_to_id", "reply_to_sender", "reply_to_content"} {
		if _, ok := cols[name]; !ok {
			t.Fatalf("expected %s column to exist", name)
		}
	}
	if typ := cols["type"]; !typ.NotNull || typ.DefaultText != "'message'" {
		t.Fatalf("expected type column NOT NULL with default, got %+v", typ)
	}

	var badges int
	if err := db.QueryRow(`SELECT COUNT(*) FROM badges;`).Scan(&badges); err != nil {
		t.Fatalf("count badges: %v", err)
	}
	if badges != 2 {
		t.Fatalf("expected duplicate moderator badge collapsed, got %d badges", badges)
	}
	var dangling int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sender_badges WHERE badge_id NOT IN (SELECT id FROM badges);`).Scan(&dangling); err != nil {
		t.Fatalf("count dangling: %v", err)
	}
	if dangling != 0 {
		t.Fatalf("expected sender badges repointed, %d dangling", dangling)
	}
	var bobMod int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sender_badges WHERE sender_id = 8 AND badge_id = 1;`).Scan(&bobMod); err != nil {
		t.Fatalf("count bob moderator: %v", err)
	}
	if bobMod != 1 {
		t.Fatalf("expected bob's moderator link moved to badge 1")
	}

	if _, err := db.Exec(`INSERT INTO badges (type, text, count) VALUES ('moderator', 'Moderator', NULL);`); err == nil {
		t.Fatalf("expected identity index to reject a NULL-count duplicate")
	}

	var created string
	if err := db.QueryRow(`SELECT created_at FROM messages WHERE id = 'm2';`).Scan(&created); err != nil {
		t.Fatalf("read created_at: %v", err)
	}
	if created != "2025-03-01T12:00:01.500000Z" {
		t.Fatalf("unexpected normalized created_at %q", created)
	}
	if err := db.QueryRow(`SELECT created_at FROM messages WHERE id = 'm3';`).Scan(&created); err != nil {
		t.Fatalf("read created_at: %v", err)
	}
	if created != "not a timestamp" {
		t.Fatalf("unparsable timestamp must be kept, got %q", created)
	}

	var rooms int
	if err := db.QueryRow(`SELECT COUNT(*) FROM chatrooms;`).Scan(&rooms); err != nil {
		t.Fatalf("count chatrooms: %v", err)
	}
	if rooms != 2 {
		t.Fatalf("expected chatrooms backfilled, got %d", rooms)
	}

	hasIndex, err := sqliteHasIndex(ctx, db, "messages", "messages_chatroom_created")
	if err != nil || !hasIndex {
		t.Fatalf("expected chatroom index, err=%v", err)
	}
	if v, err := sqliteUserVersion(ctx, db); err != nil || v != schemaVersion {
		t.Fatalf("user_version = %d, err=%v", v, err)
	}

	if err := migrateSQLite(ctx, db); err != nil {
		t.Fatalf("second migrate should be a no-op, got %v", err)
	}
}

func TestMigratedDatabaseServesHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db, path := openLegacy(t)
	db.Close()

	if err := migrateSQLiteFile(ctx, path); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s, err := sink.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open migrated db: %v", err)
	}
	defer s.Close()

	rows, err := s.History(ctx, 100, "", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != "m2" || rows[1].ID != "m1" {
		t.Fatalf("unexpected history: %+v", rows)
	}
	if rows[0].Type != "message" || rows[0].Content != "" {
		t.Fatalf("expected defaults on migrated row, got %+v", rows[0])
	}
	if len(rows[0].Sender.Badges) != 2 {
		t.Fatalf("expected bob to keep two badges, got %+v", rows[0].Sender.Badges)
	}

	list, err := s.ListChatrooms(ctx)
	if err != nil {
		t.Fatalf("list chatrooms: %v", err)
	}
	if len(list) != 2 || list[0].Messages != 2 {
		t.Fatalf("unexpected chatrooms: %+v", list)
	}
}

func TestMigrateFreshDatabase(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "fresh.db")
	if err := migrateSQLiteFile(context.Background(), path); err != nil {
		t.Fatalf("migrate fresh db: %v", err)
	}
	s, err := sink.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open fresh db: %v", err)
	}
	defer s.Close()
	if err := s.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
