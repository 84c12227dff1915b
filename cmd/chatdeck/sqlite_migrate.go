package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/you/chatdeck/internal/sink"
)

const schemaVersion = 2

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// migrateSQLiteFile upgrades a database written by an older schema in place.
// It must run before sink.OpenSQLite, whose schema creates the badge identity
// index that old duplicate rows would violate.
func migrateSQLiteFile(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("sqlite: open for migrate: %w", err)
	}
	defer db.Close()
	return migrateSQLite(ctx, db)
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	path := sqlitePath(ctx, db)
	userVersion, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}

	log.Printf("chatdeck: sqlite: path=%s user_version=%d", path, userVersion)

	columns, err := sqliteTableInfo(ctx, db, "messages")
	if err != nil {
		return fmt.Errorf("sqlite: describe messages: %w", err)
	}
	if len(columns) == 0 {
		log.Printf("chatdeck: sqlite: messages table missing; skipping migration")
		return nil
	}

	addColumns := []struct {
		name string
		ddl  string
	}{
		{"type", `ALTER TABLE messages ADD COLUMN type TEXT NOT NULL DEFAULT 'message';`},
		{"reply_to_id", `ALTER TABLE messages ADD COLUMN reply_to_id TEXT;`},
		{"reply_to_sender", `ALTER TABLE messages ADD COLUMN reply_to_sender TEXT;`},
		{"reply_to_content", `ALTER TABLE messages ADD COLUMN reply_to_content TEXT;`},
	}
	for _, col := range addColumns {
		if _, ok := columns[col.name]; ok {
			continue
		}
		if _, err := db.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("sqlite: ensure %s column: %w", col.name, err)
		}
		log.Printf("chatdeck: sqlite: added %s column to messages", col.name)
	}

	normalize := []struct {
		query string
		label string
	}{
		{`UPDATE messages SET content='' WHERE content IS NULL;`, "messages.content"},
		{`UPDATE senders SET username='' WHERE username IS NULL;`, "senders.username"},
		{`UPDATE senders SET slug='' WHERE slug IS NULL;`, "senders.slug"},
		{`UPDATE senders SET color='' WHERE color IS NULL;`, "senders.color"},
	}
	for _, step := range normalize {
		res, execErr := db.ExecContext(ctx, step.query)
		if execErr != nil {
			if isMissingTable(execErr) {
				continue
			}
			return fmt.Errorf("sqlite: normalize %s: %w", step.label, execErr)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			log.Printf("chatdeck: sqlite: normalized %s nulls=%d", step.label, n)
		}
	}

	rewritten, err := normalizeCreatedAt(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: normalize created_at: %w", err)
	}
	if rewritten > 0 {
		log.Printf("chatdeck: sqlite: rewrote %d created_at values", rewritten)
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS chatrooms (id INTEGER PRIMARY KEY, name TEXT NOT NULL DEFAULT '');`); err != nil {
		return fmt.Errorf("sqlite: ensure chatrooms: %w", err)
	}
	if res, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO chatrooms (id)
SELECT DISTINCT chatroom_id FROM messages WHERE chatroom_id IS NOT NULL;`); err != nil {
		return fmt.Errorf("sqlite: backfill chatrooms: %w", err)
	} else if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Printf("chatdeck: sqlite: backfilled %d chatrooms", n)
	}

	badgeCols, err := sqliteTableInfo(ctx, db, "badges")
	if err != nil {
		return fmt.Errorf("sqlite: describe badges: %w", err)
	}
	if len(badgeCols) > 0 {
		removed, err := dedupeBadges(ctx, db)
		if err != nil {
			return fmt.Errorf("sqlite: dedupe badges: %w", err)
		}
		if removed > 0 {
			log.Printf("chatdeck: sqlite: removed %d duplicate badges", removed)
		}
		if _, err := db.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS badges_identity ON badges (type, text, IFNULL(count, -1));`); err != nil {
			return fmt.Errorf("sqlite: ensure badges_identity: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS messages_chatroom_created ON messages (chatroom_id, created_at);`); err != nil {
		return fmt.Errorf("sqlite: ensure messages_chatroom_created: %w", err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, schemaVersion)); err != nil {
		return fmt.Errorf("sqlite: set user_version: %w", err)
	}

	hasChatroomIndex, err := sqliteHasIndex(ctx, db, "messages", "messages_chatroom_created")
	if err != nil {
		return fmt.Errorf("sqlite: inspect indices: %w", err)
	}
	hasBadgeIndex := false
	if len(badgeCols) > 0 {
		if hasBadgeIndex, err = sqliteHasIndex(ctx, db, "badges", "badges_identity"); err != nil {
			return fmt.Errorf("sqlite: inspect indices: %w", err)
		}
	}

	log.Printf("chatdeck: sqlite: user_version=%d messages_chatroom_created=%v badges_identity=%v",
		schemaVersion,
		hasChatroomIndex,
		hasBadgeIndex,
	)

	return nil
}

// normalizeCreatedAt rewrites timestamps that are not already in the stored
// fixed-width form.
func normalizeCreatedAt(ctx context.Context, db *sql.DB) (int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT rowid, created_at FROM messages
WHERE created_at IS NOT NULL AND created_at NOT GLOB '[0-9][0-9][0-9][0-9]-[0-9][0-9]-[0-9][0-9]T[0-9][0-9]:[0-9][0-9]:[0-9][0-9].[0-9][0-9][0-9][0-9][0-9][0-9]Z';`)
	if err != nil {
		return 0, err
	}
	type pending struct {
		rowid int64
		value string
	}
	var updates []pending
	for rows.Next() {
		var (
			rowid int64
			raw   string
		)
		if err := rows.Scan(&rowid, &raw); err != nil {
			rows.Close()
			return 0, err
		}
		if norm := sink.NormalizeTimestamp(raw); norm != raw {
			updates = append(updates, pending{rowid: rowid, value: norm})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	if len(updates) == 0 {
		return 0, nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET created_at = ? WHERE rowid = ?;`, u.value, u.rowid); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int64(len(updates)), nil
}

// dedupeBadges collapses badges that share (type, text, count), treating NULL
// counts as equal, onto the lowest id and repoints sender links.
func dedupeBadges(ctx context.Context, db *sql.DB) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	steps := []string{
		`CREATE TEMP TABLE badge_canon AS
SELECT b.id AS id, (
  SELECT MIN(k.id) FROM badges k
  WHERE k.type = b.type AND k.text = b.text AND IFNULL(k.count, -1) = IFNULL(b.count, -1)
) AS canon
FROM badges b;`,
	}
	linked, err := tableExists(ctx, tx, "sender_badges")
	if err != nil {
		return 0, err
	}
	if linked {
		steps = append(steps,
			`UPDATE OR IGNORE sender_badges
SET badge_id = (SELECT canon FROM badge_canon WHERE badge_canon.id = sender_badges.badge_id)
WHERE badge_id IN (SELECT id FROM badge_canon WHERE id != canon);`,
			`DELETE FROM sender_badges WHERE badge_id IN (SELECT id FROM badge_canon WHERE id != canon);`,
		)
	}
	for _, q := range steps {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return 0, err
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM badges WHERE id IN (SELECT id FROM badge_canon WHERE id != canon);`)
	if err != nil {
		return 0, err
	}
	removed, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DROP TABLE badge_canon;`); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return removed, nil
}

func tableExists(ctx context.Context, tx *sql.Tx, table string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?;`, table).Scan(&n)
	return n > 0, err
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	if err := rows.Err(); err != nil {
		return "(unknown)"
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var userVersion int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return 0, err
	}
	return userVersion, nil
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		lower := strings.ToLower(strings.TrimSpace(name))
		out[lower] = sqliteColumn{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func sqliteHasIndex(ctx context.Context, db *sql.DB, table, index string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list('%s');`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), index) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return false, nil
}
