package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"
	// Import the pure-Go SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store"
)

type DB struct {
	db *sql.DB
}

// NewDB opens a SQLite database. An empty or ":memory:" dsn gives a private
// in-memory database.
func NewDB(dsn string) (store.Driver, error) {
	memory := dsn == "" || dsn == ":memory:"
	if memory {
		dsn = ":memory:"
	} else if !strings.Contains(dsn, "_pragma") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
	}
	sqliteDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", dsn)
	}
	if memory {
		// every connection to :memory: is a separate database
		sqliteDB.SetMaxOpenConns(1)
	}
	return &DB{db: sqliteDB}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id    TEXT    NOT NULL UNIQUE,
			agent_id      INTEGER NOT NULL,
			user_id       TEXT    NOT NULL,
			title         TEXT    NOT NULL DEFAULT 'New Chat',
			preview       TEXT    NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			created_ts    BIGINT  NOT NULL DEFAULT (strftime('%s', 'now')),
			updated_ts    BIGINT  NOT NULL DEFAULT (strftime('%s', 'now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_agent_user ON conversation(agent_id, user_id)`,
		`CREATE TABLE IF NOT EXISTS checkpoint (
			thread_id  TEXT    NOT NULL PRIMARY KEY,
			data       BLOB    NOT NULL,
			step       INTEGER NOT NULL DEFAULT 0,
			updated_ts BIGINT  NOT NULL DEFAULT (strftime('%s', 'now'))
		)`,
		`CREATE TABLE IF NOT EXISTS agent_usage (
			agent_id      INTEGER NOT NULL,
			user_id       TEXT    NOT NULL,
			request_count BIGINT  NOT NULL DEFAULT 0,
			last_used_ts  BIGINT  NOT NULL DEFAULT (strftime('%s', 'now')),
			PRIMARY KEY (agent_id, user_id)
		)`,
	}
	for _, s := range stmts {
		if _, err := d.db.ExecContext(ctx, s); err != nil {
			return errors.Wrap(err, "failed to migrate")
		}
	}
	return nil
}
