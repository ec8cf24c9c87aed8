package postgres

import (
	"context"
	"database/sql"
	"fmt"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store"
)

type DB struct {
	db *sql.DB
}

func NewDB(dsn string) (store.Driver, error) {
	if dsn == "" {
		return nil, errors.New("dsn required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", dsn)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation (
			id            SERIAL  PRIMARY KEY,
			session_id    TEXT    NOT NULL UNIQUE,
			agent_id      INTEGER NOT NULL,
			user_id       TEXT    NOT NULL,
			title         TEXT    NOT NULL DEFAULT 'New Chat',
			preview       TEXT    NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			created_ts    BIGINT  NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW()),
			updated_ts    BIGINT  NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_agent_user ON conversation(agent_id, user_id)`,
		`CREATE TABLE IF NOT EXISTS checkpoint (
			thread_id  TEXT    NOT NULL PRIMARY KEY,
			data       BYTEA   NOT NULL,
			step       INTEGER NOT NULL DEFAULT 0,
			updated_ts BIGINT  NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())
		)`,
		`CREATE TABLE IF NOT EXISTS agent_usage (
			agent_id      INTEGER NOT NULL,
			user_id       TEXT    NOT NULL,
			request_count BIGINT  NOT NULL DEFAULT 0,
			last_used_ts  BIGINT  NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW()),
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

func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}
