package mysql

import (
	"context"
	"database/sql"

	"github.com/go-sql-driver/mysql"
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
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse dsn: %s", dsn)
	}
	cfg.ParseTime = false
	cfg.MultiStatements = false
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		"CREATE TABLE IF NOT EXISTS `conversation` (" +
			"`id` INT NOT NULL AUTO_INCREMENT PRIMARY KEY," +
			"`session_id` VARCHAR(256) NOT NULL UNIQUE," +
			"`agent_id` INT NOT NULL," +
			"`user_id` VARCHAR(256) NOT NULL," +
			"`title` TEXT NOT NULL," +
			"`preview` TEXT NOT NULL," +
			"`message_count` INT NOT NULL DEFAULT 0," +
			"`created_ts` TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP," +
			"`updated_ts` TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP," +
			"INDEX `idx_conversation_agent_user` (`agent_id`, `user_id`))",
		"CREATE TABLE IF NOT EXISTS `checkpoint` (" +
			"`thread_id` VARCHAR(256) NOT NULL PRIMARY KEY," +
			"`data` LONGBLOB NOT NULL," +
			"`step` INT NOT NULL DEFAULT 0," +
			"`updated_ts` TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP)",
		"CREATE TABLE IF NOT EXISTS `agent_usage` (" +
			"`agent_id` INT NOT NULL," +
			"`user_id` VARCHAR(256) NOT NULL," +
			"`request_count` BIGINT NOT NULL DEFAULT 0," +
			"`last_used_ts` TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP," +
			"PRIMARY KEY (`agent_id`, `user_id`))",
	}
	for _, s := range stmts {
		if _, err := d.db.ExecContext(ctx, s); err != nil {
			return errors.Wrap(err, "failed to migrate")
		}
	}
	return nil
}
