package postgres

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store"
)

func (d *DB) GetCheckpoint(ctx context.Context, threadID string) (*store.CheckpointRecord, error) {
	r := &store.CheckpointRecord{}
	err := d.db.QueryRowContext(ctx,
		`SELECT thread_id, data, step, updated_ts FROM checkpoint WHERE thread_id = $1`, threadID,
	).Scan(&r.ThreadID, &r.Data, &r.Step, &r.UpdatedTs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get checkpoint")
	}
	return r, nil
}

func (d *DB) SaveCheckpoint(ctx context.Context, record *store.CheckpointRecord, expectedStep int32) error {
	var (
		result sql.Result
		err    error
	)
	if expectedStep == 0 {
		result, err = d.db.ExecContext(ctx,
			`INSERT INTO checkpoint (thread_id, data, step) VALUES ($1, $2, $3) ON CONFLICT (thread_id) DO NOTHING`,
			record.ThreadID, record.Data, record.Step)
	} else {
		result, err = d.db.ExecContext(ctx,
			`UPDATE checkpoint SET data = $1, step = $2, updated_ts = EXTRACT(EPOCH FROM NOW()) WHERE thread_id = $3 AND step = $4`,
			record.Data, record.Step, record.ThreadID, expectedStep)
	}
	if err != nil {
		return errors.Wrap(err, "failed to save checkpoint")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to save checkpoint")
	}
	if affected == 0 {
		return errors.Wrapf(store.ErrCheckpointConflict, "thread %s expected step %d", record.ThreadID, expectedStep)
	}
	return nil
}

func (d *DB) DeleteCheckpoint(ctx context.Context, threadID string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM checkpoint WHERE thread_id = $1`, threadID); err != nil {
		return errors.Wrap(err, "failed to delete checkpoint")
	}
	return nil
}

func (d *DB) IncrementAgentUsage(ctx context.Context, agentID int32, userID string) error {
	stmt := `INSERT INTO agent_usage (agent_id, user_id, request_count) VALUES ($1, $2, 1)
	         ON CONFLICT (agent_id, user_id) DO UPDATE SET
	           request_count = agent_usage.request_count + 1,
	           last_used_ts = EXTRACT(EPOCH FROM NOW())`
	if _, err := d.db.ExecContext(ctx, stmt, agentID, userID); err != nil {
		return errors.Wrap(err, "failed to increment agent usage")
	}
	return nil
}

func (d *DB) GetAgentUsage(ctx context.Context, agentID int32) (int64, error) {
	var total int64
	err := d.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(request_count), 0) FROM agent_usage WHERE agent_id = $1`, agentID,
	).Scan(&total)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get agent usage")
	}
	return total, nil
}
