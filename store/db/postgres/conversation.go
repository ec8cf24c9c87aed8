package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store"
)

const conversationColumns = `id, session_id, agent_id, user_id, title, preview, message_count, created_ts, updated_ts`

func scanConversation(scanner interface{ Scan(...any) error }) (*store.Conversation, error) {
	c := &store.Conversation{}
	if err := scanner.Scan(&c.ID, &c.SessionID, &c.AgentID, &c.UserID, &c.Title, &c.Preview, &c.MessageCount, &c.CreatedTs, &c.UpdatedTs); err != nil {
		return nil, err
	}
	return c, nil
}

func (d *DB) CreateConversation(ctx context.Context, create *store.Conversation) (*store.Conversation, error) {
	stmt := `INSERT INTO conversation (session_id, agent_id, user_id, title)
	         VALUES ($1, $2, $3, $4)
	         RETURNING ` + conversationColumns
	c, err := scanConversation(d.db.QueryRowContext(ctx, stmt, create.SessionID, create.AgentID, create.UserID, create.Title))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create conversation")
	}
	return c, nil
}

func (d *DB) ListConversations(ctx context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.ID; v != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.SessionID; v != nil {
		where, args = append(where, "session_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.AgentID; v != nil {
		where, args = append(where, "agent_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.UserID; v != nil {
		where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	query := fmt.Sprintf(
		`SELECT %s FROM conversation WHERE %s ORDER BY updated_ts DESC, id DESC`,
		conversationColumns, strings.Join(where, " AND "),
	)
	if v := find.Limit; v != nil {
		query += fmt.Sprintf(" LIMIT %d", *v)
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list conversations")
	}
	defer rows.Close()

	var list []*store.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

func (d *DB) UpdateConversation(ctx context.Context, update *store.UpdateConversation) (*store.Conversation, error) {
	set, args := []string{}, []any{}
	if v := update.Title; v != nil {
		set, args = append(set, "title = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.Preview; v != nil {
		set, args = append(set, "preview = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.MessageCount; v != nil {
		set, args = append(set, "message_count = "+placeholder(len(args)+1)), append(args, *v)
	}
	set = append(set, "updated_ts = EXTRACT(EPOCH FROM NOW())")
	args = append(args, update.SessionID)
	stmt := fmt.Sprintf(
		`UPDATE conversation SET %s WHERE session_id = %s RETURNING %s`,
		strings.Join(set, ", "), placeholder(len(args)), conversationColumns,
	)
	c, err := scanConversation(d.db.QueryRowContext(ctx, stmt, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to update conversation")
	}
	return c, nil
}

func (d *DB) DeleteConversations(ctx context.Context, del *store.DeleteConversation) error {
	where, args := []string{"1 = 1"}, []any{}
	if v := del.SessionID; v != nil {
		where, args = append(where, "session_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := del.AgentID; v != nil {
		where, args = append(where, "agent_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := del.UserID; v != nil {
		where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	stmt := `DELETE FROM conversation WHERE ` + strings.Join(where, " AND ")
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return errors.Wrap(err, "failed to delete conversations")
	}
	return nil
}
