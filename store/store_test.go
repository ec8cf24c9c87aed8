package store_test

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/llm"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store/db/mysql"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store/db/postgres"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store/db/sqlite"
)

// drivers returns every backend available in the current environment.
// Postgres and MySQL run in containers when TEST_DOCKER is set; an existing
// MySQL server can be used through TEST_MYSQL_DSN instead.
func drivers(t *testing.T) map[string]func(t *testing.T) store.Driver {
	t.Helper()
	list := map[string]func(t *testing.T) store.Driver{
		"sqlite": func(t *testing.T) store.Driver {
			driver, err := sqlite.NewDB(":memory:")
			require.NoError(t, err)
			return driver
		},
	}
	if os.Getenv("TEST_DOCKER") != "" {
		list["postgres"] = newPostgresDriver
		list["mysql"] = newMySQLDriver
	}
	if dsn := os.Getenv("TEST_MYSQL_DSN"); dsn != "" {
		list["mysql"] = func(t *testing.T) store.Driver {
			driver, err := mysql.NewDB(dsn)
			require.NoError(t, err)
			return driver
		}
	}
	return list
}

func newPostgresDriver(t *testing.T) store.Driver {
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("agentcore"),
		tcpostgres.WithUsername("agentcore"),
		tcpostgres.WithPassword("agentcore"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	driver, err := postgres.NewDB(dsn)
	require.NoError(t, err)
	return driver
}

func newMySQLDriver(t *testing.T) store.Driver {
	ctx := context.Background()
	container, err := tcmysql.Run(ctx, "mysql:8.0.36",
		tcmysql.WithDatabase("agentcore"),
		tcmysql.WithUsername("agentcore"),
		tcmysql.WithPassword("agentcore"),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	driver, err := mysql.NewDB(dsn)
	require.NoError(t, err)
	return driver
}

var agentSeq atomic.Int32

// nextAgentID keeps runs against a shared database from seeing each
// other's rows.
func nextAgentID() int32 {
	agentSeq.CompareAndSwap(0, int32(time.Now().Unix()%100_000)*1000)
	return agentSeq.Add(1)
}

func newStore(t *testing.T, newDriver func(t *testing.T) store.Driver) *store.Store {
	t.Helper()
	ts := store.New(newDriver(t), nil)
	require.NoError(t, ts.Migrate(context.Background()))
	t.Cleanup(func() { _ = ts.Close() })
	return ts
}

func TestStore(t *testing.T) {
	for name, newDriver := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ts := newStore(t, newDriver)
			t.Run("Conversations", func(t *testing.T) { testConversations(t, ts) })
			t.Run("Sessions", func(t *testing.T) { testSessions(t, ts) })
			t.Run("Checkpoints", func(t *testing.T) { testCheckpoints(t, ts) })
			t.Run("Usage", func(t *testing.T) { testUsage(t, ts) })
		})
	}
}

func testConversations(t *testing.T, ts *store.Store) {
	ctx := context.Background()
	agentID, userID := nextAgentID(), "alice"

	first, err := ts.CreateSession(ctx, agentID, userID, "")
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, store.DefaultConversationTitle, first.Conversation.Title)
	assert.Equal(t, agentID, first.Conversation.AgentID)
	assert.NotZero(t, first.Conversation.CreatedTs)

	second, err := ts.CreateSession(ctx, agentID, userID, "Second")
	require.NoError(t, err)

	list, err := ts.ListConversations(ctx, &store.FindConversation{AgentID: &agentID, UserID: &userID})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].SessionID)

	title, preview, count := "Renamed", "hello there", int32(2)
	updated, err := ts.UpdateConversation(ctx, &store.UpdateConversation{
		SessionID:    first.ID,
		Title:        &title,
		Preview:      &preview,
		MessageCount: &count,
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Title)
	assert.Equal(t, "hello there", updated.Preview)
	assert.Equal(t, int32(2), updated.MessageCount)

	_, err = ts.UpdateConversation(ctx, &store.UpdateConversation{SessionID: store.FormatSessionID(agentID, "missing"), Title: &title})
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.Error(t, ts.DeleteConversations(ctx, &store.DeleteConversation{}))
	require.NoError(t, ts.DeleteConversations(ctx, &store.DeleteConversation{SessionID: &first.ID}))
	list, err = ts.ListConversations(ctx, &store.FindConversation{AgentID: &agentID, UserID: &userID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, second.ID, list[0].SessionID)
}

func testSessions(t *testing.T, ts *store.Store) {
	ctx := context.Background()
	agentID := nextAgentID()

	created, err := ts.GetSession(ctx, agentID, "alice", "")
	require.NoError(t, err)
	assert.True(t, created.Created)

	reused, err := ts.GetSession(ctx, agentID, "alice", "")
	require.NoError(t, err)
	assert.False(t, reused.Created)
	assert.Equal(t, created.ID, reused.ID)

	bySuffix, err := ts.GetSession(ctx, agentID, "alice", created.Suffix.String())
	require.NoError(t, err)
	assert.Equal(t, created.ID, bySuffix.ID)

	byID, err := ts.GetSession(ctx, agentID, "alice", created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Suffix, byID.Suffix)

	_, err = ts.GetSession(ctx, agentID, "bob", created.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = ts.GetSession(ctx, agentID, "alice", "unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = ts.GetSession(ctx, agentID, "alice", store.FormatSessionID(agentID+1, created.Suffix))
	assert.ErrorIs(t, err, store.ErrInvalidSessionID)
}

func testCheckpoints(t *testing.T, ts *store.Store) {
	ctx := context.Background()
	threadID := fmt.Sprintf("thread_%d_abc", nextAgentID())

	missing, err := ts.GetCheckpoint(ctx, threadID)
	require.NoError(t, err)
	assert.Nil(t, missing)

	messages := []llm.Message{
		llm.System("be brief"),
		llm.Human("what's the weather?"),
		llm.AI("", llm.ToolCall{ID: "c1", Name: "weather", Arguments: `{"city":"Bilbao"}`}),
		llm.ToolResult("c1", "weather", "rain"),
		llm.AI("It rains."),
	}
	require.NoError(t, ts.SaveCheckpoint(ctx, &store.Checkpoint{ThreadID: threadID, Messages: messages, Step: 3}, 0))

	got, err := ts.GetCheckpoint(ctx, threadID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int32(3), got.Step)
	assert.Equal(t, messages, got.Messages)

	messages = append(messages, llm.Human("thanks"))
	require.NoError(t, ts.SaveCheckpoint(ctx, &store.Checkpoint{ThreadID: threadID, Messages: messages, Step: 4}, 3))
	got, err = ts.GetCheckpoint(ctx, threadID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 6)
	assert.Equal(t, int32(4), got.Step)

	// A writer that loaded step 3 lost the race to the save above.
	stale := &store.Checkpoint{ThreadID: threadID, Messages: messages[:2], Step: 4}
	assert.ErrorIs(t, ts.SaveCheckpoint(ctx, stale, 3), store.ErrCheckpointConflict)
	// A writer that saw no checkpoint cannot overwrite one.
	assert.ErrorIs(t, ts.SaveCheckpoint(ctx, stale, 0), store.ErrCheckpointConflict)
	assert.Error(t, ts.SaveCheckpoint(ctx, stale, 4))
	got, err = ts.GetCheckpoint(ctx, threadID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 6)

	require.NoError(t, ts.DeleteCheckpoint(ctx, threadID))
	require.NoError(t, ts.DeleteCheckpoint(ctx, threadID))
	got, err = ts.GetCheckpoint(ctx, threadID)
	require.NoError(t, err)
	assert.Nil(t, got)

	// A turn still running on a reset thread cannot resurrect it.
	assert.ErrorIs(t, ts.SaveCheckpoint(ctx, &store.Checkpoint{ThreadID: threadID, Messages: messages, Step: 5}, 4), store.ErrCheckpointConflict)
}

func testUsage(t *testing.T, ts *store.Store) {
	ctx := context.Background()

	agentID, otherID := nextAgentID(), nextAgentID()

	total, err := ts.GetAgentUsage(ctx, agentID)
	require.NoError(t, err)
	assert.Zero(t, total)

	require.NoError(t, ts.IncrementAgentUsage(ctx, agentID, "alice"))
	require.NoError(t, ts.IncrementAgentUsage(ctx, agentID, "alice"))
	require.NoError(t, ts.IncrementAgentUsage(ctx, agentID, "bob"))
	require.NoError(t, ts.IncrementAgentUsage(ctx, otherID, "bob"))

	total, err = ts.GetAgentUsage(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}
