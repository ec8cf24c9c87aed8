package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrCheckpointConflict is returned when a checkpoint was saved by another
// turn since it was loaded.
var ErrCheckpointConflict = errors.New("checkpoint changed concurrently")

// Driver is the persistence backend of the store.
type Driver interface {
	Migrate(ctx context.Context) error
	Close() error

	CreateConversation(ctx context.Context, create *Conversation) (*Conversation, error)
	ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error)
	DeleteConversations(ctx context.Context, del *DeleteConversation) error

	GetCheckpoint(ctx context.Context, threadID string) (*CheckpointRecord, error)
	// SaveCheckpoint writes record only if the stored step still equals
	// expectedStep. An expectedStep of 0 means no checkpoint may exist yet.
	// It returns ErrCheckpointConflict when the condition does not hold.
	SaveCheckpoint(ctx context.Context, record *CheckpointRecord, expectedStep int32) error
	DeleteCheckpoint(ctx context.Context, threadID string) error

	IncrementAgentUsage(ctx context.Context, agentID int32, userID string) error
	GetAgentUsage(ctx context.Context, agentID int32) (int64, error)
}

// AgentSource resolves agent and silo configuration.
type AgentSource interface {
	GetAgent(ctx context.Context, id int32) (*Agent, error)
	GetSilo(ctx context.Context, id int32) (*Silo, error)
}

// Store provides conversation, checkpoint and agent access.
type Store struct {
	driver Driver
	agents AgentSource
	codec  *checkpointCodec
}

// New creates a new Store over driver. agents may be nil when only
// conversation data is needed.
func New(driver Driver, agents AgentSource) *Store {
	return &Store{driver: driver, agents: agents, codec: newCheckpointCodec()}
}

// Migrate creates the tables the store needs.
func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

// Close releases the driver.
func (s *Store) Close() error {
	s.codec.close()
	return s.driver.Close()
}

// GetAgent returns the agent with the given id or ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, id int32) (*Agent, error) {
	if s.agents == nil {
		return nil, ErrNotFound
	}
	return s.agents.GetAgent(ctx, id)
}

// GetSilo returns the silo with the given id or ErrNotFound.
func (s *Store) GetSilo(ctx context.Context, id int32) (*Silo, error) {
	if s.agents == nil {
		return nil, ErrNotFound
	}
	return s.agents.GetSilo(ctx, id)
}

// IncrementAgentUsage bumps the request counter of an agent for a user.
func (s *Store) IncrementAgentUsage(ctx context.Context, agentID int32, userID string) error {
	return s.driver.IncrementAgentUsage(ctx, agentID, userID)
}

// GetAgentUsage returns the total request count of an agent.
func (s *Store) GetAgentUsage(ctx context.Context, agentID int32) (int64, error) {
	return s.driver.GetAgentUsage(ctx, agentID)
}
