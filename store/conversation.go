package store

// Conversation is one logical chat between a user and an agent.
type Conversation struct {
	ID int32
	// SessionID is conv_{agent_id}_{suffix}.
	SessionID    string
	AgentID      int32
	UserID       string
	Title        string
	Preview      string
	MessageCount int32
	CreatedTs    int64
	UpdatedTs    int64
}

// Suffix returns the session suffix of the conversation.
func (c *Conversation) Suffix() (SessionSuffix, error) {
	return ParseSessionID(c.AgentID, c.SessionID)
}

// FindConversation filters for ListConversations.
type FindConversation struct {
	ID        *int32
	SessionID *string
	AgentID   *int32
	UserID    *string
	Limit     *int
}

// UpdateConversation carries fields accepted by UpdateConversation. The
// updated timestamp is always refreshed.
type UpdateConversation struct {
	SessionID    string
	Title        *string
	Preview      *string
	MessageCount *int32
}

// DeleteConversation selects the conversations to delete. At least one field
// must be set.
type DeleteConversation struct {
	SessionID *string
	AgentID   *int32
	UserID    *string
}
