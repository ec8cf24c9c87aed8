package store

import (
	"context"
	"fmt"
)

// DefaultConversationTitle is used until a conversation gets a real title.
const DefaultConversationTitle = "New Chat"

// CreateConversation creates a new conversation.
func (s *Store) CreateConversation(ctx context.Context, create *Conversation) (*Conversation, error) {
	return s.driver.CreateConversation(ctx, create)
}

// ListConversations lists conversations matching the filter, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error) {
	return s.driver.ListConversations(ctx, find)
}

// GetConversation returns the first conversation matching the filter, or nil.
func (s *Store) GetConversation(ctx context.Context, find *FindConversation) (*Conversation, error) {
	limit := 1
	find.Limit = &limit
	list, err := s.driver.ListConversations(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// UpdateConversation updates a conversation's mutable fields.
func (s *Store) UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error) {
	return s.driver.UpdateConversation(ctx, update)
}

// DeleteConversations deletes every conversation matching del.
func (s *Store) DeleteConversations(ctx context.Context, del *DeleteConversation) error {
	if del.SessionID == nil && del.AgentID == nil && del.UserID == nil {
		return fmt.Errorf("refusing to delete conversations without a filter")
	}
	return s.driver.DeleteConversations(ctx, del)
}

// GetSession resolves the session of a user with an agent. With an explicit
// conversation id the conversation must exist and belong to the user;
// otherwise the user's most recent conversation is reused, or a new one is
// created.
func (s *Store) GetSession(ctx context.Context, agentID int32, userID, conversationID string) (*Session, error) {
	if conversationID != "" {
		suffix, err := ParseSessionID(agentID, conversationID)
		if err != nil {
			return nil, err
		}
		sessionID := FormatSessionID(agentID, suffix)
		conv, err := s.GetConversation(ctx, &FindConversation{SessionID: &sessionID, AgentID: &agentID})
		if err != nil {
			return nil, err
		}
		if conv == nil || conv.UserID != userID {
			return nil, fmt.Errorf("conversation %s: %w", sessionID, ErrNotFound)
		}
		return &Session{ID: sessionID, Suffix: suffix, Conversation: conv}, nil
	}

	conv, err := s.GetConversation(ctx, &FindConversation{AgentID: &agentID, UserID: &userID})
	if err != nil {
		return nil, err
	}
	if conv != nil {
		suffix, err := conv.Suffix()
		if err != nil {
			return nil, err
		}
		return &Session{ID: conv.SessionID, Suffix: suffix, Conversation: conv}, nil
	}
	return s.CreateSession(ctx, agentID, userID, "")
}

// CreateSession starts a new conversation with a fresh session id.
func (s *Store) CreateSession(ctx context.Context, agentID int32, userID, title string) (*Session, error) {
	if title == "" {
		title = DefaultConversationTitle
	}
	suffix := NewSessionSuffix()
	conv, err := s.driver.CreateConversation(ctx, &Conversation{
		SessionID: FormatSessionID(agentID, suffix),
		AgentID:   agentID,
		UserID:    userID,
		Title:     title,
	})
	if err != nil {
		return nil, err
	}
	return &Session{ID: conv.SessionID, Suffix: suffix, Conversation: conv, Created: true}, nil
}

// TouchSession refreshes a conversation after a turn.
func (s *Store) TouchSession(ctx context.Context, update *UpdateConversation) (*Conversation, error) {
	return s.driver.UpdateConversation(ctx, update)
}
