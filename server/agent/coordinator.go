package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/attachment"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/llm"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store"
)

// titleLength bounds titles taken from the first user message.
const titleLength = 60

// TurnRequest is one chat message sent to an agent.
type TurnRequest struct {
	AgentID int32
	Message string
	Files   []attachment.File
	User    UserContext
	// ConversationID is a session id or bare suffix; empty continues the
	// user's latest conversation.
	ConversationID string
	// Search is an extra retrieval filter for this turn.
	Search map[string]any
}

// TurnResult is the outcome of a turn.
type TurnResult struct {
	Reply      string
	Structured map[string]any
	// ConversationID is empty for agents without memory.
	ConversationID string
	// NewConversation is set when the turn started the conversation.
	NewConversation bool
	ThreadID        string
	Conversation    *store.Conversation
	Degraded        []string
	RunID           string
	Trace           []TraceEvent
}

// Coordinator runs chat turns end to end.
type Coordinator struct {
	store         *store.Store
	builder       *Builder
	preparer      *attachment.Preparer
	checkpointers CheckpointerProvider
}

// NewCoordinator wires a coordinator. preparer may be nil, in which case
// attachments are ignored.
func NewCoordinator(s *store.Store, builder *Builder, preparer *attachment.Preparer, checkpointers CheckpointerProvider) *Coordinator {
	return &Coordinator{store: s, builder: builder, preparer: preparer, checkpointers: checkpointers}
}

// ExecuteTurn resolves the agent and conversation, runs the agent graph and
// records the turn.
func (c *Coordinator) ExecuteTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	// ── 1. Resolve agent ──────────────────────────────────────────────────────
	agent, err := c.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("%w: agent %d: %w", ErrNotFound, req.AgentID, err)
	}

	// ── 2. Validate access ────────────────────────────────────────────────────
	if !agent.CanAccess(req.User.AppID, req.User.UserID) {
		return nil, fmt.Errorf("%w: agent %d", ErrAccessDenied, agent.ID)
	}

	// ── 3. Resolve session ────────────────────────────────────────────────────
	var session *store.Session
	if agent.Memory {
		session, err = c.store.GetSession(ctx, agent.ID, req.User.UserID, req.ConversationID)
		if err != nil {
			return nil, sessionError(err)
		}
	}
	threadID, err := ResolveThreadID(agent.ID, req.ConversationID, session, agent.Memory)
	if err != nil {
		return nil, sessionError(err)
	}

	// ── 4. Build graph ────────────────────────────────────────────────────────
	build, err := c.builder.Build(ctx, BuildRequest{
		Agent:  agent,
		Search: req.Search,
		User:   req.User,
		Vision: attachment.HasImages(req.Files),
	})
	if err != nil {
		return nil, err
	}
	defer build.Close()
	degraded := append([]string(nil), build.Degraded...)

	// ── 5. Prepare message ────────────────────────────────────────────────────
	content := llm.Text(req.Message)
	if c.preparer != nil && len(req.Files) > 0 {
		var skipped []string
		content, skipped = c.preparer.Prepare(ctx, req.User.UserID, req.Message, req.Files)
		if len(skipped) > 0 {
			degrade(&degraded, FeatureAttachments, "attachments skipped", "agent", agent.ID, "files", skipped)
		}
	}

	// ── 6. Invoke ─────────────────────────────────────────────────────────────
	slog.Info("[AGENT PROMPT]", "agent", agent.ID, "thread", threadID, "input", req.Message)
	state, err := build.Graph.Invoke(ctx, threadID, llm.Message{Role: llm.RoleHuman, Content: content})
	if err != nil {
		if !errors.Is(err, ErrExecution) {
			err = fmt.Errorf("%w: %w", ErrExecution, err)
		}
		return nil, err
	}
	for _, f := range state.Degraded {
		addFeature(&degraded, f)
	}

	// ── 7. Extract reply ──────────────────────────────────────────────────────
	result := &TurnResult{
		Reply:      extractReply(state.Messages),
		Structured: state.Structured,
		ThreadID:   threadID,
		Degraded:   degraded,
		RunID:      build.Trace.RunID,
		Trace:      build.Trace.Events(),
	}
	slog.Info("[AGENT RAW RESULT]", "agent", agent.ID, "thread", threadID, "answer", result.Reply)

	// ── 8. Bookkeeping ────────────────────────────────────────────────────────
	if err := c.store.IncrementAgentUsage(ctx, agent.ID, req.User.UserID); err != nil {
		slog.Warn("failed to increment agent usage", "agent", agent.ID, "err", err)
	}
	if session != nil {
		result.ConversationID = session.ID
		result.NewConversation = session.Created
		result.Conversation = c.touch(ctx, session, req.Message, result.Reply, state.Messages)
	}
	return result, nil
}

// touch refreshes the preview and message count of a conversation, and
// titles it after its first message.
func (c *Coordinator) touch(ctx context.Context, session *store.Session, message, reply string, history []llm.Message) *store.Conversation {
	preview := plainPreview(reply, PreviewLength)
	count := int32(countConversational(history))
	update := &store.UpdateConversation{
		SessionID:    session.ID,
		Preview:      &preview,
		MessageCount: &count,
	}
	if conv := session.Conversation; conv != nil && conv.Title == store.DefaultConversationTitle {
		if title := truncate(strings.Join(strings.Fields(message), " "), titleLength); title != "" {
			update.Title = &title
		}
	}
	conv, err := c.store.TouchSession(ctx, update)
	if err != nil {
		slog.Warn("failed to update conversation", "session", session.ID, "err", err)
		return session.Conversation
	}
	return conv
}

// countConversational counts the human and assistant messages that carry text.
func countConversational(messages []llm.Message) int {
	n := 0
	for _, m := range messages {
		if (m.Role == llm.RoleHuman || m.Role == llm.RoleAI) && (m.Content.HasText() || m.Content.HasImages()) {
			n++
		}
	}
	return n
}

func sessionError(err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidSessionID) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return fmt.Errorf("%w: resolve session: %w", ErrExecution, err)
}

// ─────────────────────────────────────────────────────────────────────────────
// Conversations
// ─────────────────────────────────────────────────────────────────────────────

func (c *Coordinator) accessibleAgent(ctx context.Context, agentID int32, user UserContext) (*store.Agent, error) {
	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("%w: agent %d: %w", ErrNotFound, agentID, err)
	}
	if !agent.CanAccess(user.AppID, user.UserID) {
		return nil, fmt.Errorf("%w: agent %d", ErrAccessDenied, agent.ID)
	}
	return agent, nil
}

// CreateConversation starts a new conversation of the user with an agent.
func (c *Coordinator) CreateConversation(ctx context.Context, agentID int32, user UserContext, title string) (*store.Conversation, error) {
	if _, err := c.accessibleAgent(ctx, agentID, user); err != nil {
		return nil, err
	}
	session, err := c.store.CreateSession(ctx, agentID, user.UserID, title)
	if err != nil {
		return nil, fmt.Errorf("%w: create conversation: %w", ErrExecution, err)
	}
	return session.Conversation, nil
}

// ListConversations returns the user's conversations with an agent, most
// recent first.
func (c *Coordinator) ListConversations(ctx context.Context, agentID int32, user UserContext) ([]*store.Conversation, error) {
	if _, err := c.accessibleAgent(ctx, agentID, user); err != nil {
		return nil, err
	}
	list, err := c.store.ListConversations(ctx, &store.FindConversation{AgentID: &agentID, UserID: &user.UserID})
	if err != nil {
		return nil, fmt.Errorf("%w: list conversations: %w", ErrExecution, err)
	}
	return list, nil
}

// ResetConversation deletes one conversation, or every conversation of the
// user with the agent when conversationID is empty. Checkpoints are dropped
// before the conversations so a failure never leaves a thread without its
// conversation row.
func (c *Coordinator) ResetConversation(ctx context.Context, agentID int32, user UserContext, conversationID string) error {
	if _, err := c.accessibleAgent(ctx, agentID, user); err != nil {
		return err
	}

	var targets []*store.Conversation
	if conversationID != "" {
		suffix, err := store.ParseSessionID(agentID, conversationID)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		sessionID := store.FormatSessionID(agentID, suffix)
		conv, err := c.store.GetConversation(ctx, &store.FindConversation{SessionID: &sessionID, AgentID: &agentID, UserID: &user.UserID})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrExecution, err)
		}
		if conv == nil {
			return fmt.Errorf("%w: conversation %s", ErrNotFound, sessionID)
		}
		targets = append(targets, conv)
	} else {
		list, err := c.store.ListConversations(ctx, &store.FindConversation{AgentID: &agentID, UserID: &user.UserID})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrExecution, err)
		}
		targets = list
	}

	for _, conv := range targets {
		suffix, err := conv.Suffix()
		if err != nil {
			slog.Warn("conversation with malformed session id", "session", conv.SessionID, "err", err)
			continue
		}
		if c.checkpointers != nil {
			if err := c.checkpointers.Invalidate(ctx, agentID, suffix); err != nil {
				return fmt.Errorf("%w: invalidate %s: %w", ErrExecution, conv.SessionID, err)
			}
		}
		sessionID := conv.SessionID
		if err := c.store.DeleteConversations(ctx, &store.DeleteConversation{SessionID: &sessionID}); err != nil {
			return fmt.Errorf("%w: delete %s: %w", ErrExecution, conv.SessionID, err)
		}
	}
	slog.Info("conversations reset", "agent", agentID, "user", user.UserID, "count", len(targets))
	return nil
}
