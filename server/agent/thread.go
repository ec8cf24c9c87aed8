package agent

import (
	"fmt"
	"strconv"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store"
)

// ResolveThreadID returns the checkpoint thread of a turn. Agents without
// memory share the single thread thread_{agent_id}. Otherwise the suffix
// comes from the explicit conversation id when given, or from the session.
func ResolveThreadID(agentID int32, conversationID string, session *store.Session, memoryEnabled bool) (string, error) {
	prefix := "thread_" + strconv.FormatInt(int64(agentID), 10)
	if !memoryEnabled {
		return prefix, nil
	}

	var suffix store.SessionSuffix
	switch {
	case conversationID != "":
		s, err := store.ParseSessionID(agentID, conversationID)
		if err != nil {
			return "", err
		}
		suffix = s
	case session != nil && session.Suffix != "":
		suffix = session.Suffix
	default:
		return "", fmt.Errorf("%w: no conversation for agent %d", store.ErrInvalidSessionID, agentID)
	}
	return prefix + "_" + suffix.String(), nil
}
