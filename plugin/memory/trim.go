package memory

import (
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/llm"
)

// Trim keeps at most maxMessages conversational messages, dropping the oldest
// first. With keepSystem every system message survives and is moved to the
// front; otherwise system messages are trimmed like any other message.
// Histories at or below the limit are returned unchanged.
func Trim(messages []llm.Message, maxMessages int, keepSystem bool) []llm.Message {
	if len(messages) <= maxMessages {
		return messages
	}
	if maxMessages < 0 {
		maxMessages = 0
	}
	if !keepSystem {
		return append([]llm.Message(nil), messages[len(messages)-maxMessages:]...)
	}

	var system, rest []llm.Message
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	if len(rest) > maxMessages {
		rest = rest[len(rest)-maxMessages:]
	}
	out := make([]llm.Message, 0, len(system)+len(rest))
	out = append(out, system...)
	return append(out, rest...)
}

// RemoveToolNoise drops tool-call exchanges that a later assistant turn has
// already consumed. A tool-calling assistant message without text goes away
// together with its responses; one with text keeps the text and loses the
// calls and their responses. If the latest tool call has not been followed by
// an assistant reply yet, the history is returned untouched.
func RemoveToolNoise(messages []llm.Message) []llm.Message {
	if hasPendingToolCalls(messages) {
		return messages
	}
	if lastToolCall(messages) < 0 {
		return messages
	}

	out := make([]llm.Message, 0, len(messages))
	for i := 0; i < len(messages); i++ {
		m := messages[i]
		if !m.HasToolCalls() {
			out = append(out, m)
			continue
		}
		ids := callIDs(m)
		end := i + 1
		for end < len(messages) && messages[end].Role == llm.RoleTool && ids[messages[end].ToolCallID] {
			end++
		}
		if m.Content.HasText() {
			kept := m
			kept.ToolCalls = nil
			out = append(out, kept)
		}
		i = end - 1
	}
	return out
}

// DropOrphanedToolMessages removes tool messages that do not answer a call
// made earlier in the same history.
func DropOrphanedToolMessages(messages []llm.Message) []llm.Message {
	seen := map[string]bool{}
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		switch {
		case m.HasToolCalls():
			for _, tc := range m.ToolCalls {
				seen[tc.ID] = true
			}
		case m.Role == llm.RoleTool && !seen[m.ToolCallID]:
			continue
		}
		out = append(out, m)
	}
	return out
}

func hasPendingToolCalls(messages []llm.Message) bool {
	last := lastToolCall(messages)
	if last < 0 {
		return false
	}
	for _, m := range messages[last+1:] {
		if m.Role == llm.RoleAI {
			return false
		}
	}
	return true
}

func lastToolCall(messages []llm.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].HasToolCalls() {
			return i
		}
	}
	return -1
}

func callIDs(m llm.Message) map[string]bool {
	ids := make(map[string]bool, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		ids[tc.ID] = true
	}
	return ids
}

// safeCut moves cut backwards until messages[:cut] and messages[cut:] do not
// split a tool call from its responses.
func safeCut(messages []llm.Message, cut int) int {
	if cut > len(messages) {
		cut = len(messages)
	}
	for cut > 0 && cut < len(messages) && messages[cut].Role == llm.RoleTool {
		cut--
	}
	return cut
}
