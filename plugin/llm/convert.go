package llm

import (
	"github.com/tmc/langchaingo/llms"
)

// ToMessageContent converts messages into the langchaingo request shape.
func ToMessageContent(messages []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		out = append(out, toMessageContent(m))
	}
	return out
}

func toMessageContent(m Message) llms.MessageContent {
	switch m.Role {
	case RoleTool:
		return llms.MessageContent{
			Role: llms.ChatMessageTypeTool,
			Parts: []llms.ContentPart{llms.ToolCallResponse{
				ToolCallID: m.ToolCallID,
				Name:       m.Name,
				Content:    m.Content.Text(),
			}},
		}
	case RoleAI:
		mc := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		mc.Parts = append(mc.Parts, contentParts(m.Content)...)
		for _, tc := range m.ToolCalls {
			mc.Parts = append(mc.Parts, llms.ToolCall{
				ID:   tc.ID,
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return mc
	case RoleSystem:
		return llms.MessageContent{Role: llms.ChatMessageTypeSystem, Parts: contentParts(m.Content)}
	default:
		return llms.MessageContent{Role: llms.ChatMessageTypeHuman, Parts: contentParts(m.Content)}
	}
}

func contentParts(c Content) []llms.ContentPart {
	parts := make([]llms.ContentPart, 0, len(c))
	for _, p := range c {
		switch p.Type {
		case PartText:
			parts = append(parts, llms.TextContent{Text: p.Text})
		case PartImageURL:
			parts = append(parts, llms.ImageURLContent{URL: p.ImageURL})
		}
	}
	return parts
}

// FromChoice converts a model completion into an assistant message.
func FromChoice(choice *llms.ContentChoice) Message {
	if choice == nil {
		return AI("")
	}
	m := AI(choice.Content)
	for _, tc := range choice.ToolCalls {
		call := ToolCall{ID: tc.ID}
		if tc.FunctionCall != nil {
			call.Name = tc.FunctionCall.Name
			call.Arguments = tc.FunctionCall.Arguments
		}
		m.ToolCalls = append(m.ToolCalls, call)
	}
	if len(m.ToolCalls) == 0 && choice.FuncCall != nil {
		m.ToolCalls = append(m.ToolCalls, ToolCall{
			ID:        choice.FuncCall.Name,
			Name:      choice.FuncCall.Name,
			Arguments: choice.FuncCall.Arguments,
		})
	}
	return m
}
