package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem Role = "system"
	RoleHuman  Role = "human"
	RoleAI     Role = "ai"
	RoleTool   Role = "tool"
)

// ParseRole accepts the canonical role names plus the "user" and "assistant" aliases.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "system":
		return RoleSystem, nil
	case "human", "user":
		return RoleHuman, nil
	case "ai", "assistant":
		return RoleAI, nil
	case "tool":
		return RoleTool, nil
	}
	return "", fmt.Errorf("unknown message role %q", s)
}

// PartType is the kind of a content part.
type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
)

// ContentPart is one typed piece of message content.
type ContentPart struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
}

// TextPart returns a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart returns an image reference part. url may be a data URL.
func ImagePart(url string) ContentPart {
	return ContentPart{Type: PartImageURL, ImageURL: url}
}

// Content is the ordered list of parts of a message.
//
// On the wire a single text part is a plain JSON string and anything else is
// an array of parts.
type Content []ContentPart

// Text returns a single text part content, or nil for an empty string.
func Text(s string) Content {
	if s == "" {
		return nil
	}
	return Content{TextPart(s)}
}

// Text concatenates the text parts, separated by newlines.
func (c Content) Text() string {
	var texts []string
	for _, p := range c {
		if p.Type == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// HasText reports whether any text part is non-blank.
func (c Content) HasText() bool {
	for _, p := range c {
		if p.Type == PartText && strings.TrimSpace(p.Text) != "" {
			return true
		}
	}
	return false
}

// HasImages reports whether any part references an image.
func (c Content) HasImages() bool {
	for _, p := range c {
		if p.Type == PartImageURL {
			return true
		}
	}
	return false
}

func (c Content) MarshalJSON() ([]byte, error) {
	if len(c) == 0 {
		return []byte(`""`), nil
	}
	if len(c) == 1 && c[0].Type == PartText {
		return json.Marshal(c[0].Text)
	}
	return json.Marshal([]ContentPart(c))
}

func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*c = nil
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Text(s)
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("decode message content: %w", err)
	}
	for i, p := range parts {
		switch p.Type {
		case PartText, PartImageURL:
		default:
			return fmt.Errorf("content part %d: unknown type %q", i, p.Type)
		}
	}
	if len(parts) == 0 {
		parts = nil
	}
	*c = parts
	return nil
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is a single conversational turn.
type Message struct {
	Role       Role       `json:"role"`
	Content    Content    `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	var raw struct {
		alias
		Role string `json:"role"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	role, err := ParseRole(raw.Role)
	if err != nil {
		return err
	}
	*m = Message(raw.alias)
	m.Role = role
	return nil
}

// System returns a system message.
func System(text string) Message { return Message{Role: RoleSystem, Content: Text(text)} }

// Human returns a human message.
func Human(text string) Message { return Message{Role: RoleHuman, Content: Text(text)} }

// AI returns an assistant message, optionally carrying tool calls.
func AI(text string, calls ...ToolCall) Message {
	return Message{Role: RoleAI, Content: Text(text), ToolCalls: calls}
}

// ToolResult returns a tool response for the call with the given id.
func ToolResult(callID, name, text string) Message {
	return Message{Role: RoleTool, Content: Text(text), ToolCallID: callID, Name: name}
}

// HasToolCalls reports whether m is an assistant message requesting tools.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAI && len(m.ToolCalls) > 0
}

// String renders the message as "role: text" for logs and fallbacks.
func (m Message) String() string {
	text := m.Content.Text()
	if len(m.ToolCalls) > 0 {
		names := make([]string, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			names = append(names, tc.Name)
		}
		text = strings.TrimSpace(text + " [tool calls: " + strings.Join(names, ", ") + "]")
	}
	return fmt.Sprintf("%s: %s", m.Role, text)
}
