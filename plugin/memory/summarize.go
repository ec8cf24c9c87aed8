package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/llm"
)

const (
	// DefaultSummaryChars caps the length of generated summaries.
	DefaultSummaryChars = 500

	// SummaryName tags summary system messages.
	SummaryName = "conversation_summary"
)

// Summarizer compresses a run of messages into a single system message.
type Summarizer struct {
	model    llms.Model
	maxChars int
}

func NewSummarizer(model llms.Model, maxChars int) *Summarizer {
	if maxChars <= 0 {
		maxChars = DefaultSummaryChars
	}
	return &Summarizer{model: model, maxChars: maxChars}
}

// Summarize never fails. When the model is missing or errors the result is a
// short placeholder stating how many messages were folded away.
func (s *Summarizer) Summarize(ctx context.Context, messages []llm.Message) llm.Message {
	transcript := Transcript(messages)
	if s.model == nil || transcript == "" {
		return fallbackSummary(len(messages))
	}

	prompt := fmt.Sprintf(
		"Summarize the following conversation in at most %d characters. "+
			"Keep names, facts, decisions and open questions. Return only the summary.\n\n%s",
		s.maxChars, transcript,
	)
	text, err := llms.GenerateFromSinglePrompt(ctx, s.model, prompt)
	if err != nil || strings.TrimSpace(text) == "" {
		slog.Warn("conversation summary failed, using placeholder", "degraded", "summarization", "messages", len(messages), "err", err)
		return fallbackSummary(len(messages))
	}

	msg := llm.System("Summary of prior conversation: " + truncateRunes(strings.TrimSpace(text), s.maxChars))
	msg.Name = SummaryName
	return msg
}

// Transcript renders human and assistant turns as "User:" and "Assistant:" lines.
func Transcript(messages []llm.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		text := strings.TrimSpace(m.Content.Text())
		if text == "" {
			continue
		}
		switch m.Role {
		case llm.RoleHuman:
			sb.WriteString("User: ")
		case llm.RoleAI:
			sb.WriteString("Assistant: ")
		default:
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

func fallbackSummary(n int) llm.Message {
	msg := llm.System(fmt.Sprintf("Prior conversation: %d messages", n))
	msg.Name = SummaryName
	return msg
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
