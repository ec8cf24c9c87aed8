package agent

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/tmc/langchaingo/prompts"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/llm"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/memory"
)

// PromptHook turns the thread history into the messages sent to the model.
type PromptHook func(ctx context.Context, history []llm.Message) []llm.Message

// newPromptHook runs the memory policy over the history and prepends the
// system prompt and, when given, the format instructions.
func newPromptHook(orchestrator *memory.Orchestrator, policy memory.Policy, systemPrompt, instructions string, now func() time.Time) PromptHook {
	return func(ctx context.Context, history []llm.Message) []llm.Message {
		managed, report := orchestrator.Apply(ctx, history, policy)
		if report.Trimmed || report.Summarized {
			slog.Info("[MEMORY]", "before", report.Before.Messages, "after", report.After.Messages,
				"tokens_before", report.Before.Tokens, "tokens_after", report.After.Tokens, "summarized", report.Summarized)
		}

		out := make([]llm.Message, 0, len(managed)+2)
		if system := renderSystemPrompt(systemPrompt, now()); system != "" {
			out = append(out, llm.System(system))
		}
		if instructions != "" {
			if rendered := renderTemplate(escapeBraces(instructions), nil); rendered != "" {
				out = append(out, llm.System(rendered))
			}
		}
		return append(out, managed...)
	}
}

// placeholders matches the variables a system prompt may use. Every other
// brace in a prompt is literal text.
var placeholders = regexp.MustCompile(`\{current_date\}`)

// renderSystemPrompt fills {current_date}.
func renderSystemPrompt(prompt string, now time.Time) string {
	if strings.TrimSpace(prompt) == "" {
		return ""
	}
	return renderTemplate(escapeLiteralBraces(prompt), map[string]any{"current_date": now.Format("2006-01-02")})
}

// escapeLiteralBraces escapes every brace outside a known placeholder.
func escapeLiteralBraces(s string) string {
	var sb strings.Builder
	last := 0
	for _, loc := range placeholders.FindAllStringIndex(s, -1) {
		sb.WriteString(escapeBraces(s[last:loc[0]]))
		sb.WriteString(s[loc[0]:loc[1]])
		last = loc[1]
	}
	sb.WriteString(escapeBraces(s[last:]))
	return sb.String()
}

func renderTemplate(tmpl string, values map[string]any) string {
	if values == nil {
		values = map[string]any{}
	}
	out, err := prompts.RenderTemplate(tmpl, prompts.TemplateFormatFString, values)
	if err != nil {
		slog.Debug("prompt template not rendered", "err", err)
		return tmpl
	}
	return out
}

// escapeBraces doubles braces so text survives f-string rendering verbatim.
func escapeBraces(s string) string {
	return strings.NewReplacer("{", "{{", "}", "}}").Replace(s)
}
