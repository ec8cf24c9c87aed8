package memory

import (
	"context"
	"log/slog"

	"github.com/tmc/langchaingo/llms"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/llm"
)

const (
	DefaultMaxMessages            = 20
	DefaultMaxTokens              = 4000
	DefaultSummarizeTriggerTokens = 4000
)

// Policy is the per-agent history budget. It is read-only during a turn.
type Policy struct {
	MaxMessages int
	// MaxTokens is nil when the agent sets no token cap.
	MaxTokens              *int
	SummarizeTriggerTokens int
	KeepSystemMessages     bool
}

// DefaultPolicy returns the platform defaults.
func DefaultPolicy() Policy {
	maxTokens := DefaultMaxTokens
	return Policy{
		MaxMessages:            DefaultMaxMessages,
		MaxTokens:              &maxTokens,
		SummarizeTriggerTokens: DefaultSummarizeTriggerTokens,
		KeepSystemMessages:     true,
	}
}

// Stats is a snapshot of a history's size.
type Stats struct {
	Messages int
	Tokens   int
}

// Report describes what Apply did to a history.
type Report struct {
	Before     Stats
	After      Stats
	Trimmed    bool
	Summarized bool
}

// Orchestrator runs the memory policy over a history before every model call.
//
// By default it only observes: statistics are recorded and the history goes
// through unchanged. With active trimming enabled it removes consumed tool
// exchanges, trims to the message budget and, when the token budget is
// exceeded, folds the oldest half of the conversation into a summary.
type Orchestrator struct {
	estimator  *Estimator
	summarizer *Summarizer
	active     bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithActiveTrimming switches the orchestrator from observe-only to reducing.
func WithActiveTrimming(active bool) Option {
	return func(o *Orchestrator) { o.active = active }
}

// WithSummarizer sets the summarizer used when the token budget is exceeded.
func WithSummarizer(s *Summarizer) Option {
	return func(o *Orchestrator) { o.summarizer = s }
}

func NewOrchestrator(estimator *Estimator, opts ...Option) *Orchestrator {
	o := &Orchestrator{estimator: estimator}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Active reports whether the orchestrator modifies histories.
func (o *Orchestrator) Active() bool { return o.active }

// ForModel returns a copy of o that summarizes with model.
func (o *Orchestrator) ForModel(model llms.Model) *Orchestrator {
	cp := *o
	cp.summarizer = NewSummarizer(model, DefaultSummaryChars)
	return &cp
}

// Apply runs the policy over messages.
func (o *Orchestrator) Apply(ctx context.Context, messages []llm.Message, policy Policy) ([]llm.Message, Report) {
	var report Report
	if len(messages) == 0 {
		return messages, report
	}

	report.Before = Stats{Messages: len(messages), Tokens: o.estimator.CountTokens(messages)}
	slog.Debug("memory policy input", "messages", report.Before.Messages, "tokens", report.Before.Tokens, "active", o.active)

	out := messages
	if o.active {
		out, report.Trimmed, report.Summarized = o.reduce(ctx, messages, policy, report.Before.Tokens)
	}

	report.After = Stats{Messages: len(out), Tokens: o.estimator.CountTokens(out)}
	slog.Debug("memory policy output", "messages", report.After.Messages, "tokens", report.After.Tokens)
	return out, report
}

func (o *Orchestrator) reduce(ctx context.Context, messages []llm.Message, policy Policy, tokensBefore int) ([]llm.Message, bool, bool) {
	reduced := RemoveToolNoise(messages)
	if policy.MaxMessages > 0 {
		reduced = Trim(reduced, policy.MaxMessages, policy.KeepSystemMessages)
	}
	reduced = DropOrphanedToolMessages(reduced)
	trimmed := len(reduced) != len(messages)

	overTrigger := policy.SummarizeTriggerTokens > 0 && tokensBefore > policy.SummarizeTriggerTokens
	overCap := policy.MaxTokens != nil && o.estimator.CountTokens(reduced) > *policy.MaxTokens
	if o.summarizer == nil || (!overTrigger && !overCap) {
		return reduced, trimmed, false
	}

	summarized, ok := o.summarizeOldest(ctx, reduced)
	return summarized, trimmed, ok
}

// summarizeOldest replaces the oldest half of the conversational messages with
// a summary, placed right after the leading system messages.
func (o *Orchestrator) summarizeOldest(ctx context.Context, messages []llm.Message) ([]llm.Message, bool) {
	var system, rest []llm.Message
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	cut := safeCut(rest, len(rest)/2)
	if cut == 0 {
		return messages, false
	}

	summary := o.summarizer.Summarize(ctx, rest[:cut])
	out := make([]llm.Message, 0, len(system)+1+len(rest)-cut)
	out = append(out, system...)
	out = append(out, summary)
	return append(out, rest[cut:]...), true
}
