package agent

import (
	"errors"
	"log/slog"
	"slices"
)

var (
	// ErrNotFound means the agent, conversation or session does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAccessDenied means the caller may not use the agent.
	ErrAccessDenied = errors.New("access denied")
	// ErrConfiguration means the agent cannot run as configured.
	ErrConfiguration = errors.New("agent misconfigured")
	// ErrExecution means a model or tool invocation failed.
	ErrExecution = errors.New("execution failed")
)

// Degraded features reported in TurnResult.Degraded.
const (
	FeatureStructuredOutput = "structured_output"
	FeatureToolServer       = "tool_server"
	FeatureRetrieval        = "retrieval"
	FeatureSubAgent         = "sub_agent"
	FeatureAttachments      = "attachments"
)

func degrade(degraded *[]string, feature, msg string, args ...any) {
	slog.Warn(msg, append([]any{"degraded", feature}, args...)...)
	addFeature(degraded, feature)
}

func addFeature(degraded *[]string, feature string) {
	if !slices.Contains(*degraded, feature) {
		*degraded = append(*degraded, feature)
	}
}
