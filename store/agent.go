package store

import (
	"slices"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/llm"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/memory"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/toolserver"
)

// DefaultMaxSteps bounds the reasoning loop of an agent.
const DefaultMaxSteps = 10

// Agent is the fully defaulted configuration of an agent.
type Agent struct {
	ID           int32
	AppID        int32
	Name         string
	Description  string
	SystemPrompt string

	Model       llm.ModelConfig
	VisionModel *llm.ModelConfig

	Memory       bool
	MemoryPolicy memory.Policy

	// OutputSchema is a JSON schema the final reply must satisfy.
	OutputSchema map[string]any
	// SiloID is 0 when the agent has no knowledge silo.
	SiloID int32
	// AgentTools lists agents exposed to this one as callable tools.
	AgentTools  []int32
	ToolServers []toolserver.Connection
	MaxSteps    int

	// AllowedUsers restricts access when non-empty.
	AllowedUsers []string
}

// CanAccess reports whether a caller of appID/userID may run the agent.
// An appID of 0 means the caller is not scoped to an app.
func (a *Agent) CanAccess(appID int32, userID string) bool {
	if appID != 0 && a.AppID != 0 && appID != a.AppID {
		return false
	}
	if len(a.AllowedUsers) > 0 && !slices.Contains(a.AllowedUsers, userID) {
		return false
	}
	return true
}

// SiloPurpose determines how a silo's retrieval tool is presented.
type SiloPurpose string

const (
	SiloRepository SiloPurpose = "repository"
	SiloDomain     SiloPurpose = "domain"
	SiloGeneric    SiloPurpose = "generic"
)

// DefaultTopK is the number of documents a retrieval returns.
const DefaultTopK = 5

// Silo is a knowledge store backed by a vector collection.
type Silo struct {
	ID          int32
	Name        string
	Description string
	Purpose     SiloPurpose
	Collection  string
	// Filter is always applied to searches of this silo.
	Filter map[string]any
	TopK   int
}
