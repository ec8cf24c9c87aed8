package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/llm"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/memory"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/toolserver"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store"
)

// ModelResolver returns a callable chat model for a model config.
type ModelResolver interface {
	Resolve(ctx context.Context, cfg llm.ModelConfig) (llms.Model, error)
}

// ToolServerProvider discovers tools on external tool servers.
type ToolServerProvider interface {
	GetTools(ctx context.Context, conns []toolserver.Connection, authHeaders map[string]string) ([]*toolserver.Tool, *toolserver.Session)
}

// UserContext identifies the caller of a turn.
type UserContext struct {
	UserID string
	AppID  int32
	// Token is the caller's identity token, forwarded to tool servers.
	Token string
}

// BuilderOptions holds the collaborators of a Builder. Only Models is
// required; a missing collaborator disables the tools that need it.
type BuilderOptions struct {
	Models        ModelResolver
	Agents        store.AgentSource
	Retriever     Retriever
	ToolServers   ToolServerProvider
	Fetcher       FileFetcher
	Checkpointers CheckpointerProvider
	Orchestrator  *memory.Orchestrator
	Now           func() time.Time
}

// Builder assembles execution graphs from agent configs.
type Builder struct {
	opts BuilderOptions
}

func NewBuilder(opts BuilderOptions) *Builder {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Orchestrator == nil {
		opts.Orchestrator = memory.NewOrchestrator(memory.NewEstimator(memory.DefaultEncoding))
	}
	return &Builder{opts: opts}
}

// BuildRequest selects what to build.
type BuildRequest struct {
	Agent *store.Agent
	// Search is an extra retrieval filter for this turn.
	Search map[string]any
	User   UserContext
	// Vision selects the agent's vision model when it has one.
	Vision bool
}

// Build is a graph plus the per-turn resources it holds.
type Build struct {
	Graph    *Graph
	Trace    *Trace
	Tools    *toolserver.Session
	Degraded []string

	release func()
}

// Close releases the tool-server session and the checkpointer.
func (b *Build) Close() {
	if err := b.Tools.Close(); err != nil {
		slog.Warn("failed to close tool server session", "err", err)
	}
	if b.release != nil {
		b.release()
		b.release = nil
	}
}

// Build assembles the graph of req.Agent. The caller must Close the result.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*Build, error) {
	agent := req.Agent
	build := &Build{Trace: newTrace()}

	// ── 1. Model ──────────────────────────────────────────────────────────────
	cfg := agent.Model
	if req.Vision && agent.VisionModel != nil {
		cfg = *agent.VisionModel
	}
	model, err := b.opts.Models.Resolve(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: agent %d model: %w", ErrConfiguration, agent.ID, err)
	}

	// ── 2. Structured output ──────────────────────────────────────────────────
	var schema *OutputSchema
	if len(agent.OutputSchema) > 0 {
		schema, err = NewOutputSchema(agent.OutputSchema)
		if err != nil {
			degrade(&build.Degraded, FeatureStructuredOutput, "output schema unusable", "agent", agent.ID, "err", err)
			schema = nil
		}
	}

	// ── 3. Prompt hook ────────────────────────────────────────────────────────
	var instructions string
	if schema != nil {
		instructions = schema.Instructions()
	}
	orchestrator := b.opts.Orchestrator
	if orchestrator.Active() {
		// Summaries are written by the agent's own model.
		orchestrator = orchestrator.ForModel(model)
	}
	prompt := newPromptHook(orchestrator, agent.MemoryPolicy, agent.SystemPrompt, instructions, b.opts.Now)

	// ── 4. Tools ──────────────────────────────────────────────────────────────
	if err := b.checkCycles(ctx, agent); err != nil {
		return nil, err
	}
	set := newToolSet()
	for _, t := range b.subAgentTools(ctx, agent, req.User, &build.Degraded) {
		set.add(t)
	}
	set.add(newCurrentDateTool(b.opts.Now))
	if b.opts.Fetcher != nil {
		set.add(newFetchFileTool(b.opts.Fetcher))
	}
	if t := b.retrievalTool(ctx, agent, req.Search, &build.Degraded); t != nil {
		set.add(t)
	}
	if len(agent.ToolServers) > 0 && b.opts.ToolServers != nil {
		found, session := b.opts.ToolServers.GetTools(ctx, agent.ToolServers, toolserver.AuthHeaders(req.User.Token))
		build.Tools = session
		if len(found) == 0 {
			degrade(&build.Degraded, FeatureToolServer, "no tools discovered", "agent", agent.ID)
		}
		for _, t := range found {
			set.add(t)
		}
	}

	// ── 5. Checkpointer ───────────────────────────────────────────────────────
	var checkpointer Checkpointer
	if agent.Memory && b.opts.Checkpointers != nil {
		checkpointer, build.release, err = b.opts.Checkpointers.Checkpointer(ctx)
		if err != nil {
			build.Close()
			return nil, fmt.Errorf("%w: checkpointer: %w", ErrExecution, err)
		}
	}

	maxSteps := agent.MaxSteps
	if maxSteps <= 0 {
		maxSteps = store.DefaultMaxSteps
	}
	build.Graph = &Graph{
		modelName:    cfg.Name,
		model:        model,
		callOpts:     cfg.CallOptions(),
		prompt:       prompt,
		tools:        set.byName,
		toolDefs:     set.defs,
		schema:       schema,
		checkpointer: checkpointer,
		maxSteps:     maxSteps,
		trace:        build.Trace,
	}
	slog.Info("[AGENT INIT]", "agent", agent.ID, "model", cfg.Name, "tools", len(set.defs), "memory", agent.Memory, "run", build.Trace.RunID)
	return build, nil
}

// checkCycles walks every agent reachable through agent tools and fails when
// one of them reaches an agent already on its own path.
func (b *Builder) checkCycles(ctx context.Context, root *store.Agent) error {
	if len(root.AgentTools) == 0 || b.opts.Agents == nil {
		return nil
	}
	onPath := map[int32]bool{root.ID: true}
	done := map[int32]bool{}

	var visit func(a *store.Agent) error
	visit = func(a *store.Agent) error {
		for _, id := range a.AgentTools {
			if onPath[id] {
				return fmt.Errorf("%w: agent %d reaches agent %d again through its agent tools", ErrConfiguration, a.ID, id)
			}
			if done[id] {
				continue
			}
			sub, err := b.opts.Agents.GetAgent(ctx, id)
			if err != nil {
				// Reported when the tools are bound.
				continue
			}
			onPath[id] = true
			if err := visit(sub); err != nil {
				return err
			}
			onPath[id] = false
			done[id] = true
		}
		return nil
	}
	return visit(root)
}

func (b *Builder) subAgentTools(ctx context.Context, agent *store.Agent, user UserContext, degraded *[]string) []Tool {
	if len(agent.AgentTools) == 0 {
		return nil
	}
	if b.opts.Agents == nil {
		degrade(degraded, FeatureSubAgent, "agent tools configured without an agent source", "agent", agent.ID)
		return nil
	}
	var out []Tool
	for _, id := range agent.AgentTools {
		sub, err := b.opts.Agents.GetAgent(ctx, id)
		if err != nil {
			degrade(degraded, FeatureSubAgent, "skipping agent tool", "agent", agent.ID, "sub_agent", id, "err", err)
			continue
		}
		out = append(out, newSubAgentTool(b, sub, user))
	}
	return out
}

func (b *Builder) retrievalTool(ctx context.Context, agent *store.Agent, search map[string]any, degraded *[]string) Tool {
	if agent.SiloID == 0 {
		return nil
	}
	if b.opts.Retriever == nil || b.opts.Agents == nil {
		degrade(degraded, FeatureRetrieval, "retrieval not available", "agent", agent.ID, "silo", agent.SiloID)
		return nil
	}
	silo, err := b.opts.Agents.GetSilo(ctx, agent.SiloID)
	if err != nil {
		degrade(degraded, FeatureRetrieval, "silo not found", "agent", agent.ID, "silo", agent.SiloID, "err", err)
		return nil
	}
	if silo.TopK <= 0 {
		silo.TopK = store.DefaultTopK
	}
	return newRetrievalTool(b.opts.Retriever, silo, search)
}

// toolSet keeps the first tool registered under each name.
type toolSet struct {
	byName map[string]Tool
	defs   []llms.Tool
}

func newToolSet() *toolSet {
	return &toolSet{byName: map[string]Tool{}}
}

func (s *toolSet) add(t Tool) {
	if _, dup := s.byName[t.Name()]; dup {
		slog.Warn("dropping duplicate tool", "tool", t.Name())
		return
	}
	s.byName[t.Name()] = t
	s.defs = append(s.defs, toolDefinition(t))
}
