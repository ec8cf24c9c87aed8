package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/tools"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/llm"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/vectorstore"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store"
)

// Tool is a langchaingo tool that also describes its JSON arguments.
type Tool interface {
	tools.Tool
	Parameters() map[string]any
}

// Retriever searches a silo's vector collection.
type Retriever interface {
	Search(ctx context.Context, collection, query string, k int, filter map[string]any) ([]vectorstore.Result, error)
}

// FileFetcher downloads http(s) and s3 files.
type FileFetcher interface {
	FetchBase64(ctx context.Context, rawURL string) (string, error)
}

// toolParams builds the JSON schema of a tool taking an object argument.
func toolParams(properties map[string]any, required ...string) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// toolDefinition converts a tool into the function definition sent to the model.
func toolDefinition(t Tool) llms.Tool {
	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// current_date
// ─────────────────────────────────────────────────────────────────────────────

type currentDateTool struct {
	now func() time.Time
}

func newCurrentDateTool(now func() time.Time) Tool {
	return &currentDateTool{now: now}
}

func (t *currentDateTool) Name() string { return "current_date" }
func (t *currentDateTool) Description() string {
	return "Get the current date and time. No parameters needed."
}
func (t *currentDateTool) Parameters() map[string]any { return toolParams(map[string]any{}) }
func (t *currentDateTool) Call(_ context.Context, _ string) (string, error) {
	now := t.now()
	return fmt.Sprintf("%s (%s)", now.Format("2006-01-02 15:04:05 MST"), now.Weekday()), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// fetch_file_base64
// ─────────────────────────────────────────────────────────────────────────────

type fetchFileTool struct {
	fetcher FileFetcher
}

func newFetchFileTool(fetcher FileFetcher) Tool {
	return &fetchFileTool{fetcher: fetcher}
}

func (t *fetchFileTool) Name() string { return "fetch_file_base64" }
func (t *fetchFileTool) Description() string {
	return "Download a file from an http(s):// or s3://bucket/key URL and return its content base64 encoded."
}
func (t *fetchFileTool) Parameters() map[string]any {
	return toolParams(map[string]any{
		"url": map[string]any{"type": "string", "description": "URL of the file"},
	}, "url")
}
func (t *fetchFileTool) Call(ctx context.Context, input string) (string, error) {
	var payload struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(input), &payload); err != nil {
		return "Error: failed to parse input JSON.", nil
	}
	if strings.TrimSpace(payload.URL) == "" {
		return "Error: url required.", nil
	}
	return t.fetcher.FetchBase64(ctx, payload.URL)
}

// ─────────────────────────────────────────────────────────────────────────────
// Retrieval
// ─────────────────────────────────────────────────────────────────────────────

type retrievalTool struct {
	retriever Retriever
	silo      *store.Silo
	filter    map[string]any
}

// newRetrievalTool exposes a silo. The silo's own filter is always combined
// with the request filter.
func newRetrievalTool(retriever Retriever, silo *store.Silo, requestFilter map[string]any) Tool {
	return &retrievalTool{
		retriever: retriever,
		silo:      silo,
		filter:    vectorstore.CombineFilters(silo.Filter, requestFilter),
	}
}

func (t *retrievalTool) Name() string {
	switch t.silo.Purpose {
	case store.SiloRepository:
		return "search_repository"
	case store.SiloDomain:
		return "search_domain_knowledge"
	default:
		return "search_knowledge"
	}
}

func (t *retrievalTool) Description() string {
	var what string
	switch t.silo.Purpose {
	case store.SiloRepository:
		what = "Search the document repository for passages relevant to a query."
	case store.SiloDomain:
		what = "Search the domain knowledge base for facts relevant to a query."
	default:
		what = "Search the knowledge base for information relevant to a query."
	}
	if t.silo.Description != "" {
		what += " Contents: " + t.silo.Description
	}
	return what
}

func (t *retrievalTool) Parameters() map[string]any {
	return toolParams(map[string]any{
		"query": map[string]any{"type": "string", "description": "The search query"},
	}, "query")
}

func (t *retrievalTool) Call(ctx context.Context, input string) (string, error) {
	var payload struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(input), &payload); err != nil {
		// Some models send the bare query.
		payload.Query = input
	}
	if strings.TrimSpace(payload.Query) == "" {
		return "Error: query required.", nil
	}

	results, err := t.retriever.Search(ctx, t.silo.Collection, payload.Query, t.silo.TopK, t.filter)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No relevant documents found.", nil
	}
	var sb strings.Builder
	for i, r := range results {
		sb.WriteString(fmt.Sprintf("[%d] Document %s (score %.2f):\n%s\n\n", i+1, r.ID, r.Score, r.Content))
	}
	return sb.String(), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Sub-agents
// ─────────────────────────────────────────────────────────────────────────────

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// maxToolName is the longest function name model providers accept.
const maxToolName = 64

// subAgentToolName returns agent_{id}_{slug of name}.
func subAgentToolName(a *store.Agent) string {
	name := "agent_" + strconv.FormatInt(int64(a.ID), 10)
	if slug := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(a.Name), "_"), "_"); slug != "" {
		name += "_" + slug
	}
	if len(name) > maxToolName {
		name = strings.TrimRight(name[:maxToolName], "_")
	}
	return name
}

type subAgentTool struct {
	builder *Builder
	agent   *store.Agent
	user    UserContext
}

func newSubAgentTool(b *Builder, a *store.Agent, user UserContext) Tool {
	return &subAgentTool{builder: b, agent: a, user: user}
}

func (t *subAgentTool) Name() string { return subAgentToolName(t.agent) }
func (t *subAgentTool) Description() string {
	if t.agent.Description != "" {
		return t.agent.Description
	}
	return "Delegate a task to the " + t.agent.Name + " agent and get its answer."
}
func (t *subAgentTool) Parameters() map[string]any {
	return toolParams(map[string]any{
		"input": map[string]any{"type": "string", "description": "The task or question for the agent"},
	}, "input")
}

// Call runs the sub-agent on a fresh graph without memory.
func (t *subAgentTool) Call(ctx context.Context, input string) (string, error) {
	var payload struct {
		Input string `json:"input"`
	}
	if err := json.Unmarshal([]byte(input), &payload); err != nil {
		payload.Input = input
	}

	sub := *t.agent
	sub.Memory = false
	build, err := t.builder.Build(ctx, BuildRequest{Agent: &sub, User: t.user})
	if err != nil {
		return "", err
	}
	defer build.Close()

	threadID, _ := ResolveThreadID(sub.ID, "", nil, false)
	state, err := build.Graph.Invoke(ctx, threadID, llm.Human(payload.Input))
	if err != nil {
		return "", err
	}
	slog.Info("[SUB AGENT FINISH]", "agent", sub.ID, "steps", state.Steps)
	return extractReply(state.Messages), nil
}
