package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/llm"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store"
)

// State is the outcome of one graph invocation.
type State struct {
	ThreadID string
	// Messages is the full thread history, including the new turn.
	Messages []llm.Message
	// Step counts every completed step of the thread; Steps only this run.
	Step  int32
	Steps int
	// Structured is the validated reply of agents with an output schema.
	Structured map[string]any
	Degraded   []string

	// saved is the step of the last checkpoint this run loaded or wrote.
	saved int32
}

// Graph is the per-turn executable form of an agent: a model that may call
// tools until it answers, with the thread state saved after every step.
type Graph struct {
	modelName    string
	model        llms.Model
	callOpts     []llms.CallOption
	prompt       PromptHook
	tools        map[string]Tool
	toolDefs     []llms.Tool
	schema       *OutputSchema
	checkpointer Checkpointer
	maxSteps     int
	trace        *Trace
}

// ToolNames returns the names of the tools bound to the graph, in order.
func (g *Graph) ToolNames() []string {
	names := make([]string, 0, len(g.toolDefs))
	for _, d := range g.toolDefs {
		names = append(names, d.Function.Name)
	}
	return names
}

// Invoke runs the agent on input within a thread.
func (g *Graph) Invoke(ctx context.Context, threadID string, input llm.Message) (*State, error) {
	state := &State{ThreadID: threadID}
	if locker, ok := g.checkpointer.(ThreadLocker); ok {
		unlock, err := locker.LockThread(ctx, threadID)
		if err != nil {
			return nil, fmt.Errorf("%w: lock thread %s: %w", ErrExecution, threadID, err)
		}
		defer unlock()
	}
	if g.checkpointer != nil {
		cp, err := g.checkpointer.GetCheckpoint(ctx, threadID)
		if err != nil {
			return nil, fmt.Errorf("%w: load checkpoint %s: %w", ErrExecution, threadID, err)
		}
		if cp != nil {
			state.Messages = cp.Messages
			state.Step = cp.Step
			state.saved = cp.Step
		}
	}
	state.Messages = append(state.Messages, input)

	opts := g.callOpts
	if len(g.toolDefs) > 0 {
		opts = append(append([]llms.CallOption(nil), g.callOpts...), llms.WithTools(g.toolDefs))
	}

	for step := 0; step < g.maxSteps; step++ {
		prompt := g.prompt(ctx, state.Messages)

		start := time.Now()
		resp, err := g.model.GenerateContent(ctx, llm.ToMessageContent(prompt), opts...)
		g.trace.record("model", g.modelName, start, err)
		if err != nil {
			return state, fmt.Errorf("%w: model call: %w", ErrExecution, err)
		}
		if len(resp.Choices) == 0 {
			return state, fmt.Errorf("%w: model returned no choices", ErrExecution)
		}

		msg := llm.FromChoice(resp.Choices[0])
		msg.ToolCalls = distinctCalls(msg.ToolCalls, state.Step)
		state.Messages = append(state.Messages, msg)
		state.Step++
		state.Steps++

		// No tool calls → final answer
		if len(msg.ToolCalls) == 0 {
			slog.Info("[AGENT FINISH]", "thread", threadID, "steps", state.Steps)
			g.parseStructured(state, msg)
			return state, g.save(ctx, state)
		}

		for _, tc := range msg.ToolCalls {
			state.Messages = append(state.Messages, g.runTool(ctx, tc))
		}
		if err := g.save(ctx, state); err != nil {
			return state, err
		}
	}
	return state, fmt.Errorf("%w: no answer after %d steps", ErrExecution, g.maxSteps)
}

func (g *Graph) runTool(ctx context.Context, tc llm.ToolCall) llm.Message {
	input := tc.Arguments
	if input == "" {
		input = "{}"
	}
	slog.Info("[AGENT TOOL CALL]", "tool", tc.Name, "input", input)

	var result string
	t, ok := g.tools[tc.Name]
	if !ok {
		result = "Unknown tool: " + tc.Name
	} else {
		start := time.Now()
		out, err := t.Call(ctx, input)
		g.trace.record("tool", tc.Name, start, err)
		if err != nil {
			result = "Error: " + err.Error()
		} else {
			result = out
		}
	}
	slog.Debug("[AGENT TOOL RESULT]", "tool", tc.Name, "result", result)
	return llm.ToolResult(tc.ID, tc.Name, result)
}

func (g *Graph) parseStructured(state *State, msg llm.Message) {
	if g.schema == nil {
		return
	}
	parsed, err := g.schema.Parse(msg.Content.Text())
	if err != nil {
		degrade(&state.Degraded, FeatureStructuredOutput, "structured output rejected", "thread", state.ThreadID, "err", err)
		return
	}
	state.Structured = parsed
}

func (g *Graph) save(ctx context.Context, state *State) error {
	if g.checkpointer == nil {
		return nil
	}
	err := g.checkpointer.SaveCheckpoint(ctx, &store.Checkpoint{
		ThreadID: state.ThreadID,
		Messages: state.Messages,
		Step:     state.Step,
	}, state.saved)
	if err != nil {
		return fmt.Errorf("%w: save checkpoint %s: %w", ErrExecution, state.ThreadID, err)
	}
	state.saved = state.Step
	return nil
}

// distinctCalls drops repeated call ids, which some models emit within one
// response, and names calls that arrive without an id. Generated ids carry
// the thread step so they stay unique across the whole history.
func distinctCalls(calls []llm.ToolCall, step int32) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	seenCallIDs := make(map[string]bool, len(calls))
	out := make([]llm.ToolCall, 0, len(calls))
	for i, tc := range calls {
		if tc.ID == "" {
			tc.ID = "call_" + strconv.Itoa(int(step)) + "_" + strconv.Itoa(i)
		}
		if seenCallIDs[tc.ID] {
			continue
		}
		seenCallIDs[tc.ID] = true
		out = append(out, tc)
	}
	return out
}
