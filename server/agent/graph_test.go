package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/llm"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store/db/sqlite"
)

// gatedModel holds every call until the test lets it through.
type gatedModel struct {
	entered chan string
	release chan struct{}
}

func newGatedModel() *gatedModel {
	return &gatedModel{entered: make(chan string, 4), release: make(chan struct{})}
}

func (m *gatedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	last := transcript(messages[len(messages)-1:])[0]
	m.entered <- last
	select {
	case <-m.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "re " + last}}}, nil
}

func (m *gatedModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, opts...)
}

func newMemoryStore(t *testing.T) *store.Store {
	t.Helper()
	driver, err := sqlite.NewDB(":memory:")
	require.NoError(t, err)
	s := store.New(driver, nil)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newPlainGraph(t *testing.T, model llms.Model, provider *StoreCheckpointers) *Graph {
	t.Helper()
	checkpointer, release, err := provider.Checkpointer(context.Background())
	require.NoError(t, err)
	t.Cleanup(release)
	return &Graph{
		modelName:    "m",
		model:        model,
		prompt:       func(_ context.Context, history []llm.Message) []llm.Message { return history },
		checkpointer: checkpointer,
		maxSteps:     3,
		trace:        newTrace(),
	}
}

type turnResult struct {
	state *State
	err   error
}

func invokeAsync(g *Graph, threadID, text string) <-chan turnResult {
	done := make(chan turnResult, 1)
	go func() {
		state, err := g.Invoke(context.Background(), threadID, llm.Human(text))
		done <- turnResult{state: state, err: err}
	}()
	return done
}

func TestConcurrentTurnsOnOneThreadRunInOrder(t *testing.T) {
	s := newMemoryStore(t)
	provider := NewStoreCheckpointers(s)
	model := newGatedModel()
	first := newPlainGraph(t, model, provider)
	second := newPlainGraph(t, model, provider)

	doneA := invokeAsync(first, "thread_1", "one")
	assert.Equal(t, "human: one", <-model.entered)

	doneB := invokeAsync(second, "thread_1", "two")
	select {
	case got := <-model.entered:
		t.Fatalf("second turn reached the model while the first was running: %s", got)
	case <-time.After(50 * time.Millisecond):
	}

	model.release <- struct{}{}
	a := <-doneA
	require.NoError(t, a.err)

	assert.Equal(t, "human: two", <-model.entered)
	model.release <- struct{}{}
	b := <-doneB
	require.NoError(t, b.err)
	assert.Equal(t, int32(2), b.state.Step)

	cp, err := s.GetCheckpoint(context.Background(), "thread_1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int32(2), cp.Step)
	var texts []string
	for _, m := range cp.Messages {
		texts = append(texts, m.Content.Text())
	}
	assert.Equal(t, []string{"one", "re human: one", "two", "re human: two"}, texts)
	assert.Zero(t, provider.locks.size())
}

func TestConcurrentTurnsAcrossProcessesConflict(t *testing.T) {
	s := newMemoryStore(t)
	model := newGatedModel()
	// Separate providers share no locks, like two server processes.
	first := newPlainGraph(t, model, NewStoreCheckpointers(s))
	second := newPlainGraph(t, model, NewStoreCheckpointers(s))

	doneA := invokeAsync(first, "thread_1", "one")
	<-model.entered
	doneB := invokeAsync(second, "thread_1", "two")
	<-model.entered

	model.release <- struct{}{}
	model.release <- struct{}{}
	results := []turnResult{<-doneA, <-doneB}

	var failed []error
	for _, r := range results {
		if r.err != nil {
			failed = append(failed, r.err)
		}
	}
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0], ErrExecution)
	assert.ErrorIs(t, failed[0], store.ErrCheckpointConflict)

	cp, err := s.GetCheckpoint(context.Background(), "thread_1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Len(t, cp.Messages, 2)
	assert.Equal(t, int32(1), cp.Step)
}

func TestThreadLocksHonourCancellation(t *testing.T) {
	locks := newThreadLocks()
	unlock, err := locks.lock(context.Background(), "thread_1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.lock(ctx, "thread_1")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, locks.size())

	other, err := locks.lock(context.Background(), "thread_2")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	assert.Zero(t, locks.size())

	again, err := locks.lock(context.Background(), "thread_1")
	require.NoError(t, err)
	again()
}

func TestDistinctCallsNamesCallsPerStep(t *testing.T) {
	assert.Nil(t, distinctCalls(nil, 0))

	calls := []llm.ToolCall{{Name: "a"}, {ID: "x", Name: "b"}, {ID: "x", Name: "b"}, {Name: "c"}}
	first := distinctCalls(calls, 0)
	require.Len(t, first, 3)
	assert.Equal(t, "call_0_0", first[0].ID)
	assert.Equal(t, "x", first[1].ID)
	assert.Equal(t, "call_0_3", first[2].ID)

	later := distinctCalls([]llm.ToolCall{{Name: "a"}}, 2)
	assert.Equal(t, "call_2_0", later[0].ID)
}

func TestGraphCallIDsStayUniqueAcrossSteps(t *testing.T) {
	env := newTestEnv(t, chatCatalog)
	unnamed := func() llms.ToolCall {
		return llms.ToolCall{Type: "function", FunctionCall: &llms.FunctionCall{Name: "current_date", Arguments: "{}"}}
	}
	env.model.script(callTools(unnamed()), callTools(unnamed()), reply("done"))
	ctx := context.Background()

	agent := &store.Agent{ID: 12, Name: "Caller", Model: llm.ModelConfig{Name: "m"}, MaxSteps: 5}
	build, err := env.builder.Build(ctx, BuildRequest{Agent: agent})
	require.NoError(t, err)
	defer build.Close()

	state, err := build.Graph.Invoke(ctx, "thread_12", llm.Human("go"))
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, m := range state.Messages {
		for _, tc := range m.ToolCalls {
			assert.False(t, seen[tc.ID], "duplicate call id %s", tc.ID)
			seen[tc.ID] = true
		}
	}
	assert.Equal(t, map[string]bool{"call_0_0": true, "call_1_0": true}, seen)
	assert.Equal(t, "call_1_0", state.Messages[4].ToolCallID)
}
