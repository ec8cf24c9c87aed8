package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/memory"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/toolserver"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store"
)

const document = `
silos:
  - id: 3
    name: docs
    purpose: repository
    filter:
      lang: en
agents:
  - id: 1
    app_id: 10
    name: support
    system_prompt: You help customers.
    model:
      provider: openai
      name: gpt-4o-mini
      api_key: ${CATALOG_TEST_KEY}
    memory: true
    memory_policy:
      max_messages: 8
      max_tokens: 0
    silo_id: 3
    agent_tools: [2]
    tool_servers:
      - name: crm
        url: http://crm.local/mcp
        transport: sse
  - id: 2
    name: researcher
    model:
      provider: ollama
      name: llama3
`

func TestLoad(t *testing.T) {
	t.Setenv("CATALOG_TEST_KEY", "sk-test")
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(document), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Agents())
	ctx := context.Background()

	support, err := c.GetAgent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", support.Model.APIKey)
	assert.Equal(t, int32(10), support.AppID)
	assert.Equal(t, 8, support.MemoryPolicy.MaxMessages)
	assert.Nil(t, support.MemoryPolicy.MaxTokens)
	assert.Equal(t, memory.DefaultSummarizeTriggerTokens, support.MemoryPolicy.SummarizeTriggerTokens)
	assert.True(t, support.MemoryPolicy.KeepSystemMessages)
	assert.Equal(t, store.DefaultMaxSteps, support.MaxSteps)
	assert.Equal(t, []int32{2}, support.AgentTools)
	require.Len(t, support.ToolServers, 1)
	assert.Equal(t, toolserver.TransportSSE, support.ToolServers[0].Transport)

	researcher, err := c.GetAgent(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, memory.DefaultPolicy(), researcher.MemoryPolicy)
	assert.False(t, researcher.Memory)

	silo, err := c.GetSilo(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, store.SiloRepository, silo.Purpose)
	assert.Equal(t, "silo_3", silo.Collection)
	assert.Equal(t, store.DefaultTopK, silo.TopK)
	assert.Equal(t, map[string]any{"lang": "en"}, silo.Filter)

	_, err = c.GetAgent(ctx, 99)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = c.GetSilo(ctx, 99)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"duplicate agent": "agents: [{id: 1}, {id: 1}]",
		"missing id":      "agents: [{name: x}]",
		"unknown silo":    "agents: [{id: 1, silo_id: 4}]",
		"bad purpose":     "silos: [{id: 1, purpose: archive}]",
		"bad transport":   "agents: [{id: 1, tool_servers: [{name: a, url: http://a, transport: grpc}]}]",
		"not yaml":        "agents: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestGetAgentReturnsCopy(t *testing.T) {
	c, err := Parse([]byte("agents: [{id: 1, name: a}]"))
	require.NoError(t, err)
	a, err := c.GetAgent(context.Background(), 1)
	require.NoError(t, err)
	a.Name = "changed"
	b, err := c.GetAgent(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "a", b.Name)
}
