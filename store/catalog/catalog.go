// Package catalog loads agent and silo configuration from a YAML file.
package catalog

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/llm"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/memory"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/toolserver"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store"
)

type file struct {
	Agents []rawAgent `yaml:"agents"`
	Silos  []rawSilo  `yaml:"silos"`
}

type rawPolicy struct {
	MaxMessages            *int  `yaml:"max_messages"`
	MaxTokens              *int  `yaml:"max_tokens"`
	SummarizeTriggerTokens *int  `yaml:"summarize_trigger_tokens"`
	KeepSystemMessages     *bool `yaml:"keep_system_messages"`
}

type rawAgent struct {
	ID           int32                   `yaml:"id"`
	AppID        int32                   `yaml:"app_id"`
	Name         string                  `yaml:"name"`
	Description  string                  `yaml:"description"`
	SystemPrompt string                  `yaml:"system_prompt"`
	Model        llm.ModelConfig         `yaml:"model"`
	VisionModel  *llm.ModelConfig        `yaml:"vision_model"`
	Memory       bool                    `yaml:"memory"`
	MemoryPolicy rawPolicy               `yaml:"memory_policy"`
	OutputSchema map[string]any          `yaml:"output_schema"`
	SiloID       int32                   `yaml:"silo_id"`
	AgentTools   []int32                 `yaml:"agent_tools"`
	ToolServers  []toolserver.Connection `yaml:"tool_servers"`
	MaxSteps     int                     `yaml:"max_steps"`
	AllowedUsers []string                `yaml:"allowed_users"`
}

type rawSilo struct {
	ID          int32          `yaml:"id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Purpose     string         `yaml:"purpose"`
	Collection  string         `yaml:"collection"`
	Filter      map[string]any `yaml:"filter"`
	TopK        int            `yaml:"top_k"`
}

// Catalog is an immutable set of agents and silos. It implements
// store.AgentSource.
type Catalog struct {
	agents map[int32]*store.Agent
	silos  map[int32]*store.Silo
}

// Load reads the catalog at path. ${VAR} references are expanded from the
// environment before parsing.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes and defaults a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	c := &Catalog{agents: map[int32]*store.Agent{}, silos: map[int32]*store.Silo{}}
	for _, raw := range f.Silos {
		silo, err := raw.build()
		if err != nil {
			return nil, err
		}
		if _, ok := c.silos[silo.ID]; ok {
			return nil, fmt.Errorf("silo %d: duplicate id", silo.ID)
		}
		c.silos[silo.ID] = silo
	}
	for _, raw := range f.Agents {
		agent, err := raw.build()
		if err != nil {
			return nil, err
		}
		if _, ok := c.agents[agent.ID]; ok {
			return nil, fmt.Errorf("agent %d: duplicate id", agent.ID)
		}
		if agent.SiloID != 0 {
			if _, ok := c.silos[agent.SiloID]; !ok {
				return nil, fmt.Errorf("agent %d: unknown silo %d", agent.ID, agent.SiloID)
			}
		}
		c.agents[agent.ID] = agent
	}
	return c, nil
}

func (r rawAgent) build() (*store.Agent, error) {
	if r.ID <= 0 {
		return nil, fmt.Errorf("agent %q: id must be positive", r.Name)
	}
	for _, conn := range r.ToolServers {
		switch conn.Transport {
		case "", toolserver.TransportHTTP, toolserver.TransportSSE:
		default:
			return nil, fmt.Errorf("agent %d: tool server %q: unknown transport %q", r.ID, conn.Name, conn.Transport)
		}
	}
	maxSteps := r.MaxSteps
	if maxSteps <= 0 {
		maxSteps = store.DefaultMaxSteps
	}
	return &store.Agent{
		ID:           r.ID,
		AppID:        r.AppID,
		Name:         r.Name,
		Description:  r.Description,
		SystemPrompt: r.SystemPrompt,
		Model:        r.Model,
		VisionModel:  r.VisionModel,
		Memory:       r.Memory,
		MemoryPolicy: r.MemoryPolicy.build(),
		OutputSchema: r.OutputSchema,
		SiloID:       r.SiloID,
		AgentTools:   r.AgentTools,
		ToolServers:  r.ToolServers,
		MaxSteps:     maxSteps,
		AllowedUsers: r.AllowedUsers,
	}, nil
}

// build fills unset fields with the platform defaults. An explicit
// max_tokens of 0 disables the token cap.
func (r rawPolicy) build() memory.Policy {
	p := memory.DefaultPolicy()
	if r.MaxMessages != nil {
		p.MaxMessages = *r.MaxMessages
	}
	if r.MaxTokens != nil {
		if *r.MaxTokens > 0 {
			maxTokens := *r.MaxTokens
			p.MaxTokens = &maxTokens
		} else {
			p.MaxTokens = nil
		}
	}
	if r.SummarizeTriggerTokens != nil {
		p.SummarizeTriggerTokens = *r.SummarizeTriggerTokens
	}
	if r.KeepSystemMessages != nil {
		p.KeepSystemMessages = *r.KeepSystemMessages
	}
	return p
}

func (r rawSilo) build() (*store.Silo, error) {
	if r.ID <= 0 {
		return nil, fmt.Errorf("silo %q: id must be positive", r.Name)
	}
	purpose := store.SiloPurpose(r.Purpose)
	switch purpose {
	case store.SiloRepository, store.SiloDomain, store.SiloGeneric:
	case "":
		purpose = store.SiloGeneric
	default:
		return nil, fmt.Errorf("silo %d: unknown purpose %q", r.ID, r.Purpose)
	}
	collection := r.Collection
	if collection == "" {
		collection = "silo_" + strconv.FormatInt(int64(r.ID), 10)
	}
	topK := r.TopK
	if topK <= 0 {
		topK = store.DefaultTopK
	}
	return &store.Silo{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Purpose:     purpose,
		Collection:  collection,
		Filter:      r.Filter,
		TopK:        topK,
	}, nil
}

func (c *Catalog) GetAgent(_ context.Context, id int32) (*store.Agent, error) {
	agent, ok := c.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %d: %w", id, store.ErrNotFound)
	}
	cp := *agent
	return &cp, nil
}

func (c *Catalog) GetSilo(_ context.Context, id int32) (*store.Silo, error) {
	silo, ok := c.silos[id]
	if !ok {
		return nil, fmt.Errorf("silo %d: %w", id, store.ErrNotFound)
	}
	cp := *silo
	return &cp, nil
}

// Agents returns the number of agents in the catalog.
func (c *Catalog) Agents() int { return len(c.agents) }
