package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// OutputSchema validates the final reply of agents with structured output.
type OutputSchema struct {
	schema       *gojsonschema.Schema
	instructions string
}

// NewOutputSchema compiles a JSON schema document.
func NewOutputSchema(doc map[string]any) (*OutputSchema, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("compile output schema: %w", err)
	}
	pretty, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render output schema: %w", err)
	}
	return &OutputSchema{
		schema: schema,
		instructions: "Respond only with a JSON object that conforms to the following JSON schema. " +
			"Do not add any text outside the JSON object.\n```json\n" + string(pretty) + "\n```",
	}, nil
}

// Instructions returns the format instructions given to the model.
func (s *OutputSchema) Instructions() string {
	return s.instructions
}

// Parse extracts and validates the JSON object in a model reply.
func (s *OutputSchema) Parse(reply string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(stripFences(reply)), &out); err != nil {
		return nil, fmt.Errorf("reply is not a JSON object: %w", err)
	}
	result, err := s.schema.Validate(gojsonschema.NewGoLoader(out))
	if err != nil {
		return nil, fmt.Errorf("validate reply: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("reply does not match schema: %s", strings.Join(msgs, "; "))
	}
	return out, nil
}

// stripFences removes a surrounding markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
