package prompt

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/rlmrs/rlmrs/pkg/sandbox"
)

// ToolSchema enumerates the sandbox tool API for the root prompt and the
// _tool_schema state key. Request shapes are reflected from the runtime
// types so the schema can never drift from what the sandbox accepts.
func ToolSchema(subcallsEnabled bool) (map[string]any, error) {
	llmSchema, err := reflectSchema(&sandbox.LLMRequest{})
	if err != nil {
		return nil, err
	}
	searchSchema, err := reflectSchema(&sandbox.SearchRequest{})
	if err != nil {
		return nil, err
	}

	tools := map[string]any{
		"tool.YIELD": map[string]any{
			"description": "End this step without a final answer; queued requests resolve before the next step.",
			"parameters": map[string]any{
				"reason": map[string]any{"type": "string", "optional": true},
			},
		},
		"tool.FINAL": map[string]any{
			"description": "End the execution with the final answer (any JSON value).",
			"parameters": map[string]any{
				"answer": map[string]any{"type": "any"},
			},
		},
		"tool.queue_search": map[string]any{
			"description": "Queue a corpus search resolved after this step; results land in state['_tool_results']['search'][key].",
			"parameters":  searchSchema,
		},
	}
	if subcallsEnabled {
		tools["tool.queue_llm"] = map[string]any{
			"description": "Queue an LLM subcall resolved after this step; results land in state['_tool_results']['llm'][key].",
			"parameters":  llmSchema,
		}
	}
	return tools, nil
}

func reflectSchema(v any) (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	schema := reflector.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool schema: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode tool schema: %w", err)
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out, nil
}
