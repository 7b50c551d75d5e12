package sandbox

import (
	"fmt"

	"go.starlark.net/starlark"

	"github.com/rlmrs/rlmrs/pkg/fault"
)

// LLMRequest is a queued subcall emitted by sandbox code.
type LLMRequest struct {
	Key         string         `json:"key"`
	Prompt      string         `json:"prompt"`
	ModelHint   string         `json:"model_hint,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature float64        `json:"temperature"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SearchRequest is a queued search emitted by sandbox code.
type SearchRequest struct {
	Key     string         `json:"key"`
	Query   string         `json:"query"`
	K       int            `json:"k"`
	Filters map[string]any `json:"filters,omitempty"`
}

// Final is the cooperative terminator outcome of a step.
type Final struct {
	IsFinal bool   `json:"is_final"`
	Answer  any    `json:"answer,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// toolValue exposes the `tool` API: queue_llm, queue_search, YIELD, FINAL.
// The first terminator executed ends the step; requests only queue, they
// never resolve in-sandbox.
type toolValue struct {
	rt *Runtime

	llmOrder    []string
	llm         map[string]LLMRequest
	searchOrder []string
	search      map[string]SearchRequest
	final       *Final
}

func newToolValue(rt *Runtime) *toolValue {
	return &toolValue{
		rt:     rt,
		llm:    make(map[string]LLMRequest),
		search: make(map[string]SearchRequest),
	}
}

func (t *toolValue) String() string        { return "<tool>" }
func (t *toolValue) Type() string          { return "tool" }
func (t *toolValue) Freeze()               {}
func (t *toolValue) Truth() starlark.Bool  { return true }
func (t *toolValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: tool") }

func (t *toolValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "queue_llm":
		return starlark.NewBuiltin("queue_llm", t.queueLLM), nil
	case "queue_search":
		return starlark.NewBuiltin("queue_search", t.queueSearch), nil
	case "YIELD":
		return starlark.NewBuiltin("YIELD", t.yield), nil
	case "FINAL":
		return starlark.NewBuiltin("FINAL", t.finalize), nil
	}
	return nil, nil
}

func (t *toolValue) AttrNames() []string {
	return []string{"FINAL", "YIELD", "queue_llm", "queue_search"}
}

func (t *toolValue) queueLLM(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key, prompt, modelHint string
	var maxTokens int
	var temperature float64
	var metadata *starlark.Dict
	if err := starlark.UnpackArgs("queue_llm", args, kwargs,
		"key", &key, "prompt", &prompt, "model_hint?", &modelHint,
		"max_tokens?", &maxTokens, "temperature?", &temperature, "metadata?", &metadata); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("queue_llm: key must not be empty")
	}
	if err := t.checkCap(); err != nil {
		t.rt.note(err)
		return nil, err
	}

	req := LLMRequest{Key: key, Prompt: prompt, ModelHint: modelHint, MaxTokens: maxTokens, Temperature: temperature}
	if metadata != nil {
		m, err := starlarkToJSON(metadata)
		if err != nil {
			return nil, fmt.Errorf("queue_llm: bad metadata: %w", err)
		}
		req.Metadata = m.(map[string]any)
	}
	if _, exists := t.llm[key]; !exists {
		t.llmOrder = append(t.llmOrder, key)
	}
	t.llm[key] = req
	return starlark.None, nil
}

func (t *toolValue) queueSearch(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key, query string
	k := 10
	var filters *starlark.Dict
	if err := starlark.UnpackArgs("queue_search", args, kwargs,
		"key", &key, "query", &query, "k?", &k, "filters?", &filters); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("queue_search: key must not be empty")
	}
	if err := t.checkCap(); err != nil {
		t.rt.note(err)
		return nil, err
	}

	req := SearchRequest{Key: key, Query: query, K: k}
	if filters != nil {
		f, err := starlarkToJSON(filters)
		if err != nil {
			return nil, fmt.Errorf("queue_search: bad filters: %w", err)
		}
		req.Filters = f.(map[string]any)
	}
	if _, exists := t.search[key]; !exists {
		t.searchOrder = append(t.searchOrder, key)
	}
	t.search[key] = req
	return starlark.None, nil
}

// yield ends the step with is_final=false. The raised terminator stops the
// interpreter at the call site.
func (t *toolValue) yield(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var reason string
	if err := starlark.UnpackArgs("YIELD", args, kwargs, "reason?", &reason); err != nil {
		return nil, err
	}
	t.final = &Final{IsFinal: false, Reason: reason}
	return nil, errTerminated
}

// finalize ends the step with is_final=true and the given answer. A step
// can only execute one terminator, so the call that runs is the one that
// wins.
func (t *toolValue) finalize(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var answer starlark.Value
	if err := starlark.UnpackArgs("FINAL", args, kwargs, "answer", &answer); err != nil {
		return nil, err
	}
	converted, err := starlarkToJSON(answer)
	if err != nil {
		return nil, fmt.Errorf("FINAL: answer is not JSON-serializable: %w", err)
	}
	t.final = &Final{IsFinal: true, Answer: converted}
	return nil, errTerminated
}

func (t *toolValue) checkCap() error {
	max := t.rt.limits.MaxToolRequestsPerStep
	if max > 0 && len(t.llm)+len(t.search) >= max {
		return fault.New(fault.CodeBudgetExceeded, "tool request cap reached (%d per step)", max)
	}
	return nil
}

// LLMRequests returns queued llm requests in first-queued order.
func (t *toolValue) LLMRequests() []LLMRequest {
	out := make([]LLMRequest, 0, len(t.llmOrder))
	for _, key := range t.llmOrder {
		out = append(out, t.llm[key])
	}
	return out
}

// SearchRequests returns queued search requests in first-queued order.
func (t *toolValue) SearchRequests() []SearchRequest {
	out := make([]SearchRequest, 0, len(t.searchOrder))
	for _, key := range t.searchOrder {
		out = append(out, t.search[key])
	}
	return out
}

var _ starlark.HasAttrs = (*toolValue)(nil)
