package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlmrs/rlmrs/pkg/fault"
	"github.com/rlmrs/rlmrs/pkg/state"
)

func TestExtractStep(t *testing.T) {
	code, err := ExtractStep("```repl\nx = 1\ntool.FINAL(x)\n```")
	require.NoError(t, err)
	assert.Equal(t, "x = 1\ntool.FINAL(x)\n", code)

	// Surrounding whitespace is fine.
	code, err = ExtractStep("\n\n```repl\nx = 1\n```\n\n")
	require.NoError(t, err)
	assert.Equal(t, "x = 1\n", code)
}

func TestExtractStepRejections(t *testing.T) {
	tests := []struct {
		name   string
		output string
	}{
		{"no block", "here is my plan: slice the document"},
		{"prose before", "Sure! Here you go:\n```repl\nx = 1\n```"},
		{"prose after", "```repl\nx = 1\n```\nThat should work."},
		{"two blocks", "```repl\nx = 1\n```\n```repl\ny = 2\n```"},
		{"unclosed", "```repl\nx = 1\n"},
		{"empty", "```repl\n\n```"},
		{"tag not alone on line", "```replx = 1\n```"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ExtractStep(tt.output)
			require.Error(t, err)
			assert.Equal(t, fault.CodeValidation, fault.CodeOf(err))
		})
	}
}

func TestSystemVariants(t *testing.T) {
	plain := System(false, false)
	assert.Contains(t, plain, "```repl")
	assert.NotContains(t, plain, "queue_llm")
	assert.NotContains(t, plain, "CONTEXTS")

	withSubcalls := System(true, false)
	assert.Contains(t, withSubcalls, "queue_llm")

	contexts := System(true, true)
	assert.Contains(t, contexts, "CONTEXTS")
	assert.Contains(t, contexts, `"context"`)
}

func TestBuild(t *testing.T) {
	out := Build(Input{
		Question:     "what greeting does the corpus open with?",
		DocLengths:   []int{23, 100},
		TurnIndex:    2,
		LastStdout:   "Hello\n",
		LastError:    "SANDBOX_RUNTIME_ERROR: division by zero",
		StateSummary: []state.KeySize{{Key: "notes", Bytes: 42}},
		Budget:       map[string]any{"max_turns": 8, "turns_used": 2},
		ToolStatuses: map[string]string{"k": "resolved"},
	})

	assert.Contains(t, out, "what greeting does the corpus open with?")
	assert.Contains(t, out, "2 document(s)")
	assert.Contains(t, out, "[23,100]")
	assert.Contains(t, out, "TURN: 2")
	assert.Contains(t, out, "notes: 42")
	assert.Contains(t, out, "PREVIOUS STDOUT:\nHello")
	assert.Contains(t, out, "division by zero")
	assert.Contains(t, out, `"max_turns":8`)
	assert.Contains(t, out, `"k":"resolved"`)
	assert.True(t, strings.HasSuffix(out, "Write the next step."))
}

func TestBuildOmitsEmptySections(t *testing.T) {
	out := Build(Input{Question: "q", DocLengths: []int{5}})
	assert.NotContains(t, out, "PREVIOUS STDOUT")
	assert.NotContains(t, out, "PREVIOUS ERROR")
	assert.NotContains(t, out, "STATE KEYS")
	assert.NotContains(t, out, "TOOL STATUS")
}

func TestToolSchema(t *testing.T) {
	schema, err := ToolSchema(true)
	require.NoError(t, err)
	require.Contains(t, schema, "tool.queue_llm")
	require.Contains(t, schema, "tool.queue_search")
	require.Contains(t, schema, "tool.FINAL")
	require.Contains(t, schema, "tool.YIELD")

	llm := schema["tool.queue_llm"].(map[string]any)
	params := llm["parameters"].(map[string]any)
	props := params["properties"].(map[string]any)
	assert.Contains(t, props, "key")
	assert.Contains(t, props, "prompt")
	assert.Contains(t, props, "model_hint")

	noSubcalls, err := ToolSchema(false)
	require.NoError(t, err)
	assert.NotContains(t, noSubcalls, "tool.queue_llm")
	assert.Contains(t, noSubcalls, "tool.queue_search")
}
