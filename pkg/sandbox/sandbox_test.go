package sandbox

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlmrs/rlmrs/pkg/blob"
	"github.com/rlmrs/rlmrs/pkg/corpus"
	"github.com/rlmrs/rlmrs/pkg/fault"
	"github.com/rlmrs/rlmrs/pkg/state"
)

func newTestView(t *testing.T, texts ...string) (*corpus.Corpus, *corpus.Recorder) {
	t.Helper()
	ctx := context.Background()
	store := blob.NewMemStore()
	infos := make([]corpus.DocumentInfo, len(texts))
	for i, text := range texts {
		id := string(rune('a' + i))
		textKey := "parsed/t/s/" + id + "/text"
		offsetsKey := "parsed/t/s/" + id + "/offsets"
		require.NoError(t, store.Put(ctx, textKey, []byte(text), "text/plain"))
		offsets := corpus.BuildOffsets(text, 64)
		data, err := json.Marshal(offsets)
		require.NoError(t, err)
		require.NoError(t, store.Put(ctx, offsetsKey, data, "application/json"))
		infos[i] = corpus.DocumentInfo{
			ID:         id,
			TextKey:    textKey,
			OffsetsKey: offsetsKey,
			CharLength: offsets.TotalChars,
		}
	}
	rec := corpus.NewRecorder(-1, -1)
	return corpus.New(store, infos, rec, 16), rec
}

func run(t *testing.T, code string, st state.State, texts ...string) *Result {
	t.Helper()
	view, rec := newTestView(t, texts...)
	if st == nil {
		st = state.New()
	}
	return Execute(context.Background(), Input{
		Code:     code,
		State:    st,
		View:     view,
		Recorder: rec,
		Limits: Limits{
			MaxStdoutChars:         4096,
			MaxSteps:               1_000_000,
			MaxToolRequestsPerStep: 8,
			StepTimeout:            5 * time.Second,
		},
	})
}

func TestRejectedSources(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"import", "import os"},
		{"import in string", `x = "import os"`},
		{"global", "global x"},
		{"nonlocal", "nonlocal x"},
		{"load", `load("module", "sym")`},
		{"banned name", "eval('1+1')"},
		{"banned module ident", "x = os"},
		{"dunder attr", "x = state.__class__"},
		{"syntax error", "def f(:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := state.State{"keep": "me"}
			res := run(t, tt.code, st, "doc text")
			require.NotNil(t, res.Error)
			assert.Equal(t, fault.CodeSandboxASTRejected, res.Error.Code)
			assert.False(t, res.Success)
			// Rejected steps never execute: state unchanged, nothing logged.
			assert.Equal(t, state.State{"keep": "me"}, res.State)
			assert.Empty(t, res.SpanLog)
		})
	}
}

func TestSliceAndFinal(t *testing.T) {
	code := `
text = context[0].slice(0, 5, "greeting")
tool.FINAL(answer=text)
`
	res := run(t, code, nil, "Hello world")
	require.Nil(t, res.Error)
	assert.True(t, res.Success)
	require.NotNil(t, res.Final)
	assert.True(t, res.Final.IsFinal)
	assert.Equal(t, "Hello", res.Final.Answer)

	require.Len(t, res.SpanLog, 1)
	assert.Equal(t, corpus.SpanEntry{DocIndex: 0, StartChar: 0, EndChar: 5, Tag: "greeting"}, res.SpanLog[0])
}

func TestFinalStopsExecution(t *testing.T) {
	code := `
tool.FINAL(answer="done")
print("unreachable")
`
	res := run(t, code, nil)
	require.Nil(t, res.Error)
	require.NotNil(t, res.Final)
	assert.Equal(t, "done", res.Final.Answer)
	assert.NotContains(t, res.Stdout, "unreachable")
}

func TestQueueAndYield(t *testing.T) {
	code := `
tool.queue_llm(key="summary", prompt="Summarize: " + context[0].slice(0, 11, "context"))
tool.queue_search(key="related", query="greetings", k=3)
tool.YIELD(reason="waiting on subcalls")
`
	res := run(t, code, nil, "Hello world, again")
	require.Nil(t, res.Error)
	require.NotNil(t, res.Final)
	assert.False(t, res.Final.IsFinal)
	assert.Equal(t, "waiting on subcalls", res.Final.Reason)

	require.Len(t, res.LLMRequests, 1)
	assert.Equal(t, "summary", res.LLMRequests[0].Key)
	assert.Equal(t, "Summarize: Hello world", res.LLMRequests[0].Prompt)

	require.Len(t, res.SearchRequests, 1)
	assert.Equal(t, "related", res.SearchRequests[0].Key)
	assert.Equal(t, 3, res.SearchRequests[0].K)
}

func TestToolRequestCap(t *testing.T) {
	code := `
for i in range(20):
    tool.queue_llm(key="k" + str(i), prompt="p")
`
	res := run(t, code, nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, fault.CodeBudgetExceeded, res.Error.Code)
	// Requests queued before the cap survive for the trace.
	assert.Len(t, res.LLMRequests, 8)
}

func TestDuplicateKeyReplaces(t *testing.T) {
	code := `
tool.queue_llm(key="a", prompt="first")
tool.queue_llm(key="a", prompt="second")
tool.YIELD()
`
	res := run(t, code, nil)
	require.Nil(t, res.Error)
	require.Len(t, res.LLMRequests, 1)
	assert.Equal(t, "second", res.LLMRequests[0].Prompt)
}

func TestStateMutationAndOwnedKeys(t *testing.T) {
	code := `
state["notes"] = ["alpha", "beta"]
state["count"] = state.get("count", 0) + 1
state["_budgets"] = "tampered"
state.pop("_tool_results")
tool.YIELD()
`
	st := state.State{
		"count":         float64(41),
		"_tool_results": map[string]any{"r": "kept"},
		"_budgets":      map[string]any{"turns": float64(3)},
	}
	res := run(t, code, st)
	require.Nil(t, res.Error)

	assert.Equal(t, []any{"alpha", "beta"}, res.State["notes"])
	assert.Equal(t, int64(42), res.State["count"])
	// Orchestrator-owned keys are restored over in-sandbox edits.
	assert.Equal(t, map[string]any{"turns": float64(3)}, res.State["_budgets"])
	assert.Equal(t, map[string]any{"r": "kept"}, res.State["_tool_results"])
}

func TestStdoutCaptureAndTruncation(t *testing.T) {
	res := run(t, `print("hello", 42)`, nil)
	require.Nil(t, res.Error)
	assert.Equal(t, "hello 42\n", res.Stdout)

	view, rec := newTestView(t)
	res = Execute(context.Background(), Input{
		Code:     `print("x" * 100)`,
		State:    state.New(),
		View:     view,
		Recorder: rec,
		Limits:   Limits{MaxStdoutChars: 20, MaxSteps: 100000},
	})
	require.Nil(t, res.Error)
	assert.True(t, strings.HasSuffix(res.Stdout, "[stdout truncated]"))
	assert.LessOrEqual(t, len(res.Stdout), 20+len("\n[stdout truncated]"))
}

func TestInstructionBudget(t *testing.T) {
	view, rec := newTestView(t)
	res := Execute(context.Background(), Input{
		Code:     "x = 0\nwhile True:\n    x += 1\n",
		State:    state.New(),
		View:     view,
		Recorder: rec,
		Limits:   Limits{MaxSteps: 10_000},
	})
	require.NotNil(t, res.Error)
	assert.Equal(t, fault.CodeSandboxLineLimit, res.Error.Code)
}

func TestStepTimeout(t *testing.T) {
	view, rec := newTestView(t)
	res := Execute(context.Background(), Input{
		Code:     "x = 0\nwhile True:\n    x += 1\n",
		State:    state.New(),
		View:     view,
		Recorder: rec,
		Limits:   Limits{StepTimeout: 50 * time.Millisecond},
	})
	require.NotNil(t, res.Error)
	assert.Equal(t, fault.CodeStepTimeout, res.Error.Code)
}

func TestRuntimeErrorKeepsState(t *testing.T) {
	code := `
state["progress"] = "step one done"
boom = 1 // 0
`
	res := run(t, code, nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, fault.CodeSandboxRuntime, res.Error.Code)
	// Best-effort state survives the failure.
	assert.Equal(t, "step one done", res.State["progress"])
}

func TestSpanCapFailsStep(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemStore()
	text := "abcdefghij"
	require.NoError(t, store.Put(ctx, "text", []byte(text), "text/plain"))
	data, err := json.Marshal(corpus.BuildOffsets(text, 64))
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "offsets", data, "application/json"))
	rec := corpus.NewRecorder(1, -1)
	view := corpus.New(store, []corpus.DocumentInfo{{
		ID: "a", TextKey: "text", OffsetsKey: "offsets", CharLength: 10,
	}}, rec, 16)

	code := `
a = context[0].slice(0, 2)
b = context[0].slice(2, 4)
tool.FINAL(answer=a + b)
`
	res := Execute(ctx, Input{Code: code, State: state.New(), View: view, Recorder: rec,
		Limits: Limits{MaxSteps: 100000}})
	require.NotNil(t, res.Error)
	assert.Equal(t, fault.CodeBudgetExceeded, res.Error.Code)
	assert.Len(t, res.SpanLog, 1)
}

func TestDocumentOperators(t *testing.T) {
	code := `
n = len(context)
doc = context[0]
first = doc[0]
head = doc[0:4]
hits = doc.find("wor", tag="scan")
tool.FINAL(answer={"n": n, "first": first, "head": head, "hits": hits})
`
	res := run(t, code, nil, "Hello world")
	require.Nil(t, res.Error)
	answer := res.Final.Answer.(map[string]any)
	assert.Equal(t, int64(1), answer["n"])
	assert.Equal(t, "H", answer["first"])
	assert.Equal(t, "Hell", answer["head"])
	assert.Equal(t, []any{[]any{int64(6), int64(9)}}, answer["hits"])
}

func TestNegativeStepSlicing(t *testing.T) {
	code := `
doc = context[0]
rev = doc[::-1]
evens = doc[::2]
mid = doc[4:1:-1]
tool.FINAL(answer={"rev": rev, "evens": evens, "mid": mid})
`
	res := run(t, code, nil, "abcdef")
	require.Nil(t, res.Error)
	answer := res.Final.Answer.(map[string]any)
	assert.Equal(t, "fedcba", answer["rev"])
	assert.Equal(t, "ace", answer["evens"])
	assert.Equal(t, "edc", answer["mid"])
}

func TestBuiltins(t *testing.T) {
	code := `
doubled = map(lambda x: x * 2, [1, 2, 3])
odds = filter(lambda x: x % 2 == 1, [1, 2, 3, 4])
total = sum([1, 2, 3])
pi = round(3.14159, 2)
ok = isinstance("s", str) and isinstance(3, int) and not isinstance(3, str)
tool.FINAL(answer={"doubled": doubled, "odds": odds, "total": total, "pi": pi, "ok": ok})
`
	res := run(t, code, nil)
	require.Nil(t, res.Error, "error: %v", res.Error)
	answer := res.Final.Answer.(map[string]any)
	assert.Equal(t, []any{int64(2), int64(4), int64(6)}, answer["doubled"])
	assert.Equal(t, []any{int64(1), int64(3)}, answer["odds"])
	assert.Equal(t, int64(6), answer["total"])
	assert.Equal(t, 3.14, answer["pi"])
	assert.Equal(t, true, answer["ok"])
}

func TestNonSerializableStateFails(t *testing.T) {
	code := `
state["fn"] = lambda x: x
tool.YIELD()
`
	res := run(t, code, nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, fault.CodeStateInvalidType, res.Error.Code)
}
