package trace

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlmrs/rlmrs/pkg/blob"
	"github.com/rlmrs/rlmrs/pkg/corpus"
	"github.com/rlmrs/rlmrs/pkg/sandbox"
)

func newTestWriter(store blob.Store, redact bool) *Writer {
	return NewWriter(store, Options{
		Tenant:      "t1",
		SessionID:   "sess-1",
		ExecutionID: "exec-1",
		Enabled:     true,
		Redact:      redact,
	})
}

func TestWriteTurnAndFinalize(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemStore()
	w := newTestWriter(store, false)

	require.NoError(t, w.WriteTurn(ctx, TurnRecord{
		TurnIndex: 0,
		Prompt:    "QUESTION: what?",
		Code:      "tool.YIELD()",
		Stdout:    "thinking\n",
		SpanLog:   []corpus.SpanEntry{{DocIndex: 0, StartChar: 0, EndChar: 5}},
		LLMRequests: []sandbox.LLMRequest{
			{Key: "k", Prompt: "echo back: Hello"},
		},
	}))
	require.NoError(t, w.WriteTurn(ctx, TurnRecord{
		TurnIndex: 1,
		Code:      `tool.FINAL("Hello")`,
		Final:     &sandbox.Final{IsFinal: true, Answer: "Hello"},
	}))

	key, err := w.Finalize(ctx, "COMPLETED", 2)
	require.NoError(t, err)
	assert.Equal(t, "traces/t1/sess-1/exec-1.json.gz", key)

	artifact, err := Read(ctx, store, key)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", artifact.Status)
	require.Len(t, artifact.Turns, 2)
	assert.Equal(t, "QUESTION: what?", artifact.Turns[0].Prompt)
	assert.Positive(t, artifact.Turns[0].PromptTokens)
	assert.Equal(t, len("QUESTION: what?"), artifact.Turns[0].PromptChars)
	require.NotNil(t, artifact.Turns[1].Final)
	assert.True(t, artifact.Turns[1].Final.IsFinal)
}

func TestTurnRecordsAreAppendOnlyObjects(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemStore()
	w := newTestWriter(store, false)

	require.NoError(t, w.WriteTurn(ctx, TurnRecord{TurnIndex: 0, Code: "a = 1"}))
	data, err := store.Get(ctx, "traces/t1/sess-1/exec-1/turn_0.json")
	require.NoError(t, err)
	var rec TurnRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "a = 1", rec.Code)
}

func TestRedaction(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemStore()
	w := newTestWriter(store, true)

	require.NoError(t, w.WriteTurn(ctx, TurnRecord{
		TurnIndex:   0,
		Prompt:      "secret prompt",
		ModelOutput: "secret output",
		Code:        "x = context[0].slice(0, 5)",
		LLMRequests: []sandbox.LLMRequest{{Key: "k", Prompt: "secret subprompt"}},
		SpanLog:     []corpus.SpanEntry{{DocIndex: 0, StartChar: 0, EndChar: 5}},
	}))

	key, err := w.Finalize(ctx, "COMPLETED", 1)
	require.NoError(t, err)
	artifact, err := Read(ctx, store, key)
	require.NoError(t, err)

	turn := artifact.Turns[0]
	assert.Equal(t, "[redacted]", turn.Prompt)
	assert.Equal(t, "[redacted]", turn.ModelOutput)
	assert.Equal(t, "[redacted]", turn.LLMRequests[0].Prompt)
	// Sizes and structure survive redaction.
	assert.Equal(t, len("secret prompt"), turn.PromptChars)
	assert.Equal(t, "x = context[0].slice(0, 5)", turn.Code)
	assert.Len(t, turn.SpanLog, 1)
}

func TestFinalizeSkipsMissingTurns(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemStore()
	w := newTestWriter(store, false)

	require.NoError(t, w.WriteTurn(ctx, TurnRecord{TurnIndex: 0}))
	require.NoError(t, w.WriteTurn(ctx, TurnRecord{TurnIndex: 2}))

	key, err := w.Finalize(ctx, "FAILED", 3)
	require.NoError(t, err)
	artifact, err := Read(ctx, store, key)
	require.NoError(t, err)
	assert.Len(t, artifact.Turns, 2)
}

func TestDisabledWriterIsNoop(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemStore()
	w := NewWriter(store, Options{Tenant: "t1", SessionID: "s", ExecutionID: "e", Enabled: false})

	require.NoError(t, w.WriteTurn(ctx, TurnRecord{TurnIndex: 0, Code: "x"}))
	key, err := w.Finalize(ctx, "COMPLETED", 1)
	require.NoError(t, err)
	assert.Empty(t, key)
}
