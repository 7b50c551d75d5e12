package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlmrs/rlmrs/pkg/blob"
	"github.com/rlmrs/rlmrs/pkg/budget"
	"github.com/rlmrs/rlmrs/pkg/citation"
	"github.com/rlmrs/rlmrs/pkg/config"
	"github.com/rlmrs/rlmrs/pkg/corpus"
	"github.com/rlmrs/rlmrs/pkg/execution"
	"github.com/rlmrs/rlmrs/pkg/fault"
	"github.com/rlmrs/rlmrs/pkg/llms"
	"github.com/rlmrs/rlmrs/pkg/metastore"
	"github.com/rlmrs/rlmrs/pkg/search"
	"github.com/rlmrs/rlmrs/pkg/session"
	"github.com/rlmrs/rlmrs/pkg/state"
	"github.com/rlmrs/rlmrs/pkg/trace"
)

const docText = "Hello, world. The answer to everything is 42. Trust the corpus."

type env struct {
	cfg        *config.Config
	meta       *metastore.MemStore
	blobs      *blob.MemStore
	sessions   *session.Service
	executions *execution.Service
	registry   *llms.Registry
	orch       *Orchestrator
	sess       *session.Session
	textKey    string
}

func newEnv(t *testing.T, root llms.Provider) *env {
	t.Helper()
	ctx := context.Background()

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Limits.MaxStepSeconds = 5

	meta := metastore.NewMemStore()
	blobs := blob.NewMemStore()
	sessions := session.NewService(meta, cfg.Runtime.SessionTTL, nil)
	executions := execution.NewService(meta, nil)

	registry, err := llms.NewRegistry(ctx, config.ProvidersConfig{})
	require.NoError(t, err)
	if root != nil {
		registry.Register("default", root)
	}

	e := &env{
		cfg:        cfg,
		meta:       meta,
		blobs:      blobs,
		sessions:   sessions,
		executions: executions,
		registry:   registry,
	}

	e.textKey = "parsed/t1/s/doc-1/text"
	offsetsKey := "parsed/t1/s/doc-1/offsets"
	require.NoError(t, blobs.Put(ctx, e.textKey, []byte(docText), "text/plain"))
	offsets := corpus.BuildOffsets(docText, 64)
	data, err := json.Marshal(offsets)
	require.NoError(t, err)
	require.NoError(t, blobs.Put(ctx, offsetsKey, data, "application/json"))

	e.sess, err = sessions.Create(ctx, "t1", session.ReadinessLax, []session.Document{{
		ID:            "doc-1",
		RawKey:        "raw/t1/doc-1",
		TextKey:       e.textKey,
		OffsetsKey:    offsetsKey,
		Checksum:      citation.HashText(docText),
		CharLength:    offsets.TotalChars,
		ParserVersion: "v1",
		Parsed:        true,
	}}, nil)
	require.NoError(t, err)
	require.Equal(t, session.StatusReady, e.sess.Status)

	e.orch = New(Options{
		Config:     cfg,
		Meta:       meta,
		Blobs:      blobs,
		Sessions:   sessions,
		Executions: executions,
		LLMs:       registry,
		Holder:     "test-holder",
	})
	return e
}

func (e *env) createExec(t *testing.T, mode execution.Mode, question string, limits config.LimitsConfig) *execution.Execution {
	t.Helper()
	exec, err := e.executions.Create(context.Background(), &execution.Execution{
		Tenant:    "t1",
		SessionID: e.sess.ID,
		Mode:      mode,
		Question:  question,
		Limits:    limits,
	})
	require.NoError(t, err)
	return exec
}

func repl(lines ...string) string {
	out := "```repl\n"
	for _, l := range lines {
		out += l + "\n"
	}
	return out + "```"
}

func TestTrivialFinal(t *testing.T) {
	root := llms.NewScriptedProvider(repl(`tool.FINAL("Hello")`))
	e := newEnv(t, root)
	exec := e.createExec(t, execution.ModeAnswerer, "what greeting does the corpus open with?", config.LimitsConfig{})

	require.NoError(t, e.orch.Run(context.Background(), exec.ID))

	got, err := e.executions.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, got.Status)
	assert.Equal(t, "Hello", got.Answer)
	assert.Equal(t, 1, got.TurnIndex)
	assert.NotEmpty(t, got.TracePointer)

	artifact, err := trace.Read(context.Background(), e.blobs, got.TracePointer)
	require.NoError(t, err)
	require.Len(t, artifact.Turns, 1)
	assert.Contains(t, artifact.Turns[0].Prompt, "what greeting does the corpus open with?")
}

func TestSubcallRoundTrip(t *testing.T) {
	root := llms.NewScriptedProvider(
		repl(
			`tool.queue_llm(key="sub", prompt="say Hello", model_hint="helper")`,
			`tool.YIELD("waiting for the subcall")`,
		),
		repl(`tool.FINAL(state["_tool_results"]["llm"]["sub"]["text"])`),
	)
	e := newEnv(t, root)
	helper := llms.NewScriptedProvider("Hello")
	e.registry.Register("helper", helper)

	exec := e.createExec(t, execution.ModeAnswerer, "ask the helper", config.LimitsConfig{})
	require.NoError(t, e.orch.Run(context.Background(), exec.ID))

	got, err := e.executions.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, got.Status)
	assert.Equal(t, "Hello", got.Answer)
	assert.Equal(t, 1, got.Consumed.LLMSubcalls)
	require.Len(t, helper.Calls(), 1)
	assert.Equal(t, "say Hello", helper.Calls()[0].Prompt)

	// The second root prompt carries the resolved status.
	calls := root.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].Prompt, `"sub":"resolved"`)
}

func TestMaxTurnsExceeded(t *testing.T) {
	root := llms.NewScriptedProvider(repl(`print("still thinking")`))
	e := newEnv(t, root)
	exec := e.createExec(t, execution.ModeAnswerer, "loop forever", config.LimitsConfig{MaxTurns: 2})

	require.NoError(t, e.orch.Run(context.Background(), exec.ID))

	got, err := e.executions.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusMaxTurnsExceeded, got.Status)
	assert.Equal(t, 2, got.TurnIndex)
	require.NotNil(t, got.Error)
	assert.Equal(t, fault.CodeMaxTurnsExceeded, got.Error.Code)

	artifact, err := trace.Read(context.Background(), e.blobs, got.TracePointer)
	require.NoError(t, err)
	assert.Len(t, artifact.Turns, 2)
}

func TestSpanBudgetExhaustionTerminates(t *testing.T) {
	root := llms.NewScriptedProvider(repl(`x = context[0].slice(0, 3)`, `print(x)`))
	e := newEnv(t, root)
	exec := e.createExec(t, execution.ModeAnswerer, "read it all",
		config.LimitsConfig{MaxTurns: 10, MaxSpansTotal: 2})

	require.NoError(t, e.orch.Run(context.Background(), exec.ID))

	got, err := e.executions.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusBudgetExceeded, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, fault.CodeBudgetExceeded, got.Error.Code)
	// One span per turn: two turns land, the third never starts.
	assert.Equal(t, 2, got.TurnIndex)
	assert.Equal(t, 2, got.Consumed.Spans)
}

func TestASTRejectionContinues(t *testing.T) {
	root := llms.NewScriptedProvider(
		repl(`import os`),
		repl(`tool.FINAL("recovered")`),
	)
	e := newEnv(t, root)
	exec := e.createExec(t, execution.ModeAnswerer, "misbehave once", config.LimitsConfig{})

	require.NoError(t, e.orch.Run(context.Background(), exec.ID))

	got, err := e.executions.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, got.Status)
	assert.Equal(t, "recovered", got.Answer)
	assert.Equal(t, 2, got.TurnIndex)

	artifact, err := trace.Read(context.Background(), e.blobs, got.TracePointer)
	require.NoError(t, err)
	require.Len(t, artifact.Turns, 2)
	require.NotNil(t, artifact.Turns[0].StepError)
	assert.Equal(t, fault.CodeSandboxASTRejected, artifact.Turns[0].StepError.Code)

	calls := root.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].Prompt, "PREVIOUS ERROR")
	assert.Contains(t, calls[1].Prompt, string(fault.CodeSandboxASTRejected))
}

func TestParseErrorSurfacedNextTurn(t *testing.T) {
	root := llms.NewScriptedProvider(
		"I think the answer is in the first sentence.",
		repl(`tool.FINAL("ok")`),
	)
	e := newEnv(t, root)
	exec := e.createExec(t, execution.ModeAnswerer, "reply badly once", config.LimitsConfig{})

	require.NoError(t, e.orch.Run(context.Background(), exec.ID))

	got, err := e.executions.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.TurnIndex)

	calls := root.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].Prompt, "PREVIOUS ERROR")
	assert.Contains(t, calls[1].Prompt, "repl block")
}

func TestStateOffloadRoundTrip(t *testing.T) {
	root := llms.NewScriptedProvider(
		repl(`state["notes"] = "x" * 500`, `print("saved")`),
		repl(`tool.FINAL(state["notes"][:5])`),
	)
	e := newEnv(t, root)
	exec := e.createExec(t, execution.ModeAnswerer, "hoard some state", config.LimitsConfig{StateInlineCutoff: 64})

	require.NoError(t, e.orch.Run(context.Background(), exec.ID))

	got, err := e.executions.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, got.Status)
	assert.Equal(t, "xxxxx", got.Answer)

	snap, err := e.executions.LoadState(context.Background(), exec.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.True(t, snap.Offloaded())
	_, err = e.blobs.Get(context.Background(), snap.URI)
	require.NoError(t, err)
}

func TestCitationsDerivedAndVerifiable(t *testing.T) {
	root := llms.NewScriptedProvider(
		repl(`x = context[0].slice(0, 5, "quote")`, `tool.FINAL(x)`),
	)
	e := newEnv(t, root)
	exec := e.createExec(t, execution.ModeAnswerer, "quote the greeting", config.LimitsConfig{})

	require.NoError(t, e.orch.Run(context.Background(), exec.ID))

	got, err := e.executions.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, got.Status)
	assert.Equal(t, "Hello", got.Answer)
	require.Len(t, got.Citations, 1)
	ref := got.Citations[0]
	assert.Equal(t, "doc-1", ref.DocID)
	assert.Equal(t, 0, ref.StartChar)
	assert.Equal(t, 5, ref.EndChar)
	assert.Equal(t, citation.HashText("Hello"), ref.Checksum)

	view := corpus.New(e.blobs, e.sess.Manifest(), corpus.NewRecorder(-1, -1), 16)
	valid, err := citation.Verify(context.Background(), view, ref)
	require.NoError(t, err)
	assert.True(t, valid)

	// Corrupting the canonical text breaks verification.
	mutated := "Hxllo" + docText[5:]
	require.NoError(t, e.blobs.Put(context.Background(), e.textKey, []byte(mutated), "text/plain"))
	view = corpus.New(e.blobs, e.sess.Manifest(), corpus.NewRecorder(-1, -1), 16)
	valid, err = citation.Verify(context.Background(), view, ref)
	assert.False(t, valid)
	assert.Equal(t, fault.CodeChecksumMismatch, fault.CodeOf(err))
}

func TestContextsModeReplacesAnswer(t *testing.T) {
	root := llms.NewScriptedProvider(
		repl(
			`context[0].slice(14, 45, "context:answer")`,
			`context[0].slice(0, 5, "scratch")`,
			`tool.FINAL("found it")`,
		),
	)
	e := newEnv(t, root)
	exec, err := e.executions.Create(context.Background(), &execution.Execution{
		Tenant:     "t1",
		SessionID:  e.sess.ID,
		Mode:       execution.ModeAnswerer,
		OutputMode: execution.OutputContexts,
		Question:   "where is the answer?",
	})
	require.NoError(t, err)

	require.NoError(t, e.orch.Run(context.Background(), exec.ID))

	got, err := e.executions.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, got.Status)

	// The answer is the context-tagged span list, not the FINAL value.
	data, err := json.Marshal(got.Answer)
	require.NoError(t, err)
	var refs []citation.SpanRef
	require.NoError(t, json.Unmarshal(data, &refs))
	require.Len(t, refs, 1)
	assert.Equal(t, 14, refs[0].StartChar)
	assert.Equal(t, 45, refs[0].EndChar)

	// Citations cover every logged span; the two ranges sit inside the
	// merge gap and collapse into one.
	require.Len(t, got.Citations, 1)
	assert.Equal(t, 0, got.Citations[0].StartChar)
	assert.Equal(t, 45, got.Citations[0].EndChar)
}

func TestRunCancelledExecutionIsNoop(t *testing.T) {
	root := llms.NewScriptedProvider(repl(`tool.FINAL("never")`))
	e := newEnv(t, root)
	exec := e.createExec(t, execution.ModeAnswerer, "cancel me", config.LimitsConfig{})

	_, err := e.executions.Cancel(context.Background(), exec.ID)
	require.NoError(t, err)

	require.NoError(t, e.orch.Run(context.Background(), exec.ID))
	got, err := e.executions.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCancelled, got.Status)
	assert.Empty(t, root.Calls())
}

func TestRunRespectsLease(t *testing.T) {
	root := llms.NewScriptedProvider(repl(`tool.FINAL("mine")`))
	e := newEnv(t, root)
	exec := e.createExec(t, execution.ModeAnswerer, "contended", config.LimitsConfig{})

	lease, err := budget.Acquire(context.Background(), e.meta, exec.ID, "other-holder", time.Minute)
	require.NoError(t, err)
	defer lease.Release(context.Background())

	err = e.orch.Run(context.Background(), exec.ID)
	assert.ErrorIs(t, err, budget.ErrLeaseHeld)
}

func TestRootProviderFailureFailsExecution(t *testing.T) {
	root := llms.NewScriptedProvider()
	root.Handler = func(llms.Request) (string, error) {
		return "", &llms.ProviderError{Provider: "stub", Status: 401, Message: "bad key"}
	}
	e := newEnv(t, root)
	exec := e.createExec(t, execution.ModeAnswerer, "doomed", config.LimitsConfig{})

	require.NoError(t, e.orch.Run(context.Background(), exec.ID))

	got, err := e.executions.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, fault.CodeLLMProvider, got.Error.Code)
}

func TestRuntimeModeStepToFinal(t *testing.T) {
	e := newEnv(t, nil)
	exec := e.createExec(t, execution.ModeRuntime, "", config.LimitsConfig{})

	res, err := e.orch.Step(context.Background(), exec.ID, StepRequest{
		Code: `x = context[0].slice(0, 5, "quote")` + "\n" + `state["seen"] = x`,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.TurnIndex)
	assert.Len(t, res.SpanLog, 1)
	assert.Equal(t, execution.StatusRunning, res.Execution.Status)

	res, err = e.orch.Step(context.Background(), exec.ID, StepRequest{
		Code: `tool.FINAL(state["seen"])`,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Final)
	assert.True(t, res.Final.IsFinal)
	assert.Equal(t, execution.StatusCompleted, res.Execution.Status)
	assert.Equal(t, "Hello", res.Execution.Answer)
	require.Len(t, res.Execution.Citations, 1)
	assert.Equal(t, citation.HashText("Hello"), res.Execution.Citations[0].Checksum)
}

func TestRuntimeModeResolveTools(t *testing.T) {
	e := newEnv(t, nil)
	searcher := search.NewStubProvider()
	searcher.Add("answer", search.Hit{DocIndex: 0, StartChar: 14, EndChar: 45, Score: 0.9, Preview: "The answer"})
	e.orch.search = searcher

	exec := e.createExec(t, execution.ModeRuntime, "", config.LimitsConfig{})

	res, err := e.orch.Step(context.Background(), exec.ID, StepRequest{
		Code:         `tool.queue_search(key="s", query="answer", k=3)` + "\n" + `tool.YIELD()`,
		ResolveTools: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "resolved", res.ToolStatuses["s"])

	res, err = e.orch.Step(context.Background(), exec.ID, StepRequest{
		Code: `hit = state["_tool_results"]["search"]["s"]["hits"][0]` + "\n" +
			`tool.FINAL(hit["preview"])`,
	})
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, res.Execution.Status)
	assert.Equal(t, "The answer", res.Execution.Answer)
}

func TestRuntimeModeBudgetTerminates(t *testing.T) {
	e := newEnv(t, nil)
	exec := e.createExec(t, execution.ModeRuntime, "", config.LimitsConfig{MaxTurns: 1})

	_, err := e.orch.Step(context.Background(), exec.ID, StepRequest{Code: `print("one")`})
	require.NoError(t, err)

	_, err = e.orch.Step(context.Background(), exec.ID, StepRequest{Code: `print("two")`})
	require.Error(t, err)
	assert.Equal(t, fault.CodeMaxTurnsExceeded, fault.CodeOf(err))

	got, err := e.executions.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusMaxTurnsExceeded, got.Status)
}

func TestRuntimeModeStateOverride(t *testing.T) {
	e := newEnv(t, nil)
	exec := e.createExec(t, execution.ModeRuntime, "", config.LimitsConfig{})

	_, err := e.orch.Step(context.Background(), exec.ID, StepRequest{Code: `state["keep"] = "old"`})
	require.NoError(t, err)

	res, err := e.orch.Step(context.Background(), exec.ID, StepRequest{
		Code:          `tool.FINAL(state.get("keep", "overridden"))`,
		StateOverride: state.State{"fresh": true},
	})
	require.NoError(t, err)
	assert.Equal(t, "overridden", res.Execution.Answer)
}

func TestDispatcherBoundsWorkers(t *testing.T) {
	root := llms.NewScriptedProvider(repl(`tool.FINAL("ok")`))
	e := newEnv(t, root)

	d := NewDispatcher(context.Background(), e.orch, 2)
	ids := make([]string, 3)
	for i := range ids {
		exec := e.createExec(t, execution.ModeAnswerer, "fan out", config.LimitsConfig{})
		ids[i] = exec.ID
		require.NoError(t, d.Submit(context.Background(), exec.ID))
	}
	d.Wait()

	for _, id := range ids {
		got, err := e.executions.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, execution.StatusCompleted, got.Status)
	}
}
