package execution

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlmrs/rlmrs/pkg/budget"
	"github.com/rlmrs/rlmrs/pkg/fault"
	"github.com/rlmrs/rlmrs/pkg/metastore"
	"github.com/rlmrs/rlmrs/pkg/state"
)

func newTestService() *Service {
	return NewService(metastore.NewMemStore(), nil)
}

func createExecution(t *testing.T, svc *Service) *Execution {
	t.Helper()
	exec, err := svc.Create(context.Background(), &Execution{
		Tenant:    "t1",
		SessionID: "sess-1",
		Mode:      ModeAnswerer,
		Question:  "what is in the corpus?",
	})
	require.NoError(t, err)
	return exec
}

func TestStatusMachine(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	exec := createExecution(t, svc)
	assert.Equal(t, StatusPending, exec.Status)

	exec, err := svc.Start(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, exec.Status)
	assert.False(t, exec.StartedAt.IsZero())

	// Double start is a validation error.
	_, err = svc.Start(ctx, exec.ID)
	assert.Equal(t, fault.CodeValidation, fault.CodeOf(err))

	exec.TurnIndex = 1
	exec.Answer = "Hello"
	exec, err = svc.Complete(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.True(t, exec.Status.IsTerminal())
}

func TestTerminalStatesAbsorb(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	exec := createExecution(t, svc)
	_, err := svc.Start(ctx, exec.ID)
	require.NoError(t, err)

	cause := fault.New(fault.CodeMaxTurnsExceeded, "turn budget exhausted")
	exec, err = svc.Terminate(ctx, exec.ID, StatusMaxTurnsExceeded, cause, "")
	require.NoError(t, err)
	assert.Equal(t, StatusMaxTurnsExceeded, exec.Status)

	// Terminal absorbs further terminal signals unchanged.
	exec, err = svc.Terminate(ctx, exec.ID, StatusFailed, nil, "")
	require.NoError(t, err)
	assert.Equal(t, StatusMaxTurnsExceeded, exec.Status)

	// Completing a terminal execution fails.
	_, err = svc.Complete(ctx, exec)
	assert.Equal(t, fault.CodeValidation, fault.CodeOf(err))
}

func TestCancelIsIdempotent(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	exec := createExecution(t, svc)
	_, err := svc.Start(ctx, exec.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*Execution, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Cancel(ctx, exec.ID)
			if err == nil {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	final, err := svc.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, StatusCancelled, r.Status)
	}
}

func TestTracePointerBackfillsTerminalExecution(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	exec := createExecution(t, svc)
	_, err := svc.Start(ctx, exec.ID)
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, exec.ID)
	require.NoError(t, err)

	// The artifact lands after the cancel; the pointer must still stick.
	pointer := "traces/t1/sess-1/" + exec.ID + ".json.gz"
	exec, err = svc.Terminate(ctx, exec.ID, StatusCancelled, nil, pointer)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, exec.Status)
	assert.Equal(t, pointer, exec.TracePointer)

	// A stored pointer is never overwritten, and status stays absorbed.
	exec, err = svc.Terminate(ctx, exec.ID, StatusFailed, nil, "traces/t1/sess-1/other.json.gz")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, exec.Status)
	assert.Equal(t, pointer, exec.TracePointer)
}

func TestProgressIsMonotonic(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	exec := createExecution(t, svc)
	_, err := svc.Start(ctx, exec.ID)
	require.NoError(t, err)

	exec.TurnIndex = 2
	exec.Consumed = budget.Consumed{Turns: 2, LLMSubcalls: 1}
	require.NoError(t, err)
	require.NoError(t, svc.Progress(ctx, exec))

	got, err := svc.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TurnIndex)
	assert.Equal(t, 1, got.Consumed.LLMSubcalls)
}

func TestValidation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Create(ctx, &Execution{SessionID: "s", Mode: ModeAnswerer, Question: "q"})
	assert.Equal(t, fault.CodeValidation, fault.CodeOf(err))

	_, err = svc.Create(ctx, &Execution{Tenant: "t", SessionID: "s", Mode: "odd"})
	assert.Equal(t, fault.CodeValidation, fault.CodeOf(err))

	_, err = svc.Create(ctx, &Execution{Tenant: "t", SessionID: "s", Mode: ModeAnswerer})
	assert.Equal(t, fault.CodeValidation, fault.CodeOf(err))

	// Runtime mode needs no question.
	_, err = svc.Create(ctx, &Execution{Tenant: "t", SessionID: "s", Mode: ModeRuntime})
	require.NoError(t, err)

	_, err = svc.Get(ctx, "missing")
	assert.Equal(t, fault.CodeExecutionNotFound, fault.CodeOf(err))
}

func TestStatePointerGuardedByTurn(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	exec := createExecution(t, svc)

	none, err := svc.LoadState(ctx, exec.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, svc.SaveState(ctx, exec.ID, &state.Snapshot{TurnIndex: 1, Checksum: "sha256:a"}))
	require.NoError(t, svc.SaveState(ctx, exec.ID, &state.Snapshot{TurnIndex: 2, Checksum: "sha256:b"}))

	// A stale writer loses.
	err = svc.SaveState(ctx, exec.ID, &state.Snapshot{TurnIndex: 1, Checksum: "sha256:c"})
	require.Error(t, err)
	assert.Equal(t, fault.CodeValidation, fault.CodeOf(err))

	snap, err := svc.LoadState(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.TurnIndex)
	assert.Equal(t, "sha256:b", snap.Checksum)
}

func TestAuditTrail(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	exec := createExecution(t, svc)
	_, err := svc.Start(ctx, exec.ID)
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, exec.ID)
	require.NoError(t, err)

	entries, err := svc.Audit(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, StatusPending, entries[0].To)
	assert.Equal(t, StatusRunning, entries[1].To)
	assert.Equal(t, StatusCancelled, entries[2].To)
}

func TestTerminalFor(t *testing.T) {
	assert.Equal(t, StatusMaxTurnsExceeded, TerminalFor(fault.CodeMaxTurnsExceeded))
	assert.Equal(t, StatusBudgetExceeded, TerminalFor(fault.CodeBudgetExceeded))
	assert.Equal(t, StatusTimeout, TerminalFor(fault.CodeStepTimeout))
	assert.Equal(t, StatusFailed, TerminalFor(fault.CodeInternal))
}
