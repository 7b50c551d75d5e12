package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlmrs/rlmrs/pkg/config"
	"github.com/rlmrs/rlmrs/pkg/fault"
	"github.com/rlmrs/rlmrs/pkg/metastore"
)

func TestMergeKeepsDefaultsForZeroFields(t *testing.T) {
	defaults := config.LimitsConfig{}
	defaults.SetDefaults()

	merged := Merge(defaults, &config.LimitsConfig{MaxTurns: 3, MaxLLMSubcalls: 1})
	assert.Equal(t, 3, merged.MaxTurns)
	assert.Equal(t, 1, merged.MaxLLMSubcalls)
	assert.Equal(t, defaults.MaxStateChars, merged.MaxStateChars)
	assert.Equal(t, defaults.StateInlineCutoff, merged.StateInlineCutoff)

	assert.Equal(t, defaults, Merge(defaults, nil))
}

func TestTrackerTurnAndTimeBudgets(t *testing.T) {
	started := time.Now()
	tr := NewTracker(config.LimitsConfig{MaxTurns: 2, MaxTotalSeconds: 60}, Consumed{}, started)

	require.NoError(t, tr.CheckTurn())
	tr.AddTurn()
	require.NoError(t, tr.CheckTurn())
	tr.AddTurn()

	err := tr.CheckTurn()
	require.Error(t, err)
	assert.Equal(t, fault.CodeMaxTurnsExceeded, fault.CodeOf(err))

	tr = NewTracker(config.LimitsConfig{MaxTurns: 10, MaxTotalSeconds: 60}, Consumed{}, started)
	assert.False(t, tr.ClockExpired(started))
	assert.True(t, tr.ClockExpired(started.Add(61*time.Second)))

	deadline, ok := tr.Deadline()
	require.True(t, ok)
	assert.Equal(t, started.Add(60*time.Second), deadline)

	_, ok = NewTracker(config.LimitsConfig{}, Consumed{}, started).Deadline()
	assert.False(t, ok)
}

func TestReserveSubcall(t *testing.T) {
	tr := NewTracker(config.LimitsConfig{
		MaxLLMSubcalls:         2,
		MaxLLMPromptChars:      100,
		MaxTotalLLMPromptChars: 150,
	}, Consumed{}, time.Now())

	require.NoError(t, tr.ReserveSubcall(90))

	// Per-request cap.
	err := tr.ReserveSubcall(101)
	require.Error(t, err)
	assert.Equal(t, fault.CodeBudgetExceeded, fault.CodeOf(err))

	// Execution total cap; the failed reserve above consumed nothing.
	err = tr.ReserveSubcall(90)
	require.Error(t, err)

	require.NoError(t, tr.ReserveSubcall(50))
	assert.Equal(t, 2, tr.Consumed().LLMSubcalls)

	// Subcall count cap.
	err = tr.ReserveSubcall(1)
	require.Error(t, err)
}

func TestCountersAreMonotonic(t *testing.T) {
	tr := NewTracker(config.LimitsConfig{}, Consumed{Turns: 5, Spans: 7}, time.Now())
	tr.AddTurn()
	tr.AddSpans(3)
	c := tr.Consumed()
	assert.Equal(t, 6, c.Turns)
	assert.Equal(t, 10, c.Spans)
}

func TestRemainingSpans(t *testing.T) {
	tr := NewTracker(config.LimitsConfig{MaxSpansTotal: 10}, Consumed{Spans: 7}, time.Now())
	assert.Equal(t, 3, tr.RemainingSpans())
	tr.AddSpans(5)
	assert.Equal(t, 0, tr.RemainingSpans())

	unbounded := NewTracker(config.LimitsConfig{}, Consumed{}, time.Now())
	assert.Equal(t, -1, unbounded.RemainingSpans())
}

func TestLeaseAcquireConflictAndTakeover(t *testing.T) {
	ctx := context.Background()
	store := metastore.NewMemStore()

	l1, err := Acquire(ctx, store, "exec-1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.Positive(t, l1.Fence())

	_, err = Acquire(ctx, store, "exec-1", "worker-b", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	// Same holder re-acquires its own live lease.
	l1b, err := Acquire(ctx, store, "exec-1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.Greater(t, l1b.Fence(), l1.Fence())

	// An expired lease is taken over.
	l2, err := Acquire(ctx, store, "exec-2", "worker-a", -time.Second)
	require.NoError(t, err)
	l3, err := Acquire(ctx, store, "exec-2", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.Greater(t, l3.Fence(), l2.Fence())

	// The old holder's renew fences off.
	assert.ErrorIs(t, l2.Renew(ctx), ErrLeaseHeld)
}

func TestLeaseRenewAndRelease(t *testing.T) {
	ctx := context.Background()
	store := metastore.NewMemStore()

	l, err := Acquire(ctx, store, "exec-1", "worker-a", time.Minute)
	require.NoError(t, err)
	before := l.Fence()
	require.NoError(t, l.Renew(ctx))
	assert.Greater(t, l.Fence(), before)

	require.NoError(t, l.Release(ctx))
	// Released: anyone can acquire.
	_, err = Acquire(ctx, store, "exec-1", "worker-b", time.Minute)
	require.NoError(t, err)

	// Release is idempotent.
	require.NoError(t, l.Release(ctx))
}
