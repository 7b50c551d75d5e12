// Package budget enforces execution budgets: merged limit snapshots,
// monotonic consumed counters, and the per-execution lease that keeps one
// orchestrator instance in charge.
package budget

import (
	"sync"
	"time"

	"github.com/rlmrs/rlmrs/pkg/config"
	"github.com/rlmrs/rlmrs/pkg/fault"
)

// Merge overlays requested limits on the configured defaults. Zero fields
// in the request keep the default; the result is the execution's immutable
// budget snapshot.
func Merge(defaults config.LimitsConfig, requested *config.LimitsConfig) config.LimitsConfig {
	out := defaults
	if requested == nil {
		return out
	}
	if requested.MaxTurns > 0 {
		out.MaxTurns = requested.MaxTurns
	}
	if requested.MaxTotalSeconds > 0 {
		out.MaxTotalSeconds = requested.MaxTotalSeconds
	}
	if requested.MaxStepSeconds > 0 {
		out.MaxStepSeconds = requested.MaxStepSeconds
	}
	if requested.MaxLLMSubcalls > 0 {
		out.MaxLLMSubcalls = requested.MaxLLMSubcalls
	}
	if requested.MaxLLMPromptChars > 0 {
		out.MaxLLMPromptChars = requested.MaxLLMPromptChars
	}
	if requested.MaxTotalLLMPromptChars > 0 {
		out.MaxTotalLLMPromptChars = requested.MaxTotalLLMPromptChars
	}
	if requested.MaxSpansPerStep > 0 {
		out.MaxSpansPerStep = requested.MaxSpansPerStep
	}
	if requested.MaxSpansTotal > 0 {
		out.MaxSpansTotal = requested.MaxSpansTotal
	}
	if requested.MaxToolRequestsPerStep > 0 {
		out.MaxToolRequestsPerStep = requested.MaxToolRequestsPerStep
	}
	if requested.MaxStdoutChars > 0 {
		out.MaxStdoutChars = requested.MaxStdoutChars
	}
	if requested.MaxStateChars > 0 {
		out.MaxStateChars = requested.MaxStateChars
	}
	if requested.StateInlineCutoff > 0 {
		out.StateInlineCutoff = requested.StateInlineCutoff
	}
	if requested.SandboxMaxSteps > 0 {
		out.SandboxMaxSteps = requested.SandboxMaxSteps
	}
	if requested.MaxScanHits > 0 {
		out.MaxScanHits = requested.MaxScanHits
	}
	return out
}

// Consumed is the accumulated cost of an execution. Counters only grow.
type Consumed struct {
	Turns          int `json:"turns"`
	LLMSubcalls    int `json:"llm_subcalls"`
	LLMPromptChars int `json:"llm_prompt_chars"`
	Spans          int `json:"spans"`
}

// Tracker pairs a budget snapshot with its consumed counters. One Tracker
// lives for the duration of an execution run; it is safe for concurrent use
// because tool resolution fans out within a turn.
type Tracker struct {
	limits  config.LimitsConfig
	started time.Time

	mu       sync.Mutex
	consumed Consumed
}

// NewTracker starts tracking against the given snapshot. Pass previously
// consumed counters when resuming an execution.
func NewTracker(limits config.LimitsConfig, consumed Consumed, started time.Time) *Tracker {
	return &Tracker{limits: limits, consumed: consumed, started: started}
}

// Limits returns the budget snapshot.
func (t *Tracker) Limits() config.LimitsConfig {
	return t.limits
}

// Consumed returns a copy of the current counters.
func (t *Tracker) Consumed() Consumed {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consumed
}

// CheckTurn verifies the turn budget allows another turn.
func (t *Tracker) CheckTurn() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limits.MaxTurns > 0 && t.consumed.Turns >= t.limits.MaxTurns {
		return fault.New(fault.CodeMaxTurnsExceeded, "turn budget exhausted (%d turns)", t.limits.MaxTurns)
	}
	return nil
}

// ClockExpired reports whether the execution's total wall clock ran out.
// The caller transitions to TIMEOUT, not BUDGET_EXCEEDED.
func (t *Tracker) ClockExpired(now time.Time) bool {
	if t.limits.MaxTotalSeconds <= 0 {
		return false
	}
	return now.Sub(t.started) >= time.Duration(t.limits.MaxTotalSeconds)*time.Second
}

// Deadline returns the execution's absolute wall-clock deadline; ok is
// false when unbounded.
func (t *Tracker) Deadline() (time.Time, bool) {
	if t.limits.MaxTotalSeconds <= 0 {
		return time.Time{}, false
	}
	return t.started.Add(time.Duration(t.limits.MaxTotalSeconds) * time.Second), true
}

// AddTurn counts a completed turn.
func (t *Tracker) AddTurn() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumed.Turns++
}

// ReserveSubcall claims one LLM subcall and its prompt chars against the
// execution totals. The claim sticks even when the call later fails: cost
// is counted at dispatch, not at success.
func (t *Tracker) ReserveSubcall(promptChars int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limits.MaxLLMSubcalls > 0 && t.consumed.LLMSubcalls >= t.limits.MaxLLMSubcalls {
		return fault.New(fault.CodeBudgetExceeded, "llm subcall budget exhausted (%d)", t.limits.MaxLLMSubcalls)
	}
	if t.limits.MaxLLMPromptChars > 0 && promptChars > t.limits.MaxLLMPromptChars {
		return fault.New(fault.CodeBudgetExceeded,
			"prompt of %d chars exceeds per-request cap %d", promptChars, t.limits.MaxLLMPromptChars)
	}
	if t.limits.MaxTotalLLMPromptChars > 0 &&
		t.consumed.LLMPromptChars+promptChars > t.limits.MaxTotalLLMPromptChars {
		return fault.New(fault.CodeBudgetExceeded,
			"total prompt char budget exhausted (%d)", t.limits.MaxTotalLLMPromptChars)
	}
	t.consumed.LLMSubcalls++
	t.consumed.LLMPromptChars += promptChars
	return nil
}

// AddSpans counts span log entries recorded by a step.
func (t *Tracker) AddSpans(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumed.Spans += n
}

// RemainingSpans returns how many span entries the execution may still
// record. Negative means unlimited.
func (t *Tracker) RemainingSpans() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limits.MaxSpansTotal <= 0 {
		return -1
	}
	rem := t.limits.MaxSpansTotal - t.consumed.Spans
	if rem < 0 {
		rem = 0
	}
	return rem
}

// Snapshot renders the budget view injected into state under the budgets
// key and into the root prompt.
func (t *Tracker) Snapshot(now time.Time) map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	elapsed := int(now.Sub(t.started).Seconds())
	return map[string]any{
		"max_turns":         t.limits.MaxTurns,
		"turns_used":        t.consumed.Turns,
		"max_llm_subcalls":  t.limits.MaxLLMSubcalls,
		"llm_subcalls_used": t.consumed.LLMSubcalls,
		"max_total_seconds": t.limits.MaxTotalSeconds,
		"elapsed_seconds":   elapsed,
		"max_spans_total":   t.limits.MaxSpansTotal,
		"spans_used":        t.consumed.Spans,
	}
}
