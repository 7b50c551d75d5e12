package orchestrator

import (
	"context"
	"time"

	"github.com/rlmrs/rlmrs/pkg/budget"
	"github.com/rlmrs/rlmrs/pkg/corpus"
	"github.com/rlmrs/rlmrs/pkg/execution"
	"github.com/rlmrs/rlmrs/pkg/fault"
	"github.com/rlmrs/rlmrs/pkg/sandbox"
	"github.com/rlmrs/rlmrs/pkg/state"
	"github.com/rlmrs/rlmrs/pkg/trace"
)

// StepRequest is one externally-driven step of a runtime-mode execution.
type StepRequest struct {
	// Code is the step program.
	Code string `json:"code"`

	// StateOverride, when set, replaces the persisted state before the step.
	StateOverride state.State `json:"state_override,omitempty"`

	// ResolveTools resolves the step's queued requests before returning.
	ResolveTools bool `json:"resolve_tools,omitempty"`
}

// StepResult is the structured outcome of one runtime-mode step.
type StepResult struct {
	TurnIndex      int                     `json:"turn_index"`
	Success        bool                    `json:"success"`
	Stdout         string                  `json:"stdout,omitempty"`
	SpanLog        []corpus.SpanEntry      `json:"span_log,omitempty"`
	LLMRequests    []sandbox.LLMRequest    `json:"llm_requests,omitempty"`
	SearchRequests []sandbox.SearchRequest `json:"search_requests,omitempty"`
	ToolStatuses   map[string]string       `json:"tool_statuses,omitempty"`
	Final          *sandbox.Final          `json:"final,omitempty"`
	Error          *fault.Fault            `json:"error,omitempty"`
	StateSummary   []state.KeySize         `json:"state_summary,omitempty"`
	Execution      *execution.Execution    `json:"execution"`
}

// Step runs one step of a runtime-mode execution: same policy, sandbox,
// persistence, and finalization as the answerer loop, with the step code
// supplied by the external driver instead of the root model.
func (o *Orchestrator) Step(ctx context.Context, executionID string, req StepRequest) (*StepResult, error) {
	r, lease, err := o.beginRuntime(ctx, executionID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			o.logger.Warn("lease release failed", "execution", executionID, "error", err)
		}
	}()

	turnStart := time.Now()
	if r.tracker.ClockExpired(turnStart) {
		cause := fault.New(fault.CodeStepTimeout, "execution exceeded its total time budget (%ds)", r.limits.MaxTotalSeconds)
		if err := r.terminate(ctx, execution.StatusTimeout, cause); err != nil {
			return nil, err
		}
		return nil, cause
	}
	if err := r.tracker.CheckTurn(); err != nil {
		f := toFault(err)
		if terr := r.terminate(ctx, execution.TerminalFor(f.Code), f); terr != nil {
			return nil, terr
		}
		return nil, f
	}
	if r.tracker.RemainingSpans() == 0 {
		cause := fault.New(fault.CodeBudgetExceeded, "span budget exhausted (%d entries logged)", r.limits.MaxSpansTotal)
		if terr := r.terminate(ctx, execution.StatusBudgetExceeded, cause); terr != nil {
			return nil, terr
		}
		return nil, cause
	}

	if req.StateOverride != nil {
		if err := state.Validate(req.StateOverride); err != nil {
			return nil, err
		}
		owned := state.SnapshotOwned(r.st)
		r.st = req.StateOverride
		state.RestoreOwned(r.st, owned)
	}

	turnIdx := r.exec.TurnIndex
	rec := trace.TurnRecord{TurnIndex: turnIdx, Mode: string(execution.ModeRuntime), Code: req.Code}

	result, sandboxMillis := r.dispatch(ctx, turnIdx, req.Code)
	r.fillRecord(&rec, result)

	if infra, err := r.persistState(ctx, turnIdx, &rec, result); infra {
		r.writeTurn(ctx, rec)
		if terr := r.terminate(ctx, execution.StatusFailed, toFault(err)); terr != nil {
			return nil, terr
		}
		return nil, err
	}

	final := result.Final != nil && result.Final.IsFinal && result.Error == nil

	var statuses map[string]string
	var toolsMillis int64
	if req.ResolveTools && !final && result.Error == nil &&
		len(result.LLMRequests)+len(result.SearchRequests) > 0 {
		toolsStart := time.Now()
		statuses, err = r.resolve(ctx, turnIdx, result)
		if err != nil {
			r.writeTurn(ctx, rec)
			return nil, err
		}
		toolsMillis = time.Since(toolsStart).Milliseconds()
		rec.ToolStatuses = statuses
	}

	rec.Timings = trace.Timings{
		SandboxMillis: sandboxMillis,
		ToolsMillis:   toolsMillis,
		TotalMillis:   time.Since(turnStart).Milliseconds(),
	}
	r.writeTurn(ctx, rec)
	r.advance(ctx, turnIdx, time.Since(turnStart))

	if final {
		if err := r.complete(ctx, result.Final); err != nil {
			return nil, err
		}
	}

	out := &StepResult{
		TurnIndex:      turnIdx,
		Success:        result.Success,
		Stdout:         result.Stdout,
		SpanLog:        result.SpanLog,
		LLMRequests:    result.LLMRequests,
		SearchRequests: result.SearchRequests,
		ToolStatuses:   statuses,
		Final:          result.Final,
		Error:          result.Error,
		StateSummary:   state.Summarize(r.st),
	}
	out.Execution, err = o.executions.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveTools runs the tool resolver for an externally-assembled request
// batch, merging results into the execution's state.
func (o *Orchestrator) ResolveTools(ctx context.Context, executionID string, llmReqs []sandbox.LLMRequest, searchReqs []sandbox.SearchRequest) (map[string]string, error) {
	r, lease, err := o.beginRuntime(ctx, executionID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			o.logger.Warn("lease release failed", "execution", executionID, "error", err)
		}
	}()

	res, err := r.resolver.Resolve(ctx, llmReqs, searchReqs, r.tracker)
	if err != nil {
		return nil, err
	}
	res.MergeInto(r.st)

	// Results persist under the current turn index; the next step sees them.
	turnIdx := r.exec.TurnIndex
	if turnIdx > 0 {
		turnIdx--
	}
	snap, err := r.states.Persist(ctx, r.exec.Tenant, r.exec.ID, turnIdx, r.st)
	if err != nil {
		return nil, err
	}
	if err := o.executions.SaveState(ctx, r.exec.ID, snap); err != nil {
		return nil, err
	}
	r.exec.Consumed = r.tracker.Consumed()
	if err := o.executions.Progress(ctx, r.exec); err != nil {
		o.logger.Warn("progress write failed", "execution", r.exec.ID, "error", err)
	}
	return res.Statuses(), nil
}

// beginRuntime loads a runtime-mode execution, claims its lease, and wires
// a run for one externally-driven call.
func (o *Orchestrator) beginRuntime(ctx context.Context, executionID string) (*run, *budget.Lease, error) {
	exec, err := o.executions.Get(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	if exec.Mode != execution.ModeRuntime {
		return nil, nil, fault.New(fault.CodeValidation, "execution %s is %s, not RUNTIME", executionID, exec.Mode)
	}
	if exec.Status.IsTerminal() {
		return nil, nil, fault.New(fault.CodeValidation, "execution %s is terminal (%s)", executionID, exec.Status)
	}

	lease, err := budget.Acquire(ctx, o.meta, executionID, o.holder, o.cfg.Runtime.LeaseTTL)
	if err != nil {
		return nil, nil, err
	}

	sess, err := o.sessions.RequireReady(ctx, exec.Tenant, exec.SessionID)
	if err != nil {
		_ = lease.Release(context.WithoutCancel(ctx))
		return nil, nil, err
	}

	if exec.Status == execution.StatusPending {
		exec, err = o.executions.Start(ctx, executionID)
		if err != nil {
			_ = lease.Release(context.WithoutCancel(ctx))
			return nil, nil, err
		}
	}

	r, err := o.newRun(ctx, exec, sess)
	if err != nil {
		_ = lease.Release(context.WithoutCancel(ctx))
		return nil, nil, err
	}
	return r, lease, nil
}
