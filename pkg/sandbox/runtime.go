// Package sandbox executes one validated step of model-written code in a
// restricted Starlark interpreter. The step sees only the allow-listed
// builtins plus `context` (the corpus view), `state` (the JSON workspace),
// and `tool` (queue/YIELD/FINAL). No imports, no I/O, no network: tool
// requests are queued for the orchestrator, never resolved in-sandbox.
package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.starlark.net/starlark"

	"github.com/rlmrs/rlmrs/pkg/corpus"
	"github.com/rlmrs/rlmrs/pkg/fault"
	"github.com/rlmrs/rlmrs/pkg/state"
)

// errTerminated is the cooperative terminator: YIELD and FINAL raise it to
// stop the interpreter at the call site.
var errTerminated = errors.New("step terminated")

// Limits are the per-step caps enforced inside the sandbox.
type Limits struct {
	// MaxStdoutChars truncates captured print output.
	MaxStdoutChars int

	// MaxSteps bounds interpreter execution steps (the instruction budget).
	MaxSteps int64

	// MaxToolRequestsPerStep bounds queued tool requests.
	MaxToolRequestsPerStep int

	// StepTimeout bounds wall clock for the step. Zero disables.
	StepTimeout time.Duration
}

// Input is one sandbox step.
type Input struct {
	Code     string
	State    state.State
	View     *corpus.Corpus
	Recorder *corpus.Recorder
	Limits   Limits
}

// Result is the structured outcome of a step. State is returned best-effort
// even when the step failed.
type Result struct {
	Success        bool               `json:"success"`
	Stdout         string             `json:"stdout"`
	State          state.State        `json:"state"`
	SpanLog        []corpus.SpanEntry `json:"span_log"`
	LLMRequests    []LLMRequest       `json:"llm_requests,omitempty"`
	SearchRequests []SearchRequest    `json:"search_requests,omitempty"`
	Final          *Final             `json:"final,omitempty"`
	Error          *fault.Fault       `json:"error,omitempty"`
	Duration       time.Duration      `json:"duration"`
}

// Runtime executes one step. A fresh Runtime is built per step; it is not
// reused.
type Runtime struct {
	ctx    context.Context
	view   *corpus.Corpus
	limits Limits

	mu        sync.Mutex
	stdout    strings.Builder
	truncated bool
	pending   error
	thread    *starlark.Thread
}

// Execute runs one step end to end: static policy, state validation,
// restricted execution, owned-key restoration.
func Execute(ctx context.Context, in Input) *Result {
	started := time.Now()
	res := &Result{State: in.State, Stdout: ""}
	fail := func(err error) *Result {
		res.Error = asFault(err)
		res.Duration = time.Since(started)
		return res
	}

	if err := CheckSource(in.Code); err != nil {
		return fail(err)
	}
	if err := state.Validate(in.State); err != nil {
		return fail(err)
	}
	ownedSnapshot := state.SnapshotOwned(in.State)

	stepCtx := ctx
	var cancel context.CancelFunc
	if in.Limits.StepTimeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, in.Limits.StepTimeout)
		defer cancel()
	}

	rt := &Runtime{ctx: stepCtx, view: in.View, limits: in.Limits}
	tool := newToolValue(rt)

	stateDict, err := stateToDict(in.State)
	if err != nil {
		return fail(err)
	}

	predeclared := basePredeclared()
	predeclared["context"] = &contextValue{rt: rt}
	predeclared["state"] = stateDict
	predeclared["tool"] = tool

	thread := &starlark.Thread{
		Name:  "step",
		Print: func(_ *starlark.Thread, msg string) { rt.print(msg) },
	}
	if in.Limits.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(uint64(in.Limits.MaxSteps))
	}
	rt.thread = thread

	// Propagate cancellation and the step deadline into the interpreter.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-stepCtx.Done():
			thread.Cancel("context done")
		case <-watchDone:
		}
	}()

	_, execErr := starlark.ExecFileOptions(fileOptions, thread, "step.star", in.Code, predeclared)
	close(watchDone)
	res.Duration = time.Since(started)

	// Collect regardless of outcome: stdout, span log, queued requests,
	// and the best-effort post-step state.
	res.Stdout = rt.output()
	if in.Recorder != nil {
		res.SpanLog = in.Recorder.Entries()
	}
	res.LLMRequests = tool.LLMRequests()
	res.SearchRequests = tool.SearchRequests()
	res.Final = tool.final

	var convFault *fault.Fault
	if post, convErr := dictToState(stateDict); convErr == nil {
		state.RestoreOwned(post, ownedSnapshot)
		res.State = post
	} else {
		convFault = asFault(convErr)
	}

	res.Error = classify(execErr, stepCtx, rt, tool)
	if res.Error == nil && convFault != nil {
		// The step ran to a terminator but left state that cannot persist.
		res.Error = convFault
	}
	res.Success = res.Error == nil
	return res
}

// classify reduces the interpreter outcome to the step's structured error,
// or nil for success.
func classify(execErr error, stepCtx context.Context, rt *Runtime, tool *toolValue) *fault.Fault {
	// A terminator that actually ran wins: the raised sentinel is the
	// mechanism, not a failure.
	if tool.final != nil && errors.Is(execErr, errTerminated) {
		return nil
	}
	if pending := rt.pendingErr(); pending != nil {
		return asFault(pending)
	}
	if execErr == nil {
		return nil
	}
	if stepCtx.Err() == context.DeadlineExceeded {
		return fault.Wrap(fault.CodeStepTimeout, execErr, "step exceeded its time limit")
	}
	if strings.Contains(execErr.Error(), "too many steps") {
		return fault.Wrap(fault.CodeSandboxLineLimit, execErr, "step exceeded its instruction budget")
	}

	var evalErr *starlark.EvalError
	if errors.As(execErr, &evalErr) {
		return fault.New(fault.CodeSandboxRuntime, "%s", evalErr.Msg).
			WithDetail("backtrace", evalErr.Backtrace())
	}
	return fault.Wrap(fault.CodeSandboxRuntime, execErr, "step failed")
}

func asFault(err error) *fault.Fault {
	var f *fault.Fault
	if errors.As(err, &f) {
		return f
	}
	return fault.Wrap(fault.CodeInternal, err, "unclassified step failure")
}

// fail records err and cancels the interpreter. Used by operator paths
// (indexing, slicing) that cannot return errors through Starlark.
func (r *Runtime) fail(err error) {
	r.note(err)
	if r.thread != nil {
		r.thread.Cancel("step failed")
	}
}

// note records err without cancelling; the first error wins.
func (r *Runtime) note(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		r.pending = err
	}
}

func (r *Runtime) pendingErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

func (r *Runtime) print(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.truncated {
		return
	}
	max := r.limits.MaxStdoutChars
	line := msg + "\n"
	if max > 0 && r.stdout.Len()+len(line) > max {
		keep := max - r.stdout.Len()
		if keep > 0 {
			r.stdout.WriteString(line[:keep])
		}
		r.stdout.WriteString("\n[stdout truncated]")
		r.truncated = true
		return
	}
	r.stdout.WriteString(line)
}

func (r *Runtime) output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stdout.String()
}
