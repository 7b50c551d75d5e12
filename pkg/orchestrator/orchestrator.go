// Package orchestrator drives executions to terminal states. Answerer mode
// alternates root model calls with sandbox steps until the step language
// calls FINAL or a budget runs out; runtime mode exposes the same mechanics
// one externally-driven step at a time. Each execution is single-threaded
// by its lease; tool resolution fans out within a turn.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rlmrs/rlmrs/pkg/blob"
	"github.com/rlmrs/rlmrs/pkg/budget"
	"github.com/rlmrs/rlmrs/pkg/citation"
	"github.com/rlmrs/rlmrs/pkg/config"
	"github.com/rlmrs/rlmrs/pkg/corpus"
	"github.com/rlmrs/rlmrs/pkg/execution"
	"github.com/rlmrs/rlmrs/pkg/fault"
	"github.com/rlmrs/rlmrs/pkg/llms"
	"github.com/rlmrs/rlmrs/pkg/metastore"
	"github.com/rlmrs/rlmrs/pkg/observability"
	"github.com/rlmrs/rlmrs/pkg/prompt"
	"github.com/rlmrs/rlmrs/pkg/sandbox"
	"github.com/rlmrs/rlmrs/pkg/search"
	"github.com/rlmrs/rlmrs/pkg/session"
	"github.com/rlmrs/rlmrs/pkg/state"
	"github.com/rlmrs/rlmrs/pkg/tokens"
	"github.com/rlmrs/rlmrs/pkg/tools"
	"github.com/rlmrs/rlmrs/pkg/trace"
)

// rootCallRetries bounds retries of the root model call on transient
// provider failures.
const rootCallRetries = 2

// Options configures an Orchestrator.
type Options struct {
	Config     *config.Config
	Meta       metastore.Store
	Blobs      blob.Store
	Sessions   *session.Service
	Executions *execution.Service
	LLMs       *llms.Registry
	Search     search.Provider // nil disables search resolution
	Counter    *tokens.Counter
	Metrics    *observability.Metrics // nil disables metric recording
	Holder     string                 // lease holder identity; defaults to a fresh uuid
	Logger     *slog.Logger
}

// Orchestrator runs executions against shared storage. It is safe for
// concurrent use; per-execution serialization comes from the lease.
type Orchestrator struct {
	cfg        *config.Config
	meta       metastore.Store
	blobs      blob.Store
	sessions   *session.Service
	executions *execution.Service
	llms       *llms.Registry
	search     search.Provider
	counter    *tokens.Counter
	metrics    *observability.Metrics
	holder     string
	logger     *slog.Logger
	engine     *citation.Engine
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Holder == "" {
		opts.Holder = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		cfg:        opts.Config,
		meta:       opts.Meta,
		blobs:      opts.Blobs,
		sessions:   opts.Sessions,
		executions: opts.Executions,
		llms:       opts.LLMs,
		search:     opts.Search,
		counter:    opts.Counter,
		metrics:    opts.Metrics,
		holder:     opts.Holder,
		logger:     opts.Logger,
		engine:     citation.NewEngine(opts.Config.Runtime.MergeGapChars),
	}
}

// Run drives an answerer execution to a terminal state. It returns
// budget.ErrLeaseHeld when another instance is already driving the
// execution; running a terminal execution is a no-op.
func (o *Orchestrator) Run(ctx context.Context, executionID string) error {
	exec, err := o.executions.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return nil
	}
	if exec.Mode != execution.ModeAnswerer {
		return fault.New(fault.CodeValidation, "execution %s is %s, not ANSWERER", executionID, exec.Mode)
	}

	lease, err := budget.Acquire(ctx, o.meta, executionID, o.holder, o.cfg.Runtime.LeaseTTL)
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			o.logger.Warn("lease release failed", "execution", executionID, "error", err)
		}
	}()

	sess, err := o.sessions.RequireReady(ctx, exec.Tenant, exec.SessionID)
	if err != nil {
		o.terminateWith(ctx, nil, executionID, err)
		return err
	}

	if exec.Status == execution.StatusPending {
		exec, err = o.executions.Start(ctx, executionID)
		if err != nil {
			return err
		}
	}

	r, err := o.newRun(ctx, exec, sess)
	if err != nil {
		o.terminateWith(ctx, nil, executionID, err)
		return err
	}

	leaseCtx, stopKeepAlive := context.WithCancel(ctx)
	defer stopKeepAlive()
	lost := lease.KeepAlive(leaseCtx, o.cfg.Runtime.LeaseTTL/3)

	o.logger.Info("execution run started", "execution", executionID, "session", sess.ID, "turn", exec.TurnIndex)
	for {
		select {
		case err, ok := <-lost:
			if ok && err != nil {
				// Another instance took over; leave the execution for it.
				o.logger.Warn("execution lease lost", "execution", executionID, "error", err)
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		done, err := r.turn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// run is the per-execution wiring for one Run or Step invocation.
type run struct {
	o        *Orchestrator
	exec     *execution.Execution
	sess     *session.Session
	manifest []corpus.DocumentInfo
	limits   config.LimitsConfig
	tracker  *budget.Tracker
	states   *state.Store
	writer   *trace.Writer
	resolver *tools.Resolver
	schema   map[string]any
	spans    *citation.Accumulator
	subcalls bool

	st state.State

	// Carried into the next root prompt.
	lastStdout   string
	lastError    string
	toolStatuses map[string]string
}

// newRun assembles the per-execution wiring and reloads persisted progress:
// the state pointer, and span logs replayed from the trace when resuming.
func (o *Orchestrator) newRun(ctx context.Context, exec *execution.Execution, sess *session.Session) (*run, error) {
	limits := o.mergeLimits(sess, exec)
	started := exec.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}

	subcalls := limits.MaxLLMSubcalls > 0
	schema, err := prompt.ToolSchema(subcalls)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, err, "failed to build tool schema")
	}

	r := &run{
		o:        o,
		exec:     exec,
		sess:     sess,
		manifest: sess.Manifest(),
		limits:   limits,
		tracker:  budget.NewTracker(limits, exec.Consumed, started),
		states:   state.NewStore(o.blobs, limits.StateInlineCutoff, limits.MaxStateChars),
		writer: trace.NewWriter(o.blobs, trace.Options{
			Tenant:      exec.Tenant,
			SessionID:   exec.SessionID,
			ExecutionID: exec.ID,
			Enabled:     o.traceEnabled(),
			Redact:      o.cfg.Runtime.Trace.Redact,
			Counter:     o.counter,
			Logger:      o.logger,
		}),
		resolver: tools.NewResolver(tools.Options{
			Tenant:      exec.Tenant,
			IndexID:     sess.ID,
			Registry:    o.llms,
			Search:      o.search,
			Cache:       o.blobs,
			Concurrency: o.cfg.Runtime.ToolConcurrency,
			MaxRetries:  rootCallRetries,
			Logger:      o.logger,
		}),
		schema:   schema,
		spans:    &citation.Accumulator{},
		subcalls: subcalls,
	}

	snap, err := o.executions.LoadState(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	r.st, err = r.states.Load(ctx, snap)
	if err != nil {
		return nil, err
	}

	if exec.TurnIndex > 0 {
		r.replay(ctx)
	}
	return r, nil
}

// replay reloads span logs and prompt carry-over from persisted turn
// records. Best-effort: a missing trace costs citations from the turns it
// covered, never the execution.
func (r *run) replay(ctx context.Context) {
	for i := 0; i < r.exec.TurnIndex; i++ {
		rec, err := r.writer.Turn(ctx, i)
		if err != nil || rec == nil {
			continue
		}
		r.spans.Append(rec.TurnIndex, rec.SpanLog)
		if i == r.exec.TurnIndex-1 {
			r.lastStdout = rec.Stdout
			if rec.StepError != nil {
				r.lastError = rec.StepError.Error()
			} else if rec.ParseError != "" {
				r.lastError = rec.ParseError
			}
			r.toolStatuses = rec.ToolStatuses
		}
	}
}

func (o *Orchestrator) mergeLimits(sess *session.Session, exec *execution.Execution) config.LimitsConfig {
	base := o.cfg.Limits
	if sess.Defaults != nil {
		base = budget.Merge(base, sess.Defaults)
	}
	return budget.Merge(base, &exec.Limits)
}

func (o *Orchestrator) traceEnabled() bool {
	return o.cfg.Runtime.Trace.Enabled == nil || *o.cfg.Runtime.Trace.Enabled
}

// turn runs one answerer turn. done reports that the execution reached a
// terminal state (or another driver terminated it); err is an
// infrastructure failure after the execution was marked FAILED.
func (r *run) turn(ctx context.Context) (bool, error) {
	turnStart := time.Now()

	// Observe external cancellation and competing terminations.
	current, err := r.o.executions.Get(ctx, r.exec.ID)
	if err != nil {
		return true, err
	}
	if current.Status.IsTerminal() {
		r.finishTrace(ctx, current.Status)
		return true, nil
	}

	if r.tracker.ClockExpired(turnStart) {
		cause := fault.New(fault.CodeStepTimeout, "execution exceeded its total time budget (%ds)", r.limits.MaxTotalSeconds)
		return true, r.terminate(ctx, execution.StatusTimeout, cause)
	}
	if err := r.tracker.CheckTurn(); err != nil {
		f := toFault(err)
		return true, r.terminate(ctx, execution.TerminalFor(f.Code), f)
	}
	if r.tracker.RemainingSpans() == 0 {
		cause := fault.New(fault.CodeBudgetExceeded, "span budget exhausted (%d entries logged)", r.limits.MaxSpansTotal)
		return true, r.terminate(ctx, execution.StatusBudgetExceeded, cause)
	}

	turnIdx := r.exec.TurnIndex
	rec := trace.TurnRecord{TurnIndex: turnIdx, Mode: string(execution.ModeAnswerer)}

	// Root model call.
	promptStart := time.Now()
	userPrompt := prompt.Build(prompt.Input{
		Question:        r.exec.Question,
		SubcallsEnabled: r.subcalls,
		ContextsMode:    r.exec.OutputMode == execution.OutputContexts,
		DocLengths:      docLengths(r.manifest),
		TurnIndex:       turnIdx,
		LastStdout:      r.lastStdout,
		LastError:       r.lastError,
		StateSummary:    state.Summarize(r.st),
		Budget:          r.tracker.Snapshot(turnStart),
		ToolStatuses:    r.toolStatuses,
	})
	rec.Prompt = userPrompt

	output, err := r.rootCall(ctx, userPrompt)
	promptMillis := time.Since(promptStart).Milliseconds()
	if err != nil {
		f := fault.Wrap(fault.CodeLLMProvider, err, "root model call failed")
		return true, r.terminate(ctx, execution.StatusFailed, f)
	}
	rec.ModelOutput = output

	code, parseErr := prompt.ExtractStep(output)
	if parseErr != nil {
		// Recorded on the turn and surfaced next prompt; never terminal.
		rec.ParseError = parseErr.Error()
		rec.Timings = trace.Timings{PromptMillis: promptMillis, TotalMillis: time.Since(turnStart).Milliseconds()}
		r.writeTurn(ctx, rec)
		r.advance(ctx, turnIdx, time.Since(turnStart))
		r.lastStdout = ""
		r.lastError = parseErr.Error()
		return false, nil
	}
	rec.Code = code

	result, sandboxMillis := r.dispatch(ctx, turnIdx, code)
	r.fillRecord(&rec, result)

	if infra, err := r.persistState(ctx, turnIdx, &rec, result); infra {
		r.writeTurn(ctx, rec)
		return true, r.terminate(ctx, execution.StatusFailed, toFault(err))
	}

	final := result.Final != nil && result.Final.IsFinal && result.Error == nil

	var toolsMillis int64
	if !final && result.Error == nil && len(result.LLMRequests)+len(result.SearchRequests) > 0 {
		toolsStart := time.Now()
		statuses, err := r.resolve(ctx, turnIdx, result)
		if err != nil {
			r.writeTurn(ctx, rec)
			if ctx.Err() != nil {
				// External cancellation; the status transition is the
				// canceller's to make.
				return true, ctx.Err()
			}
			return true, r.terminate(ctx, execution.StatusFailed, toFault(err))
		}
		toolsMillis = time.Since(toolsStart).Milliseconds()
		rec.ToolStatuses = statuses
		r.toolStatuses = statuses
	}

	rec.Timings = trace.Timings{
		PromptMillis:  promptMillis,
		SandboxMillis: sandboxMillis,
		ToolsMillis:   toolsMillis,
		TotalMillis:   time.Since(turnStart).Milliseconds(),
	}
	r.writeTurn(ctx, rec)
	r.advance(ctx, turnIdx, time.Since(turnStart))

	if final {
		return true, r.complete(ctx, result.Final)
	}

	r.lastStdout = result.Stdout
	if result.Error != nil {
		r.lastError = result.Error.Error()
	} else {
		r.lastError = ""
	}
	return false, nil
}

// rootCall performs the root model call with bounded retries on transient
// provider failures.
func (r *run) rootCall(ctx context.Context, userPrompt string) (string, error) {
	provider, err := r.o.llms.Get("")
	if err != nil {
		return "", err
	}
	req := llms.Request{
		Prompt: userPrompt,
		System: prompt.System(r.subcalls, r.exec.OutputMode == execution.OutputContexts),
	}

	var lastErr error
	for attempt := 0; attempt <= rootCallRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * 250 * time.Millisecond
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
		resp, err := provider.Call(ctx, req)
		if err == nil {
			return resp.Text, nil
		}
		lastErr = err
		if !llms.IsTransient(err) {
			break
		}
	}
	return "", lastErr
}

// dispatch runs one sandbox step against a fresh corpus view and recorder,
// with the orchestrator-owned keys refreshed beforehand.
func (r *run) dispatch(ctx context.Context, turnIdx int, code string) (*sandbox.Result, int64) {
	recorder := corpus.NewRecorder(r.limits.MaxSpansPerStep, r.tracker.RemainingSpans())
	view := corpus.New(r.o.blobs, r.manifest, recorder, r.limits.MaxScanHits)

	r.st[state.KeyBudgets] = r.tracker.Snapshot(time.Now())
	r.st[state.KeyToolSchema] = r.schema
	r.st[state.KeyTrace] = map[string]any{"pointer": r.writer.ArtifactKey(), "turn": turnIdx}

	stepCtx := ctx
	if deadline, ok := r.tracker.Deadline(); ok {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	started := time.Now()
	result := sandbox.Execute(stepCtx, sandbox.Input{
		Code:     code,
		State:    r.st,
		View:     view,
		Recorder: recorder,
		Limits: sandbox.Limits{
			MaxStdoutChars:         r.limits.MaxStdoutChars,
			MaxSteps:               r.limits.SandboxMaxSteps,
			MaxToolRequestsPerStep: r.limits.MaxToolRequestsPerStep,
			StepTimeout:            time.Duration(r.limits.MaxStepSeconds) * time.Second,
		},
	})

	r.st = result.State
	r.tracker.AddSpans(len(result.SpanLog))
	r.spans.Append(turnIdx, result.SpanLog)
	r.o.metrics.RecordStep(ctx, stepOutcome(result))
	return result, time.Since(started).Milliseconds()
}

func stepOutcome(result *sandbox.Result) string {
	switch {
	case result.Error != nil:
		return string(result.Error.Code)
	case result.Final != nil && result.Final.IsFinal:
		return "final"
	default:
		return "ok"
	}
}

func (r *run) fillRecord(rec *trace.TurnRecord, result *sandbox.Result) {
	rec.Stdout = result.Stdout
	rec.SpanLog = result.SpanLog
	rec.LLMRequests = result.LLMRequests
	rec.SearchRequests = result.SearchRequests
	rec.Final = result.Final
	rec.StepError = result.Error
}

// persistState writes the post-step state. State-shape failures
// (STATE_TOO_LARGE, STATE_INVALID_TYPE) are surfaced to the model as step
// errors while the previously persisted state stands; anything else is an
// infrastructure failure.
func (r *run) persistState(ctx context.Context, turnIdx int, rec *trace.TurnRecord, result *sandbox.Result) (bool, error) {
	snap, err := r.states.Persist(ctx, r.exec.Tenant, r.exec.ID, turnIdx, r.st)
	if err != nil {
		switch fault.CodeOf(err) {
		case fault.CodeStateTooLarge, fault.CodeStateInvalidType:
			if rec.StepError == nil {
				rec.StepError = toFault(err)
				result.Error = rec.StepError
			}
			return false, nil
		default:
			return true, err
		}
	}
	rec.StateChecksum = snap.Checksum
	rec.StateURI = snap.URI
	if err := r.o.executions.SaveState(ctx, r.exec.ID, snap); err != nil {
		return true, err
	}
	return false, nil
}

// resolve fans the turn's queued requests out, merges results into the
// owned state keys, and re-persists under the same turn index so the next
// prompt is built from post-merge state.
func (r *run) resolve(ctx context.Context, turnIdx int, result *sandbox.Result) (map[string]string, error) {
	res, err := r.resolver.Resolve(ctx, result.LLMRequests, result.SearchRequests, r.tracker)
	if err != nil {
		return nil, err
	}
	res.MergeInto(r.st)
	r.o.metrics.RecordToolCalls(ctx, "tool", res.Calls(), res.CacheHits())

	snap, err := r.states.Persist(ctx, r.exec.Tenant, r.exec.ID, turnIdx, r.st)
	if err != nil {
		return nil, err
	}
	if err := r.o.executions.SaveState(ctx, r.exec.ID, snap); err != nil {
		return nil, err
	}
	return res.Statuses(), nil
}

// advance counts the turn and persists the execution's progress.
func (r *run) advance(ctx context.Context, turnIdx int, took time.Duration) {
	r.o.metrics.RecordTurn(ctx, string(r.exec.Mode), took)
	r.tracker.AddTurn()
	r.exec.TurnIndex = turnIdx + 1
	r.exec.Consumed = r.tracker.Consumed()
	if err := r.o.executions.Progress(ctx, r.exec); err != nil {
		r.o.logger.Warn("progress write failed", "execution", r.exec.ID, "turn", r.exec.TurnIndex, "error", err)
	}
}

// complete derives citations from the accumulated span log, finalizes the
// trace, and transitions to COMPLETED. In CONTEXTS mode the answer is
// replaced by the context-tagged span refs.
func (r *run) complete(ctx context.Context, final *sandbox.Final) error {
	view := corpus.New(r.o.blobs, r.manifest, corpus.NewRecorder(-1, -1), r.limits.MaxScanHits)

	refs, err := r.o.engine.DeriveLogged(ctx, view, r.exec.Tenant, r.exec.SessionID, r.spans.Entries())
	if err != nil {
		return r.terminate(ctx, execution.StatusFailed, toFault(err))
	}

	answer := final.Answer
	if r.exec.OutputMode == execution.OutputContexts {
		ctxRefs, err := r.o.engine.DeriveLogged(ctx, view, r.exec.Tenant, r.exec.SessionID, r.spans.ContextEntries())
		if err != nil {
			return r.terminate(ctx, execution.StatusFailed, toFault(err))
		}
		answer = ctxRefs
	}

	pointer, err := r.writer.Finalize(ctx, string(execution.StatusCompleted), r.exec.TurnIndex)
	if err != nil {
		r.o.logger.Warn("trace finalize failed", "execution", r.exec.ID, "error", err)
	}

	r.exec.Answer = answer
	r.exec.Citations = refs
	r.exec.TracePointer = pointer
	if _, err := r.o.executions.Complete(ctx, r.exec); err != nil {
		return err
	}
	r.o.metrics.RecordExecution(ctx, string(execution.StatusCompleted), string(r.exec.Mode))
	r.o.logger.Info("execution completed", "execution", r.exec.ID, "turns", r.exec.TurnIndex, "citations", len(refs))
	return nil
}

// terminate finalizes the trace and moves the execution to the given
// terminal status.
func (r *run) terminate(ctx context.Context, status execution.Status, cause *fault.Fault) error {
	pointer, err := r.writer.Finalize(ctx, string(status), r.exec.TurnIndex)
	if err != nil {
		r.o.logger.Warn("trace finalize failed", "execution", r.exec.ID, "error", err)
	}
	if _, err := r.o.executions.Terminate(ctx, r.exec.ID, status, cause, pointer); err != nil {
		return err
	}
	r.o.metrics.RecordExecution(ctx, string(status), string(r.exec.Mode))
	r.o.logger.Info("execution terminated", "execution", r.exec.ID, "status", status, "cause", cause)
	return nil
}

// finishTrace writes the artifact for an execution something else already
// terminated (external cancel, competing driver).
func (r *run) finishTrace(ctx context.Context, status execution.Status) {
	pointer, err := r.writer.Finalize(ctx, string(status), r.exec.TurnIndex)
	if err != nil {
		r.o.logger.Warn("trace finalize failed", "execution", r.exec.ID, "error", err)
		return
	}
	if pointer != "" {
		if _, err := r.o.executions.Terminate(ctx, r.exec.ID, status, nil, pointer); err != nil {
			r.o.logger.Warn("trace pointer write failed", "execution", r.exec.ID, "error", err)
		}
	}
}

func (r *run) writeTurn(ctx context.Context, rec trace.TurnRecord) {
	if err := r.writer.WriteTurn(ctx, rec); err != nil {
		r.o.logger.Warn("turn record write failed", "execution", r.exec.ID, "turn", rec.TurnIndex, "error", err)
	}
}

// terminateWith marks an execution FAILED (or the terminal status implied
// by the error's code) when a run cannot even begin.
func (o *Orchestrator) terminateWith(ctx context.Context, w *trace.Writer, executionID string, err error) {
	f := toFault(err)
	status := execution.TerminalFor(f.Code)
	pointer := ""
	if w != nil {
		pointer, _ = w.Finalize(ctx, string(status), 0)
	}
	if _, terr := o.executions.Terminate(ctx, executionID, status, f, pointer); terr != nil {
		o.logger.Warn("terminate failed", "execution", executionID, "error", terr)
	}
}

func toFault(err error) *fault.Fault {
	var f *fault.Fault
	if errors.As(err, &f) {
		return f
	}
	return fault.Wrap(fault.CodeInternal, err, "unclassified failure")
}

func docLengths(infos []corpus.DocumentInfo) []int {
	out := make([]int, len(infos))
	for i, info := range infos {
		out[i] = info.CharLength
	}
	return out
}
