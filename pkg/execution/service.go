package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rlmrs/rlmrs/pkg/fault"
	"github.com/rlmrs/rlmrs/pkg/metastore"
	"github.com/rlmrs/rlmrs/pkg/state"
)

const (
	metaSK        = "META"
	stateSK       = "STATE"
	auditSKPrefix = "AUDIT#"
)

func execPK(id string) string {
	return "EXEC#" + id
}

// Service persists executions in the metadata store. Layout per execution:
// (EXEC#{id}, META) the entity, (EXEC#{id}, STATE) the current state
// pointer guarded by turn index, (EXEC#{id}, AUDIT#{seq}) status audit
// entries.
type Service struct {
	store  metastore.Store
	logger *slog.Logger
}

// NewService creates an execution service.
func NewService(store metastore.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Create registers a new PENDING execution.
func (s *Service) Create(ctx context.Context, exec *Execution) (*Execution, error) {
	if exec.Tenant == "" || exec.SessionID == "" {
		return nil, fault.New(fault.CodeValidation, "execution needs a tenant and session")
	}
	switch exec.Mode {
	case ModeAnswerer, ModeRuntime:
	default:
		return nil, fault.New(fault.CodeValidation, "unknown execution mode %q", exec.Mode)
	}
	switch exec.OutputMode {
	case "":
		exec.OutputMode = OutputAnswer
	case OutputAnswer, OutputContexts:
	default:
		return nil, fault.New(fault.CodeValidation, "unknown output mode %q", exec.OutputMode)
	}
	if exec.Mode == ModeAnswerer && exec.Question == "" {
		return nil, fault.New(fault.CodeValidation, "answerer executions need a question")
	}

	exec.ID = uuid.NewString()
	exec.Status = StatusPending
	exec.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(exec)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Create(ctx, metastore.Item{PK: execPK(exec.ID), SK: metaSK, Data: data}); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}
	s.appendAudit(ctx, exec.ID, "", StatusPending, "created")
	s.logger.Info("execution created", "execution", exec.ID, "session", exec.SessionID, "mode", exec.Mode)
	return exec, nil
}

// Get loads an execution.
func (s *Service) Get(ctx context.Context, id string) (*Execution, error) {
	exec, _, err := s.load(ctx, id)
	return exec, err
}

// Start transitions PENDING → RUNNING. Starting a RUNNING or terminal
// execution fails validation.
func (s *Service) Start(ctx context.Context, id string) (*Execution, error) {
	return s.transition(ctx, id, func(exec *Execution) error {
		if exec.Status != StatusPending {
			return fault.New(fault.CodeValidation, "execution %s is %s, not PENDING", id, exec.Status)
		}
		exec.Status = StatusRunning
		exec.StartedAt = time.Now().UTC()
		return nil
	})
}

// Progress records a completed turn's counters. Monotonic: a stale writer
// (smaller turn index) loses.
func (s *Service) Progress(ctx context.Context, exec *Execution) error {
	_, err := s.transition(ctx, exec.ID, func(current *Execution) error {
		if current.Status.IsTerminal() {
			return fault.New(fault.CodeValidation, "execution %s is terminal", exec.ID)
		}
		if exec.TurnIndex < current.TurnIndex {
			return metastore.ErrVersionConflict
		}
		current.TurnIndex = exec.TurnIndex
		current.Consumed = exec.Consumed
		return nil
	})
	return err
}

// Complete finalizes with answer, citations, and the trace pointer.
func (s *Service) Complete(ctx context.Context, exec *Execution) (*Execution, error) {
	return s.transition(ctx, exec.ID, func(current *Execution) error {
		if current.Status.IsTerminal() {
			return fault.New(fault.CodeValidation, "execution %s already terminal (%s)", exec.ID, current.Status)
		}
		current.Status = StatusCompleted
		current.TurnIndex = exec.TurnIndex
		current.Consumed = exec.Consumed
		current.Answer = exec.Answer
		current.Citations = exec.Citations
		current.TracePointer = exec.TracePointer
		current.CompletedAt = time.Now().UTC()
		return nil
	})
}

// Terminate moves to the given terminal status with an optional error.
// Already-terminal executions keep their status and error; a supplied
// trace pointer still backfills an empty one, because the artifact is
// often written after something else (an external cancel, a competing
// driver) terminated the execution.
func (s *Service) Terminate(ctx context.Context, id string, status Status, cause *fault.Fault, tracePointer string) (*Execution, error) {
	if !status.IsTerminal() {
		return nil, fault.New(fault.CodeValidation, "%s is not a terminal status", status)
	}
	return s.transition(ctx, id, func(current *Execution) error {
		if current.Status.IsTerminal() {
			if tracePointer != "" && current.TracePointer == "" {
				current.TracePointer = tracePointer
			}
			return nil
		}
		current.Status = status
		current.Error = cause
		if tracePointer != "" {
			current.TracePointer = tracePointer
		}
		current.CompletedAt = time.Now().UTC()
		return nil
	})
}

// Cancel requests cancellation. Idempotent: cancelling a terminal
// execution returns it unchanged.
func (s *Service) Cancel(ctx context.Context, id string) (*Execution, error) {
	return s.Terminate(ctx, id, StatusCancelled, nil, "")
}

// transition applies mutate under optimistic concurrency, retrying version
// races against the fresh item.
func (s *Service) transition(ctx context.Context, id string, mutate func(*Execution) error) (*Execution, error) {
	for attempt := 0; attempt < 5; attempt++ {
		exec, version, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		before := exec.Status
		if err := mutate(exec); err != nil {
			if errors.Is(err, metastore.ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		data, err := json.Marshal(exec)
		if err != nil {
			return nil, err
		}
		_, err = s.store.UpdateIf(ctx, metastore.Item{PK: execPK(id), SK: metaSK, Data: data}, version)
		if errors.Is(err, metastore.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to write execution: %w", err)
		}
		if exec.Status != before {
			s.appendAudit(ctx, id, before, exec.Status, "")
			s.logger.Info("execution transition", "execution", id, "from", before, "to", exec.Status)
		}
		return exec, nil
	}
	return nil, fault.Transient(fault.CodeInternal, metastore.ErrVersionConflict,
		"execution %s transition kept losing version races", id)
}

func (s *Service) load(ctx context.Context, id string) (*Execution, int64, error) {
	item, err := s.store.Get(ctx, execPK(id), metaSK)
	if errors.Is(err, metastore.ErrNotFound) {
		return nil, 0, fault.New(fault.CodeExecutionNotFound, "execution %s not found", id)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read execution: %w", err)
	}
	var exec Execution
	if err := json.Unmarshal(item.Data, &exec); err != nil {
		return nil, 0, fmt.Errorf("corrupt execution item: %w", err)
	}
	return &exec, item.Version, nil
}

// SaveState stores the current state pointer, guarded by turn index: a
// writer persisting an older turn than the stored one loses.
func (s *Service) SaveState(ctx context.Context, id string, snap *state.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	item := metastore.Item{PK: execPK(id), SK: stateSK, Data: data}

	existing, err := s.store.Get(ctx, execPK(id), stateSK)
	if errors.Is(err, metastore.ErrNotFound) {
		if _, err := s.store.Create(ctx, item); err != nil {
			return fmt.Errorf("failed to create state pointer: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state pointer: %w", err)
	}
	var current state.Snapshot
	if err := json.Unmarshal(existing.Data, &current); err != nil {
		return fmt.Errorf("corrupt state pointer: %w", err)
	}
	if snap.TurnIndex < current.TurnIndex {
		return fault.New(fault.CodeValidation,
			"stale state write: turn %d behind stored turn %d", snap.TurnIndex, current.TurnIndex)
	}
	if _, err := s.store.UpdateIf(ctx, item, existing.Version); err != nil {
		return fmt.Errorf("failed to write state pointer: %w", err)
	}
	return nil
}

// LoadState returns the current state pointer, or nil when no turn has
// persisted yet.
func (s *Service) LoadState(ctx context.Context, id string) (*state.Snapshot, error) {
	item, err := s.store.Get(ctx, execPK(id), stateSK)
	if errors.Is(err, metastore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state pointer: %w", err)
	}
	var snap state.Snapshot
	if err := json.Unmarshal(item.Data, &snap); err != nil {
		return nil, fmt.Errorf("corrupt state pointer: %w", err)
	}
	return &snap, nil
}

// AuditEntry is one status transition record.
type AuditEntry struct {
	From   Status    `json:"from,omitempty"`
	To     Status    `json:"to"`
	Note   string    `json:"note,omitempty"`
	At     time.Time `json:"at"`
	Holder string    `json:"holder,omitempty"`
}

// Audit returns the execution's transition history in order.
func (s *Service) Audit(ctx context.Context, id string) ([]AuditEntry, error) {
	items, err := s.store.Query(ctx, execPK(id), auditSKPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	out := make([]AuditEntry, 0, len(items))
	for _, item := range items {
		var e AuditEntry
		if err := json.Unmarshal(item.Data, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// appendAudit writes a transition record. Best-effort: audit failures are
// logged, never propagated.
func (s *Service) appendAudit(ctx context.Context, id string, from, to Status, note string) {
	e := AuditEntry{From: from, To: to, Note: note, At: time.Now().UTC()}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	sk := fmt.Sprintf("%s%020d", auditSKPrefix, e.At.UnixNano())
	if _, err := s.store.Create(ctx, metastore.Item{PK: execPK(id), SK: sk, Data: data}); err != nil {
		s.logger.Warn("audit append failed", "execution", id, "error", err)
	}
}
