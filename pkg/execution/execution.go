// Package execution manages execution entities: the status machine with
// absorbing terminal states, conditional persistence guarded by turn index,
// and the per-execution audit log.
package execution

import (
	"time"

	"github.com/rlmrs/rlmrs/pkg/budget"
	"github.com/rlmrs/rlmrs/pkg/citation"
	"github.com/rlmrs/rlmrs/pkg/config"
	"github.com/rlmrs/rlmrs/pkg/fault"
)

// Mode selects who drives the turns.
type Mode string

const (
	// ModeAnswerer means the orchestrator drives turns to completion.
	ModeAnswerer Mode = "ANSWERER"

	// ModeRuntime means an external driver advances one step at a time.
	ModeRuntime Mode = "RUNTIME"
)

// OutputMode selects the shape of the final answer.
type OutputMode string

const (
	// OutputAnswer returns the model's final answer value.
	OutputAnswer OutputMode = "ANSWER"

	// OutputContexts replaces the answer with the context-tagged span list.
	OutputContexts OutputMode = "CONTEXTS"
)

// Status is the execution state machine position.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusRunning          Status = "RUNNING"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
	StatusCancelled        Status = "CANCELLED"
	StatusTimeout          Status = "TIMEOUT"
	StatusBudgetExceeded   Status = "BUDGET_EXCEEDED"
	StatusMaxTurnsExceeded Status = "MAX_TURNS_EXCEEDED"
)

// IsTerminal reports whether the status absorbs further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout,
		StatusBudgetExceeded, StatusMaxTurnsExceeded:
		return true
	}
	return false
}

// TerminalFor maps a terminal fault to the status it implies.
func TerminalFor(code fault.Code) Status {
	switch code {
	case fault.CodeMaxTurnsExceeded:
		return StatusMaxTurnsExceeded
	case fault.CodeBudgetExceeded:
		return StatusBudgetExceeded
	case fault.CodeStepTimeout:
		return StatusTimeout
	default:
		return StatusFailed
	}
}

// Execution is one run against a session.
type Execution struct {
	ID        string `json:"id"`
	Tenant    string `json:"tenant"`
	SessionID string `json:"session_id"`

	Mode       Mode       `json:"mode"`
	OutputMode OutputMode `json:"output_mode"`
	Status     Status     `json:"status"`
	Question   string     `json:"question,omitempty"`

	// Limits is the merged budget snapshot, fixed at creation.
	Limits config.LimitsConfig `json:"limits"`

	// Consumed counters accumulate across turns; they never decrease.
	Consumed budget.Consumed `json:"consumed"`

	// TurnIndex counts completed turns. The next turn is TurnIndex.
	TurnIndex int `json:"turn_index"`

	Answer       any                `json:"answer,omitempty"`
	Citations    []citation.SpanRef `json:"citations,omitempty"`
	TracePointer string             `json:"trace_pointer,omitempty"`
	Error        *fault.Fault       `json:"error,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}
