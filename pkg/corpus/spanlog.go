package corpus

import (
	"sync"

	"github.com/rlmrs/rlmrs/pkg/fault"
)

// SpanEntry records one char range read from a document. Entries are
// recorded in program order within a step.
type SpanEntry struct {
	DocIndex  int    `json:"doc_index"`
	StartChar int    `json:"start_char"`
	EndChar   int    `json:"end_char"`
	Tag       string `json:"tag,omitempty"`
}

// Recorder is the append-only span log for one sandbox step. maxEntries
// bounds the step; remaining bounds the execution total. Negative values
// mean unlimited.
type Recorder struct {
	mu        sync.Mutex
	entries   []SpanEntry
	max       int
	remaining int
}

// NewRecorder creates a recorder with a per-step cap and a remaining
// execution-total allowance.
func NewRecorder(maxEntries, remainingTotal int) *Recorder {
	return &Recorder{max: maxEntries, remaining: remainingTotal}
}

// Record appends an entry. It fails when either cap is exhausted, and the
// caller must then withhold the text that produced the entry: logging and
// text return are atomic.
func (r *Recorder) Record(e SpanEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max >= 0 && len(r.entries) >= r.max {
		return fault.New(fault.CodeBudgetExceeded, "span log cap reached (%d entries per step)", r.max)
	}
	if r.remaining == 0 {
		return fault.New(fault.CodeBudgetExceeded, "execution span total exhausted")
	}
	r.entries = append(r.entries, e)
	if r.remaining > 0 {
		r.remaining--
	}
	return nil
}

// Entries returns a copy of the log in record order.
func (r *Recorder) Entries() []SpanEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SpanEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of recorded entries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
