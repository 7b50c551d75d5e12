// Package trace persists per-turn execution records and the final gzipped
// trace artifact. Turn records are append-only per-turn objects; nothing is
// ever rewritten in place. A redaction switch masks prompts and model
// outputs for deployments that must not retain them.
package trace

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rlmrs/rlmrs/pkg/blob"
	"github.com/rlmrs/rlmrs/pkg/corpus"
	"github.com/rlmrs/rlmrs/pkg/fault"
	"github.com/rlmrs/rlmrs/pkg/sandbox"
	"github.com/rlmrs/rlmrs/pkg/tokens"
)

const redacted = "[redacted]"

// Timings breaks a turn's wall clock down by suspension point.
type Timings struct {
	PromptMillis  int64 `json:"prompt_ms"`
	SandboxMillis int64 `json:"sandbox_ms"`
	ToolsMillis   int64 `json:"tools_ms"`
	TotalMillis   int64 `json:"total_ms"`
}

// TurnRecord is the persisted record of one turn.
type TurnRecord struct {
	TurnIndex int    `json:"turn_index"`
	Mode      string `json:"mode,omitempty"`

	Prompt       string `json:"prompt,omitempty"`
	PromptChars  int    `json:"prompt_chars,omitempty"`
	PromptTokens int    `json:"prompt_tokens,omitempty"`
	ModelOutput  string `json:"model_output,omitempty"`
	Code         string `json:"code,omitempty"`

	Stdout         string                  `json:"stdout,omitempty"`
	SpanLog        []corpus.SpanEntry      `json:"span_log,omitempty"`
	LLMRequests    []sandbox.LLMRequest    `json:"llm_requests,omitempty"`
	SearchRequests []sandbox.SearchRequest `json:"search_requests,omitempty"`
	ToolStatuses   map[string]string       `json:"tool_statuses,omitempty"`

	StateChecksum string `json:"state_checksum,omitempty"`
	StateURI      string `json:"state_uri,omitempty"`

	Final      *sandbox.Final `json:"final,omitempty"`
	ParseError string         `json:"parse_error,omitempty"`
	StepError  *fault.Fault   `json:"step_error,omitempty"`

	Timings   Timings   `json:"timings"`
	CreatedAt time.Time `json:"created_at"`
}

// Artifact is the final gzipped trace document.
type Artifact struct {
	Tenant      string       `json:"tenant"`
	SessionID   string       `json:"session_id"`
	ExecutionID string       `json:"execution_id"`
	Status      string       `json:"status"`
	Turns       []TurnRecord `json:"turns"`
	WrittenAt   time.Time    `json:"written_at"`
}

// Writer persists traces for one execution.
type Writer struct {
	store   blob.Store
	counter *tokens.Counter
	logger  *slog.Logger

	tenant      string
	sessionID   string
	executionID string
	enabled     bool
	redact      bool
}

// Options configures a Writer.
type Options struct {
	Tenant      string
	SessionID   string
	ExecutionID string
	Enabled     bool
	Redact      bool
	Counter     *tokens.Counter
	Logger      *slog.Logger
}

// NewWriter creates a trace writer for one execution.
func NewWriter(store blob.Store, opts Options) *Writer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Writer{
		store:       store,
		counter:     opts.Counter,
		logger:      opts.Logger,
		tenant:      opts.Tenant,
		sessionID:   opts.SessionID,
		executionID: opts.ExecutionID,
		enabled:     opts.Enabled,
		redact:      opts.Redact,
	}
}

func (w *Writer) turnKey(turn int) string {
	return fmt.Sprintf("traces/%s/%s/%s/turn_%d.json", w.tenant, w.sessionID, w.executionID, turn)
}

// ArtifactKey is the final artifact's object key; it is the pointer stored
// on the execution.
func (w *Writer) ArtifactKey() string {
	return fmt.Sprintf("traces/%s/%s/%s.json.gz", w.tenant, w.sessionID, w.executionID)
}

// WriteTurn persists one turn record. Token accounting fills in before the
// redaction pass so redacted traces keep their size numbers.
func (w *Writer) WriteTurn(ctx context.Context, rec TurnRecord) error {
	if !w.enabled {
		return nil
	}
	rec.CreatedAt = time.Now().UTC()
	rec.PromptChars = len(rec.Prompt)
	rec.PromptTokens = w.counter.Count(rec.Prompt)
	if w.redact {
		rec = redactRecord(rec)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode turn record: %w", err)
	}
	if err := w.store.Put(ctx, w.turnKey(rec.TurnIndex), data, "application/json"); err != nil {
		return fmt.Errorf("failed to write turn record: %w", err)
	}
	return nil
}

// Turn loads one persisted turn record, or nil when it was never written.
func (w *Writer) Turn(ctx context.Context, turn int) (*TurnRecord, error) {
	if !w.enabled {
		return nil, nil
	}
	data, err := w.store.Get(ctx, w.turnKey(turn))
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read turn record: %w", err)
	}
	var rec TurnRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt turn record: %w", err)
	}
	return &rec, nil
}

// Finalize collects every persisted turn into the gzipped artifact and
// returns its key. Missing or corrupt turn objects are skipped, not fatal:
// a partial trace beats none.
func (w *Writer) Finalize(ctx context.Context, status string, turns int) (string, error) {
	if !w.enabled {
		return "", nil
	}
	artifact := Artifact{
		Tenant:      w.tenant,
		SessionID:   w.sessionID,
		ExecutionID: w.executionID,
		Status:      status,
		WrittenAt:   time.Now().UTC(),
	}
	for i := 0; i < turns; i++ {
		data, err := w.store.Get(ctx, w.turnKey(i))
		if err != nil {
			w.logger.Warn("turn record missing from trace", "execution", w.executionID, "turn", i, "error", err)
			continue
		}
		var rec TurnRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			w.logger.Warn("corrupt turn record skipped", "execution", w.executionID, "turn", i, "error", err)
			continue
		}
		artifact.Turns = append(artifact.Turns, rec)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(artifact); err != nil {
		return "", fmt.Errorf("failed to encode trace artifact: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("failed to compress trace artifact: %w", err)
	}

	key := w.ArtifactKey()
	if err := w.store.Put(ctx, key, buf.Bytes(), "application/gzip"); err != nil {
		return "", fmt.Errorf("failed to write trace artifact: %w", err)
	}
	w.logger.Info("trace artifact written", "execution", w.executionID, "turns", len(artifact.Turns), "key", key)
	return key, nil
}

// Read loads and decompresses a final artifact.
func Read(ctx context.Context, store blob.Store, key string) (*Artifact, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace artifact: %w", err)
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("trace artifact is not gzip: %w", err)
	}
	defer gz.Close()
	var artifact Artifact
	if err := json.NewDecoder(gz).Decode(&artifact); err != nil {
		return nil, fmt.Errorf("corrupt trace artifact: %w", err)
	}
	return &artifact, nil
}

// redactRecord masks prompts and model outputs but keeps structure,
// spans, timings, and sizes.
func redactRecord(rec TurnRecord) TurnRecord {
	if rec.Prompt != "" {
		rec.Prompt = redacted
	}
	if rec.ModelOutput != "" {
		rec.ModelOutput = redacted
	}
	for i := range rec.LLMRequests {
		rec.LLMRequests[i].Prompt = redacted
	}
	return rec
}
