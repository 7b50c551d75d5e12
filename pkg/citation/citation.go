// Package citation turns accumulated span logs into deduplicated,
// verifiable references. A SpanRef pins (tenant, session, document, range)
// to a checksum over the exact canonical slice, so any reader can later
// prove the cited text is what the execution saw.
package citation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/rlmrs/rlmrs/pkg/corpus"
	"github.com/rlmrs/rlmrs/pkg/fault"
)

// SpanRef is a verifiable citation.
type SpanRef struct {
	Tenant    string `json:"tenant"`
	SessionID string `json:"session_id"`
	DocID     string `json:"doc_id"`
	DocIndex  int    `json:"doc_index"`
	StartChar int    `json:"start_char"`
	EndChar   int    `json:"end_char"`
	Checksum  string `json:"checksum"`
}

// Logged is a span log entry stamped with its discovery position:
// the turn that produced it and its index within that turn.
type Logged struct {
	corpus.SpanEntry
	TurnIndex   int `json:"turn_index"`
	InTurnIndex int `json:"in_turn_index"`
}

// Accumulator collects span log entries across the turns of an execution.
type Accumulator struct {
	entries []Logged
}

// Append stamps a step's span log with its turn index and adds it.
func (a *Accumulator) Append(turnIndex int, entries []corpus.SpanEntry) {
	for i, e := range entries {
		a.entries = append(a.entries, Logged{SpanEntry: e, TurnIndex: turnIndex, InTurnIndex: i})
	}
}

// Entries returns everything accumulated so far, in discovery order.
func (a *Accumulator) Entries() []Logged {
	out := make([]Logged, len(a.entries))
	copy(out, a.entries)
	return out
}

// Len returns the number of accumulated entries.
func (a *Accumulator) Len() int {
	return len(a.entries)
}

// ContextEntries filters to spans tagged exactly "context" or with a
// "context:" prefix, preserving global discovery order across turns with
// (turn_index, in_turn_index) as the deterministic tiebreaker.
func (a *Accumulator) ContextEntries() []Logged {
	var out []Logged
	for _, e := range a.entries {
		if isContextTag(e.Tag) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TurnIndex != out[j].TurnIndex {
			return out[i].TurnIndex < out[j].TurnIndex
		}
		return out[i].InTurnIndex < out[j].InTurnIndex
	})
	return out
}

func isContextTag(tag string) bool {
	return tag == "context" || strings.HasPrefix(tag, "context:")
}

// HashText computes the canonical checksum of a slice: SHA-256 over the
// NFC-normalized UTF-8 bytes, with the sha256: prefix.
func HashText(text string) string {
	normalized := norm.NFC.String(text)
	sum := sha256.Sum256([]byte(normalized))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Engine derives SpanRefs from span logs. mergeGap is the max char gap
// between adjacent ranges that still merge (0 merges only overlaps and
// adjacency).
type Engine struct {
	mergeGap int
}

// NewEngine creates an engine with the given merge gap.
func NewEngine(mergeGap int) *Engine {
	if mergeGap < 0 {
		mergeGap = 0
	}
	return &Engine{mergeGap: mergeGap}
}

// Merge deduplicates span entries per document: sorted by start, ranges
// merge when they overlap or their gap is at most mergeGap. The result
// maps doc index to disjoint ranges in ascending order.
func (e *Engine) Merge(entries []corpus.SpanEntry) map[int][]corpus.Range {
	byDoc := make(map[int][]corpus.Range)
	for _, entry := range entries {
		if entry.EndChar <= entry.StartChar {
			continue
		}
		byDoc[entry.DocIndex] = append(byDoc[entry.DocIndex], corpus.Range{Start: entry.StartChar, End: entry.EndChar})
	}

	for doc, ranges := range byDoc {
		sort.Slice(ranges, func(i, j int) bool {
			if ranges[i].Start != ranges[j].Start {
				return ranges[i].Start < ranges[j].Start
			}
			return ranges[i].End < ranges[j].End
		})
		merged := ranges[:0]
		for _, r := range ranges {
			if n := len(merged); n > 0 && r.Start <= merged[n-1].End+e.mergeGap {
				if r.End > merged[n-1].End {
					merged[n-1].End = r.End
				}
				continue
			}
			merged = append(merged, r)
		}
		byDoc[doc] = merged
	}
	return byDoc
}

// Derive merges the accumulated entries and emits one SpanRef per merged
// range, hashing the exact canonical slice of each.
func (e *Engine) Derive(ctx context.Context, view *corpus.Corpus, tenant, sessionID string, entries []corpus.SpanEntry) ([]SpanRef, error) {
	byDoc := e.Merge(entries)

	docs := make([]int, 0, len(byDoc))
	for doc := range byDoc {
		docs = append(docs, doc)
	}
	sort.Ints(docs)

	var refs []SpanRef
	for _, docIndex := range docs {
		doc, err := view.Doc(docIndex)
		if err != nil {
			return nil, err
		}
		for _, r := range byDoc[docIndex] {
			text, err := doc.ReadRange(ctx, r.Start, r.End)
			if err != nil {
				return nil, err
			}
			refs = append(refs, SpanRef{
				Tenant:    tenant,
				SessionID: sessionID,
				DocID:     doc.ID(),
				DocIndex:  docIndex,
				StartChar: r.Start,
				EndChar:   r.End,
				Checksum:  HashText(text),
			})
		}
	}
	return refs, nil
}

// DeriveLogged is Derive over stamped entries.
func (e *Engine) DeriveLogged(ctx context.Context, view *corpus.Corpus, tenant, sessionID string, entries []Logged) ([]SpanRef, error) {
	plain := make([]corpus.SpanEntry, len(entries))
	for i, entry := range entries {
		plain[i] = entry.SpanEntry
	}
	return e.Derive(ctx, view, tenant, sessionID, plain)
}

// Verify re-reads the exact range behind a SpanRef and recomputes its
// checksum. A mismatch returns valid=false with a CHECKSUM_MISMATCH cause;
// read failures return an error.
func Verify(ctx context.Context, view *corpus.Corpus, ref SpanRef) (bool, error) {
	doc, err := view.Doc(ref.DocIndex)
	if err != nil {
		return false, fault.Wrap(fault.CodeValidation, err, "span ref names an unknown document")
	}
	text, err := doc.ReadRange(ctx, ref.StartChar, ref.EndChar)
	if err != nil {
		return false, err
	}
	if HashText(text) != ref.Checksum {
		return false, fault.New(fault.CodeChecksumMismatch, "span %s[%d:%d) does not match its stored checksum",
			ref.DocID, ref.StartChar, ref.EndChar)
	}
	return true, nil
}
