// Package session manages sessions: an ordered document corpus plus
// per-session default budgets, with a readiness predicate over documents
// and TTL expiry. Sessions are immutable once ready.
package session

import (
	"time"

	"github.com/rlmrs/rlmrs/pkg/config"
	"github.com/rlmrs/rlmrs/pkg/corpus"
)

// Status is the session lifecycle state.
type Status string

const (
	// StatusPending means documents are still being added or parsed.
	StatusPending Status = "pending"

	// StatusReady means the readiness predicate holds; the corpus is frozen.
	StatusReady Status = "ready"

	// StatusExpired means the TTL passed; executions can no longer start.
	StatusExpired Status = "expired"
)

// Readiness selects the predicate that gates StatusReady.
type Readiness string

const (
	// ReadinessLax requires every document to be parsed.
	ReadinessLax Readiness = "lax"

	// ReadinessStrict additionally requires every document to be indexed
	// for search.
	ReadinessStrict Readiness = "strict"
)

// Document is one corpus entry: the raw object plus pointers to the parsed
// sidecars. (text, offsets, checksum, parser_version) is deterministic for
// a given raw object version.
type Document struct {
	ID            string `json:"id"`
	RawKey        string `json:"raw_key"`
	TextKey       string `json:"text_key"`
	OffsetsKey    string `json:"offsets_key"`
	MetaKey       string `json:"meta_key,omitempty"`
	Checksum      string `json:"checksum"`
	CharLength    int    `json:"char_length"`
	ParserVersion string `json:"parser_version"`
	Parsed        bool   `json:"parsed"`
	Indexed       bool   `json:"indexed"`
}

// Session is a corpus plus configuration with a TTL.
type Session struct {
	ID        string     `json:"id"`
	Tenant    string     `json:"tenant"`
	Status    Status     `json:"status"`
	Readiness Readiness  `json:"readiness"`
	Documents []Document `json:"documents"`

	// Defaults are per-session limit overrides merged under each
	// execution's requested budget.
	Defaults *config.LimitsConfig `json:"defaults,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session TTL has passed.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// ready evaluates the readiness predicate over the documents.
func (s *Session) ready() bool {
	if len(s.Documents) == 0 {
		return false
	}
	for _, d := range s.Documents {
		if !d.Parsed {
			return false
		}
		if s.Readiness == ReadinessStrict && !d.Indexed {
			return false
		}
	}
	return true
}

// Manifest renders the corpus manifest consumed by the sandbox view.
func (s *Session) Manifest() []corpus.DocumentInfo {
	out := make([]corpus.DocumentInfo, len(s.Documents))
	for i, d := range s.Documents {
		out[i] = corpus.DocumentInfo{
			ID:            d.ID,
			TextKey:       d.TextKey,
			OffsetsKey:    d.OffsetsKey,
			MetaKey:       d.MetaKey,
			Checksum:      d.Checksum,
			CharLength:    d.CharLength,
			ParserVersion: d.ParserVersion,
		}
	}
	return out
}
