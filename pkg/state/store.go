package state

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rlmrs/rlmrs/pkg/blob"
	"github.com/rlmrs/rlmrs/pkg/fault"
)

// Snapshot is the persisted form of one turn's state: either inline
// canonical JSON or a pointer to a compressed blob. Size and Checksum
// always describe the canonical (uncompressed) bytes.
type Snapshot struct {
	TurnIndex int             `json:"turn_index"`
	Inline    json.RawMessage `json:"inline,omitempty"`
	URI       string          `json:"uri,omitempty"`
	Checksum  string          `json:"checksum"`
	Size      int             `json:"size"`
	Summary   []KeySize       `json:"summary,omitempty"`
}

// Offloaded reports whether the snapshot points at a blob.
func (s *Snapshot) Offloaded() bool {
	return s.URI != ""
}

// Store persists and loads execution state against the object store.
type Store struct {
	blobs        blob.Store
	inlineCutoff int
	maxChars     int
}

// NewStore creates a state store. inlineCutoff is the canonical size above
// which state offloads; maxChars is the hard cap.
func NewStore(blobs blob.Store, inlineCutoff, maxChars int) *Store {
	return &Store{blobs: blobs, inlineCutoff: inlineCutoff, maxChars: maxChars}
}

// BlobKey is the object key for an offloaded turn state.
func BlobKey(tenant, executionID string, turn int) string {
	return fmt.Sprintf("state/%s/%s/state_%d.json.gz", tenant, executionID, turn)
}

// Persist validates, sizes, and stores a state for one turn. States at or
// under the inline cutoff stay inline in the snapshot; larger ones are
// gzipped into the object store. Over the hard cap persistence fails with
// STATE_TOO_LARGE.
func (st *Store) Persist(ctx context.Context, tenant, executionID string, turn int, s State) (*Snapshot, error) {
	canonical, err := Canonical(s)
	if err != nil {
		return nil, err
	}
	if st.maxChars > 0 && len(canonical) > st.maxChars {
		return nil, fault.New(fault.CodeStateTooLarge, "state size %d exceeds cap %d", len(canonical), st.maxChars).
			WithDetail("size", len(canonical)).
			WithDetail("max", st.maxChars)
	}

	snap := &Snapshot{
		TurnIndex: turn,
		Checksum:  Checksum(canonical),
		Size:      len(canonical),
		Summary:   Summarize(s),
	}

	if len(canonical) <= st.inlineCutoff {
		snap.Inline = json.RawMessage(canonical)
		return snap, nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(canonical); err != nil {
		return nil, fmt.Errorf("failed to compress state: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress state: %w", err)
	}

	key := BlobKey(tenant, executionID, turn)
	if err := st.blobs.Put(ctx, key, buf.Bytes(), "application/gzip"); err != nil {
		return nil, fault.Wrap(fault.CodeS3Read, err, "failed to offload state to %s", key)
	}
	snap.URI = key
	return snap, nil
}

// Load materializes a snapshot back into a workspace, verifying the stored
// checksum on the offloaded path.
func (st *Store) Load(ctx context.Context, snap *Snapshot) (State, error) {
	if snap == nil {
		return New(), nil
	}

	var canonical []byte
	if snap.Offloaded() {
		compressed, err := st.blobs.Get(ctx, snap.URI)
		if err != nil {
			return nil, fault.Wrap(fault.CodeS3Read, err, "failed to read offloaded state %s", snap.URI)
		}
		gz, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fault.Wrap(fault.CodeChecksumMismatch, err, "offloaded state %s is not valid gzip", snap.URI)
		}
		canonical, err = io.ReadAll(gz)
		if err != nil {
			return nil, fault.Wrap(fault.CodeChecksumMismatch, err, "failed to decompress state %s", snap.URI)
		}
		if sum := Checksum(canonical); sum != snap.Checksum {
			return nil, fault.New(fault.CodeChecksumMismatch, "state %s checksum mismatch: stored %s, computed %s",
				snap.URI, snap.Checksum, sum)
		}
	} else {
		canonical = snap.Inline
	}

	if len(canonical) == 0 {
		return New(), nil
	}
	var s State
	if err := json.Unmarshal(canonical, &s); err != nil {
		return nil, fault.Wrap(fault.CodeInternal, err, "failed to decode persisted state")
	}
	if s == nil {
		s = New()
	}
	return s, nil
}
