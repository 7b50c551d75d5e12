// Package state enforces the JSON-only execution workspace: type
// validation, canonical serialization, checksums, namespace discipline over
// orchestrator-owned keys, and inline-or-offload persistence.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rlmrs/rlmrs/pkg/fault"
)

// Orchestrator-owned top-level keys. Sandbox code sees them read-only;
// mutations are reverted after every step.
const (
	KeyToolResults = "_tool_results"
	KeyToolStatus  = "_tool_status"
	KeyBudgets     = "_budgets"
	KeyTrace       = "_trace"
	KeyToolSchema  = "_tool_schema"
)

// OwnedKeys lists every orchestrator-owned key.
var OwnedKeys = []string{KeyToolResults, KeyToolStatus, KeyBudgets, KeyTrace, KeyToolSchema}

// State is the JSON workspace of an execution. The zero value is not
// usable; call New.
type State map[string]any

// New returns an empty workspace.
func New() State {
	return State{}
}

// Validate walks a value and rejects anything that is not a JSON primitive,
// array, or object.
func Validate(v any) error {
	return validate(v, "$")
}

func validate(v any, path string) error {
	switch tv := v.(type) {
	case nil, bool, string,
		float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		json.Number:
		return nil
	case []any:
		for i, item := range tv {
			if err := validate(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for k, item := range tv {
			if err := validate(item, path+"."+k); err != nil {
				return err
			}
		}
		return nil
	case State:
		return validate(map[string]any(tv), path)
	default:
		return fault.New(fault.CodeStateInvalidType, "state value at %s has non-JSON type %T", path, v).
			WithDetail("path", path)
	}
}

// Canonical serializes a state to canonical bytes: encoding/json with its
// deterministic sorted map keys. Checksums and size accounting both run
// over these bytes.
func Canonical(s State) ([]byte, error) {
	if err := Validate(s); err != nil {
		return nil, err
	}
	data, err := json.Marshal(map[string]any(s))
	if err != nil {
		return nil, fault.Wrap(fault.CodeStateInvalidType, err, "state is not JSON-serializable")
	}
	return data, nil
}

// Checksum hashes canonical bytes with the canonical prefix.
func Checksum(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Clone deep-copies a state through its canonical form.
func Clone(s State) (State, error) {
	data, err := Canonical(s)
	if err != nil {
		return nil, err
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to clone state: %w", err)
	}
	if out == nil {
		out = New()
	}
	return out, nil
}

// SnapshotOwned copies the orchestrator-owned entries out of a state.
func SnapshotOwned(s State) map[string]any {
	snap := make(map[string]any, len(OwnedKeys))
	for _, k := range OwnedKeys {
		if v, ok := s[k]; ok {
			snap[k] = v
		}
	}
	return snap
}

// RestoreOwned discards any sandbox mutations of orchestrator-owned keys
// by grafting the pre-step snapshot back in. Keys absent from the snapshot
// are removed.
func RestoreOwned(s State, snap map[string]any) {
	for _, k := range OwnedKeys {
		if v, ok := snap[k]; ok {
			s[k] = v
		} else {
			delete(s, k)
		}
	}
}

// KeySize is one entry of a state summary.
type KeySize struct {
	Key   string `json:"key"`
	Bytes int    `json:"bytes"`
}

// Summarize lists top-level keys with their canonical byte sizes, in
// canonical key order. The summary rides along with offloaded states and
// feeds the root prompt's compact state view.
func Summarize(s State) []KeySize {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]KeySize, 0, len(keys))
	for _, k := range keys {
		data, err := json.Marshal(s[k])
		size := 0
		if err == nil {
			size = len(data)
		}
		out = append(out, KeySize{Key: k, Bytes: size})
	}
	return out
}
