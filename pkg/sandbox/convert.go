package sandbox

import (
	"encoding/json"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/rlmrs/rlmrs/pkg/fault"
	"github.com/rlmrs/rlmrs/pkg/state"
)

// jsonToStarlark converts a JSON value into its Starlark representation.
func jsonToStarlark(v any) (starlark.Value, error) {
	switch tv := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(tv), nil
	case string:
		return starlark.String(tv), nil
	case float64:
		if tv == float64(int64(tv)) {
			return starlark.MakeInt64(int64(tv)), nil
		}
		return starlark.Float(tv), nil
	case int:
		return starlark.MakeInt(tv), nil
	case int64:
		return starlark.MakeInt64(tv), nil
	case json.Number:
		if i, err := tv.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := tv.Float64()
		if err != nil {
			return nil, fmt.Errorf("unrepresentable number %q", tv.String())
		}
		return starlark.Float(f), nil
	case []any:
		elems := make([]starlark.Value, len(tv))
		for i, item := range tv {
			val, err := jsonToStarlark(item)
			if err != nil {
				return nil, err
			}
			elems[i] = val
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		dict := starlark.NewDict(len(tv))
		for k, item := range tv {
			val, err := jsonToStarlark(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), val); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case state.State:
		return jsonToStarlark(map[string]any(tv))
	default:
		return nil, fmt.Errorf("cannot represent %T in the sandbox", v)
	}
}

// starlarkToJSON converts a Starlark value back to a JSON value. Tuples
// and sets become arrays; anything else non-JSON fails with
// STATE_INVALID_TYPE.
func starlarkToJSON(v starlark.Value) (any, error) {
	switch tv := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(tv), nil
	case starlark.String:
		return string(tv), nil
	case starlark.Int:
		if i, ok := tv.Int64(); ok {
			return i, nil
		}
		f, _ := starlark.AsFloat(tv)
		return f, nil
	case starlark.Float:
		return float64(tv), nil
	case *starlark.List:
		return iterableToJSON(tv)
	case starlark.Tuple:
		out := make([]any, len(tv))
		for i, item := range tv {
			val, err := starlarkToJSON(item)
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	case *starlark.Set:
		return iterableToJSON(tv)
	case *starlark.Dict:
		out := make(map[string]any, tv.Len())
		for _, item := range tv.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fault.New(fault.CodeStateInvalidType,
					"state dict key %s is not a string", item[0].String())
			}
			val, err := starlarkToJSON(item[1])
			if err != nil {
				return nil, err
			}
			out[string(key)] = val
		}
		return out, nil
	default:
		return nil, fault.New(fault.CodeStateInvalidType,
			"state value of type %s is not JSON-serializable", v.Type())
	}
}

func iterableToJSON(it starlark.Iterable) ([]any, error) {
	var out []any
	iter := it.Iterate()
	defer iter.Done()
	var item starlark.Value
	for iter.Next(&item) {
		val, err := starlarkToJSON(item)
		if err != nil {
			return nil, err
		}
		out = append(out, val)
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

// stateToDict builds the sandbox `state` dict from a workspace.
func stateToDict(s state.State) (*starlark.Dict, error) {
	v, err := jsonToStarlark(map[string]any(s))
	if err != nil {
		return nil, fault.Wrap(fault.CodeStateInvalidType, err, "state cannot enter the sandbox")
	}
	return v.(*starlark.Dict), nil
}

// dictToState converts the sandbox `state` dict back to a workspace.
func dictToState(d *starlark.Dict) (state.State, error) {
	v, err := starlarkToJSON(d)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fault.New(fault.CodeStateInvalidType, "state is not an object")
	}
	return state.State(m), nil
}
