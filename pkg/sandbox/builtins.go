package sandbox

import (
	"fmt"
	"math"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// allowedUniverse is the subset of the interpreter's universe exposed to
// steps. Everything else (getattr, hasattr, dir, fail, ...) stays out.
var allowedUniverse = []string{
	"len", "range", "enumerate", "zip",
	"sorted", "reversed", "min", "max", "abs",
	"int", "float", "str", "bool",
	"list", "dict", "tuple", "set",
	"print",
}

// basePredeclared builds the restricted name environment: the allow-listed
// universe builtins plus map/filter/sum/round/isinstance, which Starlark
// itself does not define.
func basePredeclared() starlark.StringDict {
	env := make(starlark.StringDict, len(allowedUniverse)+5)
	for _, name := range allowedUniverse {
		if v, ok := starlark.Universe[name]; ok {
			env[name] = v
		}
	}
	env["map"] = starlark.NewBuiltin("map", builtinMap)
	env["filter"] = starlark.NewBuiltin("filter", builtinFilter)
	env["sum"] = starlark.NewBuiltin("sum", builtinSum)
	env["round"] = starlark.NewBuiltin("round", builtinRound)
	env["isinstance"] = starlark.NewBuiltin("isinstance", builtinIsinstance)
	return env
}

func builtinMap(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Callable
	var iterable starlark.Iterable
	if err := starlark.UnpackPositionalArgs("map", args, kwargs, 2, &fn, &iterable); err != nil {
		return nil, err
	}
	var out []starlark.Value
	iter := iterable.Iterate()
	defer iter.Done()
	var item starlark.Value
	for iter.Next(&item) {
		v, err := starlark.Call(thread, fn, starlark.Tuple{item}, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return starlark.NewList(out), nil
}

func builtinFilter(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Value
	var iterable starlark.Iterable
	if err := starlark.UnpackPositionalArgs("filter", args, kwargs, 2, &fn, &iterable); err != nil {
		return nil, err
	}
	var out []starlark.Value
	iter := iterable.Iterate()
	defer iter.Done()
	var item starlark.Value
	for iter.Next(&item) {
		keep := item.Truth() == starlark.True
		if callable, ok := fn.(starlark.Callable); ok {
			v, err := starlark.Call(thread, callable, starlark.Tuple{item}, nil)
			if err != nil {
				return nil, err
			}
			keep = v.Truth() == starlark.True
		}
		if keep {
			out = append(out, item)
		}
	}
	return starlark.NewList(out), nil
}

func builtinSum(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	start := starlark.Value(starlark.MakeInt(0))
	if err := starlark.UnpackPositionalArgs("sum", args, kwargs, 1, &iterable, &start); err != nil {
		return nil, err
	}
	total := start
	iter := iterable.Iterate()
	defer iter.Done()
	var item starlark.Value
	for iter.Next(&item) {
		v, err := starlark.Binary(syntax.PLUS, total, item)
		if err != nil {
			return nil, err
		}
		total = v
	}
	return total, nil
}

func builtinRound(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	ndigits := 0
	if err := starlark.UnpackPositionalArgs("round", args, kwargs, 1, &x, &ndigits); err != nil {
		return nil, err
	}
	if i, ok := x.(starlark.Int); ok && ndigits >= 0 {
		return i, nil
	}
	f, ok := starlark.AsFloat(x)
	if !ok {
		return nil, fmt.Errorf("round: got %s, want int or float", x.Type())
	}
	shift := math.Pow(10, float64(ndigits))
	rounded := math.RoundToEven(f*shift) / shift
	if ndigits <= 0 {
		return starlark.MakeInt64(int64(rounded)), nil
	}
	return starlark.Float(rounded), nil
}

func builtinIsinstance(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, typ starlark.Value
	if err := starlark.UnpackPositionalArgs("isinstance", args, kwargs, 2, &x, &typ); err != nil {
		return nil, err
	}
	types := starlark.Tuple{typ}
	if tup, ok := typ.(starlark.Tuple); ok {
		types = tup
	}
	for _, t := range types {
		name, err := typeName(t)
		if err != nil {
			return nil, err
		}
		if x.Type() == name {
			return starlark.True, nil
		}
		// bool passes an int check, as in Python.
		if name == "int" {
			if _, isBool := x.(starlark.Bool); isBool {
				return starlark.True, nil
			}
		}
	}
	return starlark.False, nil
}

// typeName maps a type-constructor builtin to the runtime type it builds.
func typeName(t starlark.Value) (string, error) {
	b, ok := t.(*starlark.Builtin)
	if !ok {
		return "", fmt.Errorf("isinstance: second argument must be a type, got %s", t.Type())
	}
	switch b.Name() {
	case "str":
		return "string", nil
	case "int", "float", "bool", "list", "dict", "tuple", "set":
		return b.Name(), nil
	default:
		return "", fmt.Errorf("isinstance: %s is not a type", b.Name())
	}
}
