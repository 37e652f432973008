package sandbox

import (
	"fmt"
	"math"
	"sort"

	"go.starlark.net/starlark"
)

// extraBuiltins fills the gaps between the Starlark universe and what
// generated code expects from a Python-like environment.
func extraBuiltins() starlark.StringDict {
	return starlark.StringDict{
		"sum":    starlark.NewBuiltin("sum", builtinSum),
		"round":  starlark.NewBuiltin("round", builtinRound),
		"map":    starlark.NewBuiltin("map", builtinMap),
		"filter": starlark.NewBuiltin("filter", builtinFilter),
		"chr":    starlark.NewBuiltin("chr", builtinChr),
		"ord":    starlark.NewBuiltin("ord", builtinOrd),
	}
}

func builtinSum(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable, start starlark.Value
	if err := starlark.UnpackPositionalArgs("sum", args, kwargs, 1, &iterable, &start); err != nil {
		return nil, err
	}
	var ints int64
	var floats float64
	isFloat := false
	add := func(v starlark.Value) error {
		switch t := v.(type) {
		case starlark.Bool:
			if bool(t) {
				ints++
			}
		case starlark.Int:
			i, ok := t.Int64()
			if !ok {
				return fmt.Errorf("sum: integer overflow")
			}
			ints += i
		case starlark.Float:
			isFloat = true
			floats += float64(t)
		default:
			return fmt.Errorf("sum: unsupported operand type: %s", v.Type())
		}
		return nil
	}
	if start != nil {
		if err := add(start); err != nil {
			return nil, err
		}
	}
	iter := starlark.Iterate(iterable)
	if iter == nil {
		return nil, fmt.Errorf("sum: %s is not iterable", iterable.Type())
	}
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		if err := add(x); err != nil {
			return nil, err
		}
	}
	if isFloat {
		return starlark.Float(float64(ints) + floats), nil
	}
	return starlark.MakeInt64(ints), nil
}

func builtinRound(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, nd starlark.Value
	if err := starlark.UnpackPositionalArgs("round", args, kwargs, 1, &x, &nd); err != nil {
		return nil, err
	}
	f, ok := starlark.AsFloat(x)
	if !ok {
		return nil, fmt.Errorf("round: got %s, want number", x.Type())
	}
	if nd == nil || nd == starlark.None {
		if i, isInt := x.(starlark.Int); isInt {
			return i, nil
		}
		return starlark.MakeInt64(int64(math.Round(f))), nil
	}
	digits, err := starlark.AsInt32(nd)
	if err != nil {
		return nil, fmt.Errorf("round: ndigits must be an integer")
	}
	return starlark.Float(roundTo(f, digits)), nil
}

func builtinMap(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn, iterable starlark.Value
	if err := starlark.UnpackPositionalArgs("map", args, kwargs, 2, &fn, &iterable); err != nil {
		return nil, err
	}
	iter := starlark.Iterate(iterable)
	if iter == nil {
		return nil, fmt.Errorf("map: %s is not iterable", iterable.Type())
	}
	defer iter.Done()
	var out []starlark.Value
	var x starlark.Value
	for iter.Next(&x) {
		v, err := starlark.Call(thread, fn, starlark.Tuple{x}, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return starlark.NewList(out), nil
}

func builtinFilter(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn, iterable starlark.Value
	if err := starlark.UnpackPositionalArgs("filter", args, kwargs, 2, &fn, &iterable); err != nil {
		return nil, err
	}
	iter := starlark.Iterate(iterable)
	if iter == nil {
		return nil, fmt.Errorf("filter: %s is not iterable", iterable.Type())
	}
	defer iter.Done()
	var out []starlark.Value
	var x starlark.Value
	for iter.Next(&x) {
		keep := false
		if fn == starlark.None {
			keep = bool(x.Truth())
		} else {
			v, err := starlark.Call(thread, fn, starlark.Tuple{x}, nil)
			if err != nil {
				return nil, err
			}
			keep = bool(v.Truth())
		}
		if keep {
			out = append(out, x)
		}
	}
	return starlark.NewList(out), nil
}

func builtinChr(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var code int
	if err := starlark.UnpackPositionalArgs("chr", args, kwargs, 1, &code); err != nil {
		return nil, err
	}
	if code < 0 || code > 0x10FFFF {
		return nil, fmt.Errorf("chr: %d out of range", code)
	}
	return starlark.String(string(rune(code))), nil
}

func builtinOrd(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackPositionalArgs("ord", args, kwargs, 1, &s); err != nil {
		return nil, err
	}
	runes := []rune(s)
	if len(runes) != 1 {
		return nil, fmt.Errorf("ord: want a single character, got string of length %d", len(runes))
	}
	return starlark.MakeInt(int(runes[0])), nil
}

// examplesToStarlark renders scored samples as a list of dicts matching the
// shape rubric prompts describe.
func examplesToStarlark(examples []Example) *starlark.List {
	elems := make([]starlark.Value, 0, len(examples))
	for _, ex := range examples {
		d := starlark.NewDict(4)
		_ = d.SetKey(starlark.String("input"), starlark.String(ex.Input))
		_ = d.SetKey(starlark.String("response"), starlark.String(ex.Response))
		_ = d.SetKey(starlark.String("score"), starlark.Float(ex.Score))
		_ = d.SetKey(starlark.String("spec"), goToStarlark(ex.Spec))
		elems = append(elems, d)
	}
	return starlark.NewList(elems)
}

func goToStarlark(v any) starlark.Value {
	switch t := v.(type) {
	case nil:
		return starlark.None
	case bool:
		return starlark.Bool(t)
	case string:
		return starlark.String(t)
	case int:
		return starlark.MakeInt(t)
	case int64:
		return starlark.MakeInt64(t)
	case float64:
		return starlark.Float(t)
	case []string:
		elems := make([]starlark.Value, len(t))
		for i, s := range t {
			elems[i] = starlark.String(s)
		}
		return starlark.NewList(elems)
	case []any:
		elems := make([]starlark.Value, len(t))
		for i, e := range t {
			elems[i] = goToStarlark(e)
		}
		return starlark.NewList(elems)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := starlark.NewDict(len(t))
		for _, k := range keys {
			_ = d.SetKey(starlark.String(k), goToStarlark(t[k]))
		}
		return d
	default:
		return starlark.String(fmt.Sprintf("%v", t))
	}
}
