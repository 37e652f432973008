package sandbox

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// baseModules returns the allowlisted module surface. Names mirror the
// modules sandboxed code is told it may import; the implementations cover
// the subset of each module that generated code actually reaches for.
func baseModules() starlark.StringDict {
	return starlark.StringDict{
		"re":          reModule(),
		"json":        jsonModule(),
		"math":        starlarkmath.Module,
		"string":      stringModule(),
		"collections": collectionsModule(),
		"functools":   functoolsModule(),
		"itertools":   itertoolsModule(),
	}
}

// ---- re ----

const (
	reFlagIgnoreCase = 2
	reFlagMultiline  = 8
	reFlagDotAll     = 16

	anchorNone  = 0
	anchorStart = 1
	anchorFull  = 2
)

var patternCache, _ = lru.New[string, *regexp.Regexp](128)

func compilePattern(pattern string, flags int) (*regexp.Regexp, error) {
	key := fmt.Sprintf("%d\x00%s", flags, pattern)
	if re, ok := patternCache.Get(key); ok {
		return re, nil
	}
	goPattern := pattern
	var prefix string
	if flags&reFlagIgnoreCase != 0 {
		prefix += "i"
	}
	if flags&reFlagMultiline != 0 {
		prefix += "m"
	}
	if flags&reFlagDotAll != 0 {
		prefix += "s"
	}
	if prefix != "" {
		goPattern = "(?" + prefix + ")" + goPattern
	}
	re, err := regexp.Compile(goPattern)
	if err != nil {
		return nil, fmt.Errorf("re: %v", err)
	}
	patternCache.Add(key, re)
	return re, nil
}

func anchored(pattern string, mode int) string {
	switch mode {
	case anchorStart:
		return `\A(?:` + pattern + `)`
	case anchorFull:
		return `\A(?:` + pattern + `)\z`
	}
	return pattern
}

// reMatch mirrors a Python match object closely enough for group access.
type reMatch struct {
	subject string
	idx     []int
	names   []string
}

func newMatch(subject string, idx []int, re *regexp.Regexp) *reMatch {
	return &reMatch{subject: subject, idx: idx, names: re.SubexpNames()}
}

func (m *reMatch) String() string {
	whole := ""
	if len(m.idx) >= 2 && m.idx[0] >= 0 {
		whole = m.subject[m.idx[0]:m.idx[1]]
	}
	return fmt.Sprintf("<match %q>", whole)
}

func (m *reMatch) Type() string          { return "match" }
func (m *reMatch) Freeze()               {}
func (m *reMatch) Truth() starlark.Bool  { return starlark.True }
func (m *reMatch) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: match") }

func (m *reMatch) AttrNames() []string {
	return []string{"end", "group", "groups", "span", "start"}
}

func (m *reMatch) Attr(name string) (starlark.Value, error) {
	switch name {
	case "group":
		return starlark.NewBuiltin("group", m.attrGroup), nil
	case "groups":
		return starlark.NewBuiltin("groups", m.attrGroups), nil
	case "start":
		return starlark.NewBuiltin("start", m.boundary(0)), nil
	case "end":
		return starlark.NewBuiltin("end", m.boundary(1)), nil
	case "span":
		return starlark.NewBuiltin("span", m.attrSpan), nil
	}
	return nil, nil
}

func (m *reMatch) groupCount() int { return len(m.idx)/2 - 1 }

func (m *reMatch) groupIndex(v starlark.Value) (int, error) {
	if name, ok := starlark.AsString(v); ok {
		for i, n := range m.names {
			if n != "" && n == name {
				return i, nil
			}
		}
		return 0, fmt.Errorf("no such group %q", name)
	}
	i, err := starlark.AsInt32(v)
	if err != nil {
		return 0, fmt.Errorf("group: want int or string, got %s", v.Type())
	}
	if i < 0 || i > m.groupCount() {
		return 0, fmt.Errorf("no such group %d", i)
	}
	return i, nil
}

func (m *reMatch) groupValue(i int) starlark.Value {
	if m.idx[2*i] < 0 {
		return starlark.None
	}
	return starlark.String(m.subject[m.idx[2*i]:m.idx[2*i+1]])
}

func (m *reMatch) attrGroup(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("group: unexpected keyword arguments")
	}
	if len(args) == 0 {
		return m.groupValue(0), nil
	}
	out := make([]starlark.Value, len(args))
	for i, arg := range args {
		gi, err := m.groupIndex(arg)
		if err != nil {
			return nil, err
		}
		out[i] = m.groupValue(gi)
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return starlark.Tuple(out), nil
}

func (m *reMatch) attrGroups(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fallback starlark.Value = starlark.None
	if err := starlark.UnpackPositionalArgs("groups", args, kwargs, 0, &fallback); err != nil {
		return nil, err
	}
	out := make([]starlark.Value, m.groupCount())
	for i := 1; i <= m.groupCount(); i++ {
		v := m.groupValue(i)
		if v == starlark.None {
			v = fallback
		}
		out[i-1] = v
	}
	return starlark.Tuple(out), nil
}

func (m *reMatch) boundary(side int) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		i := 0
		if len(args) > 0 {
			gi, err := m.groupIndex(args[0])
			if err != nil {
				return nil, err
			}
			i = gi
		}
		return starlark.MakeInt(m.idx[2*i+side]), nil
	}
}

func (m *reMatch) attrSpan(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	i := 0
	if len(args) > 0 {
		gi, err := m.groupIndex(args[0])
		if err != nil {
			return nil, err
		}
		i = gi
	}
	return starlark.Tuple{starlark.MakeInt(m.idx[2*i]), starlark.MakeInt(m.idx[2*i+1])}, nil
}

func reSearchCore(pattern string, flags, mode int, s string) (starlark.Value, error) {
	re, err := compilePattern(anchored(pattern, mode), flags)
	if err != nil {
		return nil, err
	}
	idx := re.FindStringSubmatchIndex(s)
	if idx == nil {
		return starlark.None, nil
	}
	return newMatch(s, idx, re), nil
}

func reFindallCore(pattern string, flags int, s string) (starlark.Value, error) {
	re, err := compilePattern(pattern, flags)
	if err != nil {
		return nil, err
	}
	var out []starlark.Value
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		switch re.NumSubexp() {
		case 0:
			out = append(out, starlark.String(m[0]))
		case 1:
			out = append(out, starlark.String(m[1]))
		default:
			groups := make([]starlark.Value, re.NumSubexp())
			for i := 1; i <= re.NumSubexp(); i++ {
				groups[i-1] = starlark.String(m[i])
			}
			out = append(out, starlark.Tuple(groups))
		}
	}
	return starlark.NewList(out), nil
}

func reFinditerCore(pattern string, flags int, s string) (starlark.Value, error) {
	re, err := compilePattern(pattern, flags)
	if err != nil {
		return nil, err
	}
	var out []starlark.Value
	for _, idx := range re.FindAllStringSubmatchIndex(s, -1) {
		out = append(out, newMatch(s, idx, re))
	}
	return starlark.NewList(out), nil
}

var (
	replNamedRE = regexp.MustCompile(`\\g<([A-Za-z_][A-Za-z0-9_]*|\d+)>`)
	replNumRE   = regexp.MustCompile(`\\(\d+)`)
)

func pythonReplacement(repl string) string {
	repl = strings.ReplaceAll(repl, "$", "$$")
	repl = replNamedRE.ReplaceAllString(repl, "${$1}")
	return replNumRE.ReplaceAllString(repl, "${$1}")
}

func replaceN(re *regexp.Regexp, s string, count int, expand func(idx []int) (string, error)) (string, error) {
	var b strings.Builder
	last, n := 0, 0
	for _, idx := range re.FindAllStringSubmatchIndex(s, -1) {
		if count > 0 && n >= count {
			break
		}
		b.WriteString(s[last:idx[0]])
		rep, err := expand(idx)
		if err != nil {
			return "", err
		}
		b.WriteString(rep)
		last = idx[1]
		n++
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func reSubCore(thread *starlark.Thread, pattern string, flags int, repl starlark.Value, s string, count int) (starlark.Value, error) {
	re, err := compilePattern(pattern, flags)
	if err != nil {
		return nil, err
	}
	if replStr, ok := starlark.AsString(repl); ok {
		goRepl := pythonReplacement(replStr)
		if count <= 0 {
			return starlark.String(re.ReplaceAllString(s, goRepl)), nil
		}
		out, err := replaceN(re, s, count, func(idx []int) (string, error) {
			return string(re.ExpandString(nil, goRepl, s, idx)), nil
		})
		if err != nil {
			return nil, err
		}
		return starlark.String(out), nil
	}
	fn, ok := repl.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("sub: repl must be string or function, got %s", repl.Type())
	}
	out, err := replaceN(re, s, count, func(idx []int) (string, error) {
		v, err := starlark.Call(thread, fn, starlark.Tuple{newMatch(s, idx, re)}, nil)
		if err != nil {
			return "", err
		}
		rep, ok := starlark.AsString(v)
		if !ok {
			return "", fmt.Errorf("sub: repl function returned %s, want string", v.Type())
		}
		return rep, nil
	})
	if err != nil {
		return nil, err
	}
	return starlark.String(out), nil
}

func reSplitCore(pattern string, flags int, s string, maxsplit int) (starlark.Value, error) {
	re, err := compilePattern(pattern, flags)
	if err != nil {
		return nil, err
	}
	n := -1
	if maxsplit > 0 {
		n = maxsplit + 1
	}
	parts := re.Split(s, n)
	out := make([]starlark.Value, len(parts))
	for i, p := range parts {
		out[i] = starlark.String(p)
	}
	return starlark.NewList(out), nil
}

func reSearchBuiltin(name string, mode int) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var pattern, s string
		flags := 0
		if err := starlark.UnpackArgs(name, args, kwargs, "pattern", &pattern, "string", &s, "flags?", &flags); err != nil {
			return nil, err
		}
		return reSearchCore(pattern, flags, mode, s)
	})
}

func reModule() *starlarkstruct.Module {
	members := starlark.StringDict{
		"search":    reSearchBuiltin("search", anchorNone),
		"match":     reSearchBuiltin("match", anchorStart),
		"fullmatch": reSearchBuiltin("fullmatch", anchorFull),
		"findall": starlark.NewBuiltin("findall", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var pattern, s string
			flags := 0
			if err := starlark.UnpackArgs("findall", args, kwargs, "pattern", &pattern, "string", &s, "flags?", &flags); err != nil {
				return nil, err
			}
			return reFindallCore(pattern, flags, s)
		}),
		"finditer": starlark.NewBuiltin("finditer", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var pattern, s string
			flags := 0
			if err := starlark.UnpackArgs("finditer", args, kwargs, "pattern", &pattern, "string", &s, "flags?", &flags); err != nil {
				return nil, err
			}
			return reFinditerCore(pattern, flags, s)
		}),
		"sub": starlark.NewBuiltin("sub", func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var pattern, s string
			var repl starlark.Value
			count, flags := 0, 0
			if err := starlark.UnpackArgs("sub", args, kwargs, "pattern", &pattern, "repl", &repl, "string", &s, "count?", &count, "flags?", &flags); err != nil {
				return nil, err
			}
			return reSubCore(thread, pattern, flags, repl, s, count)
		}),
		"split": starlark.NewBuiltin("split", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var pattern, s string
			maxsplit, flags := 0, 0
			if err := starlark.UnpackArgs("split", args, kwargs, "pattern", &pattern, "string", &s, "maxsplit?", &maxsplit, "flags?", &flags); err != nil {
				return nil, err
			}
			return reSplitCore(pattern, flags, s, maxsplit)
		}),
		"escape": starlark.NewBuiltin("escape", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var s string
			if err := starlark.UnpackPositionalArgs("escape", args, kwargs, 1, &s); err != nil {
				return nil, err
			}
			return starlark.String(regexp.QuoteMeta(s)), nil
		}),
		"compile": starlark.NewBuiltin("compile", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var pattern string
			flags := 0
			if err := starlark.UnpackArgs("compile", args, kwargs, "pattern", &pattern, "flags?", &flags); err != nil {
				return nil, err
			}
			if _, err := compilePattern(pattern, flags); err != nil {
				return nil, err
			}
			return &rePattern{source: pattern, flags: flags}, nil
		}),
		"IGNORECASE": starlark.MakeInt(reFlagIgnoreCase),
		"I":          starlark.MakeInt(reFlagIgnoreCase),
		"MULTILINE":  starlark.MakeInt(reFlagMultiline),
		"M":          starlark.MakeInt(reFlagMultiline),
		"DOTALL":     starlark.MakeInt(reFlagDotAll),
		"S":          starlark.MakeInt(reFlagDotAll),
	}
	return &starlarkstruct.Module{Name: "re", Members: members}
}

// rePattern is the value returned by re.compile.
type rePattern struct {
	source string
	flags  int
}

func (p *rePattern) String() string        { return fmt.Sprintf("re.compile(%q)", p.source) }
func (p *rePattern) Type() string          { return "pattern" }
func (p *rePattern) Freeze()               {}
func (p *rePattern) Truth() starlark.Bool  { return starlark.True }
func (p *rePattern) Hash() (uint32, error) { return starlark.String(p.source).Hash() }

func (p *rePattern) AttrNames() []string {
	return []string{"findall", "finditer", "fullmatch", "match", "pattern", "search", "split", "sub"}
}

func (p *rePattern) Attr(name string) (starlark.Value, error) {
	switch name {
	case "pattern":
		return starlark.String(p.source), nil
	case "search", "match", "fullmatch":
		mode := anchorNone
		if name == "match" {
			mode = anchorStart
		} else if name == "fullmatch" {
			mode = anchorFull
		}
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var s string
			if err := starlark.UnpackPositionalArgs(name, args, kwargs, 1, &s); err != nil {
				return nil, err
			}
			return reSearchCore(p.source, p.flags, mode, s)
		}), nil
	case "findall":
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var s string
			if err := starlark.UnpackPositionalArgs(name, args, kwargs, 1, &s); err != nil {
				return nil, err
			}
			return reFindallCore(p.source, p.flags, s)
		}), nil
	case "finditer":
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var s string
			if err := starlark.UnpackPositionalArgs(name, args, kwargs, 1, &s); err != nil {
				return nil, err
			}
			return reFinditerCore(p.source, p.flags, s)
		}), nil
	case "sub":
		return starlark.NewBuiltin(name, func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var repl starlark.Value
			var s string
			count := 0
			if err := starlark.UnpackArgs(name, args, kwargs, "repl", &repl, "string", &s, "count?", &count); err != nil {
				return nil, err
			}
			return reSubCore(thread, p.source, p.flags, repl, s, count)
		}), nil
	case "split":
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var s string
			maxsplit := 0
			if err := starlark.UnpackArgs(name, args, kwargs, "string", &s, "maxsplit?", &maxsplit); err != nil {
				return nil, err
			}
			return reSplitCore(p.source, p.flags, s, maxsplit)
		}), nil
	}
	return nil, nil
}

// ---- json ----

func jsonModule() *starlarkstruct.Module {
	enc := starlarkjson.Module.Members["encode"]
	dec := starlarkjson.Module.Members["decode"]
	ind := starlarkjson.Module.Members["indent"]

	dumps := starlark.NewBuiltin("dumps", func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var x starlark.Value
		indent := 0
		if err := starlark.UnpackArgs("dumps", args, kwargs, "obj", &x, "indent?", &indent); err != nil {
			return nil, err
		}
		encoded, err := starlark.Call(thread, enc, starlark.Tuple{x}, nil)
		if err != nil {
			return nil, err
		}
		if indent <= 0 {
			return encoded, nil
		}
		pad := starlark.String(strings.Repeat(" ", indent))
		return starlark.Call(thread, ind, starlark.Tuple{encoded}, []starlark.Tuple{{starlark.String("indent"), pad}})
	})
	loads := starlark.NewBuiltin("loads", func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var s starlark.Value
		if err := starlark.UnpackPositionalArgs("loads", args, kwargs, 1, &s); err != nil {
			return nil, err
		}
		return starlark.Call(thread, dec, starlark.Tuple{s}, nil)
	})

	return &starlarkstruct.Module{Name: "json", Members: starlark.StringDict{
		"dumps":  dumps,
		"loads":  loads,
		"encode": enc,
		"decode": dec,
		"indent": ind,
	}}
}

// ---- string ----

func stringModule() *starlarkstruct.Module {
	const (
		lower  = "abcdefghijklmnopqrstuvwxyz"
		upper  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
		digits = "0123456789"
		punct  = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"
		space  = " \t\n\r\x0b\x0c"
	)
	return &starlarkstruct.Module{Name: "string", Members: starlark.StringDict{
		"ascii_lowercase": starlark.String(lower),
		"ascii_uppercase": starlark.String(upper),
		"ascii_letters":   starlark.String(lower + upper),
		"digits":          starlark.String(digits),
		"hexdigits":       starlark.String(digits + "abcdefABCDEF"),
		"octdigits":       starlark.String("01234567"),
		"punctuation":     starlark.String(punct),
		"whitespace":      starlark.String(space),
		"printable":       starlark.String(digits + lower + upper + punct + space),
	}}
}

// ---- collections ----

// counter is a dict whose missing keys read as zero, plus most_common.
type counter struct {
	*starlark.Dict
}

func (c *counter) Type() string { return "counter" }

func (c *counter) Get(k starlark.Value) (starlark.Value, bool, error) {
	v, found, err := c.Dict.Get(k)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return starlark.MakeInt(0), true, nil
	}
	return v, true, nil
}

func (c *counter) Attr(name string) (starlark.Value, error) {
	if name == "most_common" {
		return starlark.NewBuiltin("most_common", c.mostCommon), nil
	}
	return c.Dict.Attr(name)
}

func (c *counter) AttrNames() []string {
	return append(c.Dict.AttrNames(), "most_common")
}

func (c *counter) mostCommon(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	n := -1
	if err := starlark.UnpackPositionalArgs("most_common", args, kwargs, 0, &n); err != nil {
		return nil, err
	}
	items := c.Items()
	sort.SliceStable(items, func(i, j int) bool {
		fi, _ := floatOf(items[i][1])
		fj, _ := floatOf(items[j][1])
		return fi > fj
	})
	if n >= 0 && n < len(items) {
		items = items[:n]
	}
	out := make([]starlark.Value, len(items))
	for i, item := range items {
		out[i] = item
	}
	return starlark.NewList(out), nil
}

func (c *counter) bump(k starlark.Value, by int64) error {
	v, found, err := c.Dict.Get(k)
	if err != nil {
		return err
	}
	var n int64
	if found {
		if i, ok := v.(starlark.Int); ok {
			n, _ = i.Int64()
		}
	}
	return c.Dict.SetKey(k, starlark.MakeInt64(n+by))
}

func newCounter(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src starlark.Value
	if err := starlark.UnpackPositionalArgs("Counter", args, kwargs, 0, &src); err != nil {
		return nil, err
	}
	c := &counter{Dict: starlark.NewDict(0)}
	if src == nil || src == starlark.None {
		return c, nil
	}
	switch v := src.(type) {
	case starlark.String:
		for _, r := range string(v) {
			if err := c.bump(starlark.String(string(r)), 1); err != nil {
				return nil, err
			}
		}
	case starlark.IterableMapping:
		for _, item := range v.Items() {
			if err := c.Dict.SetKey(item[0], item[1]); err != nil {
				return nil, err
			}
		}
	default:
		iter := starlark.Iterate(src)
		if iter == nil {
			return nil, fmt.Errorf("Counter: %s is not iterable", src.Type())
		}
		defer iter.Done()
		var x starlark.Value
		for iter.Next(&x) {
			if err := c.bump(x, 1); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// defaultDict inserts a zero value of the factory's type on missing reads.
type defaultDict struct {
	*starlark.Dict
	zero func() starlark.Value
}

func (d *defaultDict) Type() string { return "defaultdict" }

func (d *defaultDict) Get(k starlark.Value) (starlark.Value, bool, error) {
	v, found, err := d.Dict.Get(k)
	if err != nil || found {
		return v, found, err
	}
	nv := d.zero()
	if err := d.Dict.SetKey(k, nv); err != nil {
		return nil, false, err
	}
	return nv, true, nil
}

func newDefaultDict(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var factory starlark.Value
	if err := starlark.UnpackPositionalArgs("defaultdict", args, kwargs, 0, &factory); err != nil {
		return nil, err
	}
	zero := func() starlark.Value { return starlark.None }
	if b, ok := factory.(*starlark.Builtin); ok {
		switch b.Name() {
		case "int":
			zero = func() starlark.Value { return starlark.MakeInt(0) }
		case "float":
			zero = func() starlark.Value { return starlark.Float(0) }
		case "list":
			zero = func() starlark.Value { return starlark.NewList(nil) }
		case "dict":
			zero = func() starlark.Value { return starlark.NewDict(0) }
		case "str":
			zero = func() starlark.Value { return starlark.String("") }
		case "set":
			zero = func() starlark.Value { return starlark.NewSet(0) }
		}
	}
	return &defaultDict{Dict: starlark.NewDict(0), zero: zero}, nil
}

func newOrderedDict(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src starlark.Value
	if err := starlark.UnpackPositionalArgs("OrderedDict", args, kwargs, 0, &src); err != nil {
		return nil, err
	}
	d := starlark.NewDict(0)
	if src == nil || src == starlark.None {
		return d, nil
	}
	if m, ok := src.(starlark.IterableMapping); ok {
		for _, item := range m.Items() {
			if err := d.SetKey(item[0], item[1]); err != nil {
				return nil, err
			}
		}
		return d, nil
	}
	iter := starlark.Iterate(src)
	if iter == nil {
		return nil, fmt.Errorf("OrderedDict: %s is not iterable", src.Type())
	}
	defer iter.Done()
	var pair starlark.Value
	for iter.Next(&pair) {
		kv, ok := pair.(starlark.Indexable)
		if !ok || kv.Len() != 2 {
			return nil, fmt.Errorf("OrderedDict: want key/value pairs")
		}
		if err := d.SetKey(kv.Index(0), kv.Index(1)); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func collectionsModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{Name: "collections", Members: starlark.StringDict{
		"Counter":     starlark.NewBuiltin("Counter", newCounter),
		"defaultdict": starlark.NewBuiltin("defaultdict", newDefaultDict),
		"OrderedDict": starlark.NewBuiltin("OrderedDict", newOrderedDict),
	}}
}

// ---- functools ----

func functoolsModule() *starlarkstruct.Module {
	reduce := starlark.NewBuiltin("reduce", func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var fn, iterable, initial starlark.Value
		if err := starlark.UnpackPositionalArgs("reduce", args, kwargs, 2, &fn, &iterable, &initial); err != nil {
			return nil, err
		}
		iter := starlark.Iterate(iterable)
		if iter == nil {
			return nil, fmt.Errorf("reduce: %s is not iterable", iterable.Type())
		}
		defer iter.Done()
		acc := initial
		var x starlark.Value
		for iter.Next(&x) {
			if acc == nil {
				acc = x
				continue
			}
			v, err := starlark.Call(thread, fn, starlark.Tuple{acc, x}, nil)
			if err != nil {
				return nil, err
			}
			acc = v
		}
		if acc == nil {
			return nil, fmt.Errorf("reduce: empty iterable with no initial value")
		}
		return acc, nil
	})
	partial := starlark.NewBuiltin("partial", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("partial: missing function argument")
		}
		fn := args[0]
		bound := append(starlark.Tuple(nil), args[1:]...)
		boundKw := append([]starlark.Tuple(nil), kwargs...)
		return starlark.NewBuiltin("partial", func(thread *starlark.Thread, _ *starlark.Builtin, callArgs starlark.Tuple, callKw []starlark.Tuple) (starlark.Value, error) {
			all := append(append(starlark.Tuple(nil), bound...), callArgs...)
			kw := append(append([]starlark.Tuple(nil), boundKw...), callKw...)
			return starlark.Call(thread, fn, all, kw)
		}), nil
	})
	return &starlarkstruct.Module{Name: "functools", Members: starlark.StringDict{
		"reduce":  reduce,
		"partial": partial,
	}}
}

// ---- itertools ----

func itertoolsModule() *starlarkstruct.Module {
	chain := starlark.NewBuiltin("chain", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var out []starlark.Value
		for _, arg := range args {
			iter := starlark.Iterate(arg)
			if iter == nil {
				return nil, fmt.Errorf("chain: %s is not iterable", arg.Type())
			}
			var x starlark.Value
			for iter.Next(&x) {
				out = append(out, x)
			}
			iter.Done()
		}
		return starlark.NewList(out), nil
	})
	combinations := starlark.NewBuiltin("combinations", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var iterable starlark.Value
		var r int
		if err := starlark.UnpackPositionalArgs("combinations", args, kwargs, 2, &iterable, &r); err != nil {
			return nil, err
		}
		iter := starlark.Iterate(iterable)
		if iter == nil {
			return nil, fmt.Errorf("combinations: %s is not iterable", iterable.Type())
		}
		var pool []starlark.Value
		var x starlark.Value
		for iter.Next(&x) {
			pool = append(pool, x)
		}
		iter.Done()
		if r < 0 {
			return nil, fmt.Errorf("combinations: r must be non-negative")
		}
		var out []starlark.Value
		var walk func(start int, picked []starlark.Value)
		walk = func(start int, picked []starlark.Value) {
			if len(picked) == r {
				out = append(out, append(starlark.Tuple(nil), picked...))
				return
			}
			for i := start; i <= len(pool)-(r-len(picked)); i++ {
				walk(i+1, append(picked, pool[i]))
			}
		}
		walk(0, nil)
		return starlark.NewList(out), nil
	})
	return &starlarkstruct.Module{Name: "itertools", Members: starlark.StringDict{
		"chain":        chain,
		"combinations": combinations,
	}}
}
