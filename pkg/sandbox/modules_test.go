package sandbox

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runLines executes newline-joined fragments and returns stdout.
func runLines(t *testing.T, lines ...string) string {
	t.Helper()
	s := New(testCfg())
	res := s.Execute(context.Background(), strings.Join(lines, "\n"))
	require.True(t, res.Success, res.Stderr)
	return res.Stdout
}

func TestReSearchAndGroups(t *testing.T) {
	out := runLines(t,
		`import re`,
		`m = re.search("(\\w+)@(\\w+)", "mail bob@example now")`,
		`print(m.group(0))`,
		`print(m.group(1))`,
		`print(m.groups())`,
	)
	lines := strings.Split(out, "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Equal(t, "bob@example", lines[0])
	assert.Equal(t, "bob", lines[1])
	assert.Equal(t, `("bob", "example")`, lines[2])
}

func TestReMatchAnchorsAtStart(t *testing.T) {
	out := runLines(t,
		`import re`,
		`print(re.match("b", "abc"))`,
		`print(re.match("a", "abc").group(0))`,
		`print(re.fullmatch("abc", "abc").group(0))`,
	)
	lines := strings.Split(out, "\n")
	assert.Equal(t, "None", lines[0])
	assert.Equal(t, "a", lines[1])
	assert.Equal(t, "abc", lines[2])
}

func TestReFindallGroupModes(t *testing.T) {
	out := runLines(t,
		`import re`,
		`print(re.findall("an", "banana"))`,
		`print(re.findall("a(n)", "banana"))`,
		`print(re.findall("(a)(n)", "banana"))`,
	)
	lines := strings.Split(out, "\n")
	assert.Equal(t, `["an", "an"]`, lines[0])
	assert.Equal(t, `["n", "n"]`, lines[1])
	assert.Equal(t, `[("a", "n"), ("a", "n")]`, lines[2])
}

func TestReSubBackrefsAndCallable(t *testing.T) {
	out := runLines(t,
		`import re`,
		`print(re.sub("(a)", "[\\1]", "abc"))`,
		`print(re.sub("\\d+", lambda m: "#", "a1 b22", 1))`,
		`print(re.sub("x", "y", "xxx"))`,
	)
	lines := strings.Split(out, "\n")
	assert.Equal(t, "[a]bc", lines[0])
	assert.Equal(t, "a# b22", lines[1])
	assert.Equal(t, "yyy", lines[2])
}

func TestReSplitAndFlags(t *testing.T) {
	out := runLines(t,
		`import re`,
		`print(re.split(",\\s*", "a, b,c"))`,
		`print(re.search("HELLO", "say hello", re.IGNORECASE).group(0))`,
	)
	lines := strings.Split(out, "\n")
	assert.Equal(t, `["a", "b", "c"]`, lines[0])
	assert.Equal(t, "hello", lines[1])
}

func TestReCompiledPattern(t *testing.T) {
	out := runLines(t,
		`import re`,
		`p = re.compile("\\d+")`,
		`print(p.findall("a1 b22"))`,
		`print(p.search("c333").group(0))`,
		`print(p.pattern)`,
	)
	lines := strings.Split(out, "\n")
	assert.Equal(t, `["1", "22"]`, lines[0])
	assert.Equal(t, "333", lines[1])
	assert.Equal(t, `\d+`, lines[2])
}

func TestJSONDumpsLoads(t *testing.T) {
	out := runLines(t,
		`import json`,
		`print(json.dumps({"a": 1, "b": [2, 3]}))`,
		`data = json.loads("{\"x\": 7}")`,
		`print(data["x"])`,
	)
	lines := strings.Split(out, "\n")
	assert.Equal(t, `{"a":1,"b":[2,3]}`, lines[0])
	assert.Equal(t, "7", lines[1])
}

func TestMathModule(t *testing.T) {
	out := runLines(t,
		`import math`,
		`print(math.sqrt(9.0))`,
		`print(math.floor(2.7))`,
	)
	assert.Contains(t, out, "3")
	assert.Contains(t, out, "2")
}

func TestStringConstants(t *testing.T) {
	out := runLines(t,
		`import string`,
		`print(string.ascii_lowercase[:3])`,
		`print(string.digits)`,
	)
	lines := strings.Split(out, "\n")
	assert.Equal(t, "abc", lines[0])
	assert.Equal(t, "0123456789", lines[1])
}

func TestCollectionsCounter(t *testing.T) {
	out := runLines(t,
		`from collections import Counter`,
		`c = Counter("banana")`,
		`print(c.most_common(2))`,
		`c["z"] += 1`,
		`print(c["z"])`,
		`words = Counter(["to", "be", "to"])`,
		`print(words["to"])`,
	)
	lines := strings.Split(out, "\n")
	assert.Equal(t, `[("a", 3), ("n", 2)]`, lines[0])
	assert.Equal(t, "1", lines[1])
	assert.Equal(t, "2", lines[2])
}

func TestCollectionsDefaultDict(t *testing.T) {
	out := runLines(t,
		`from collections import defaultdict`,
		`counts = defaultdict(int)`,
		`for w in ["a", "b", "a"]:`,
		`    counts[w] += 1`,
		`print(counts["a"], counts["b"], counts["missing"])`,
		`groups = defaultdict(list)`,
		`groups["k"].append(1)`,
		`groups["k"].append(2)`,
		`print(groups["k"])`,
	)
	lines := strings.Split(out, "\n")
	assert.Equal(t, "2 1 0", lines[0])
	assert.Equal(t, "[1, 2]", lines[1])
}

func TestFunctoolsReduce(t *testing.T) {
	out := runLines(t,
		`import functools`,
		`print(functools.reduce(lambda a, b: a + b, [1, 2, 3]))`,
		`print(functools.reduce(lambda a, b: a + b, [1, 2, 3], 10))`,
	)
	lines := strings.Split(out, "\n")
	assert.Equal(t, "6", lines[0])
	assert.Equal(t, "16", lines[1])
}

func TestItertools(t *testing.T) {
	out := runLines(t,
		`import itertools`,
		`print(itertools.chain([1], [2, 3]))`,
		`print(len(itertools.combinations([1, 2, 3], 2)))`,
	)
	lines := strings.Split(out, "\n")
	assert.Equal(t, "[1, 2, 3]", lines[0])
	assert.Equal(t, "3", lines[1])
}

func TestSumRoundMapFilter(t *testing.T) {
	out := runLines(t,
		`print(sum([1, 2, 3]))`,
		`print(sum([0.5, 0.25]))`,
		`print(round(2.567, 2))`,
		`print(round(2.5))`,
		`print(map(lambda x: x * 2, [1, 2]))`,
		`print(filter(lambda x: x > 1, [0, 1, 2, 3]))`,
	)
	lines := strings.Split(out, "\n")
	assert.Equal(t, "6", lines[0])
	assert.Equal(t, "0.75", lines[1])
	assert.Equal(t, "2.57", lines[2])
	assert.Equal(t, "3", lines[3])
	assert.Equal(t, "[2, 4]", lines[4])
	assert.Equal(t, "[2, 3]", lines[5])
}

func TestChrOrd(t *testing.T) {
	out := runLines(t,
		`print(ord("A"))`,
		`print(chr(66))`,
	)
	lines := strings.Split(out, "\n")
	assert.Equal(t, "65", lines[0])
	assert.Equal(t, "B", lines[1])
}

func TestRewriteImports(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		want    string
		wantErr string
	}{
		{
			name: "plain import blanked",
			code: "import re\nx = 1",
			want: "\nx = 1",
		},
		{
			name: "from import becomes bindings",
			code: "from re import findall, sub",
			want: "findall = re.findall; sub = re.sub",
		},
		{
			name: "aliased from import",
			code: "from collections import Counter as C",
			want: "C = collections.Counter",
		},
		{
			name: "aliased module import",
			code: "import json as j",
			want: "j = json",
		},
		{
			name: "indentation preserved",
			code: "def f():\n    from re import escape\n    return escape(\".\")",
			want: "def f():\n    escape = re.escape\n    return escape(\".\")",
		},
		{
			name:    "disallowed module",
			code:    "import numpy",
			wantErr: "import of 'numpy' is not allowed",
		},
		{
			name:    "disallowed dotted module",
			code:    "import os.path",
			wantErr: "import of 'os' is not allowed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rewriteImports(tt.code)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeEscapes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"regex class doubled", `x = "\d+"`, `x = "\\d+"`},
		{"valid escape untouched", `x = "a\nb"`, `x = "a\nb"`},
		{"raw string untouched", `x = r"\d+"`, `x = r"\d+"`},
		{"mixed escapes", `x = "\w and \n"`, `x = "\\w and \n"`},
		{"comment untouched", `# has "\d" inside`, `# has "\d" inside`},
		{"escaped quote stays", `x = "it\"s"`, `x = "it\"s"`},
		{"single quotes", `x = '\s*'`, `x = '\\s*'`},
		{"no strings", `x = 1 + 2`, `x = 1 + 2`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeEscapes(tt.in))
		})
	}
}
