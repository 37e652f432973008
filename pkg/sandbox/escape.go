package sandbox

import "strings"

// normalizeEscapes doubles backslashes that start an escape sequence the
// Starlark lexer rejects, such as the "\d" and "\s" in regex literals that
// Python tolerates. Raw strings, comments, and valid escapes pass through
// unchanged.
func normalizeEscapes(code string) string {
	var b strings.Builder
	b.Grow(len(code))

	runes := []rune(code)
	i := 0
	for i < len(runes) {
		c := runes[i]
		switch {
		case c == '#':
			for i < len(runes) && runes[i] != '\n' {
				b.WriteRune(runes[i])
				i++
			}
		case c == '"' || c == '\'':
			i = copyString(&b, runes, i)
		default:
			b.WriteRune(c)
			i++
		}
	}
	return b.String()
}

// copyString copies one string literal starting at the opening quote and
// returns the index just past its end.
func copyString(b *strings.Builder, runes []rune, start int) int {
	quote := runes[start]
	raw := isRawPrefix(runes, start)

	triple := start+2 < len(runes) && runes[start+1] == quote && runes[start+2] == quote
	open := 1
	if triple {
		open = 3
	}
	for k := 0; k < open; k++ {
		b.WriteRune(quote)
	}
	i := start + open

	for i < len(runes) {
		c := runes[i]
		if c == '\\' && i+1 < len(runes) {
			next := runes[i+1]
			if raw || validEscape(next) {
				b.WriteRune(c)
				b.WriteRune(next)
			} else {
				b.WriteRune('\\')
				b.WriteRune('\\')
				b.WriteRune(next)
			}
			i += 2
			continue
		}
		if c == quote {
			if !triple {
				b.WriteRune(c)
				return i + 1
			}
			if i+2 < len(runes) && runes[i+1] == quote && runes[i+2] == quote {
				b.WriteRune(quote)
				b.WriteRune(quote)
				b.WriteRune(quote)
				return i + 3
			}
		}
		if c == '\n' && !triple {
			// Unterminated single-quoted string; bail out and let the
			// parser report it.
			b.WriteRune(c)
			return i + 1
		}
		b.WriteRune(c)
		i++
	}
	return i
}

// isRawPrefix reports whether the quote at index i is preceded by an r or b
// string prefix.
func isRawPrefix(runes []rune, i int) bool {
	j := i - 1
	seen := false
	for j >= 0 && isPrefixLetter(runes[j]) {
		seen = true
		j--
	}
	if !seen || i-j > 3 {
		return false
	}
	// A preceding identifier character means this is not a prefix.
	if j >= 0 && isIdentRune(runes[j]) {
		return false
	}
	for k := j + 1; k < i; k++ {
		if runes[k] == 'r' || runes[k] == 'R' {
			return true
		}
	}
	return false
}

func isPrefixLetter(c rune) bool {
	return c == 'r' || c == 'R' || c == 'b' || c == 'B'
}

func isIdentRune(c rune) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func validEscape(c rune) bool {
	switch c {
	case 'a', 'b', 'f', 'n', 'r', 't', 'v', '\\', '\'', '"', 'x', 'u', 'U', '\n':
		return true
	}
	return c >= '0' && c <= '7'
}
