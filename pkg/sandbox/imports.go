package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

var importLineRE = regexp.MustCompile(`^(\s*)(import|from)\s+(.+?)\s*$`)

// rewriteImports checks every import statement against the allowlist and
// rewrites the allowed ones into plain bindings against the preinstalled
// modules. Plain imports become blank lines and from-imports become
// assignments, so line numbers in error messages stay stable.
func rewriteImports(code string) (string, error) {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		m := importLineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		indent, keyword, clause := m[1], m[2], m[3]
		if idx := strings.Index(clause, "#"); idx >= 0 {
			clause = strings.TrimSpace(clause[:idx])
		}
		var (
			rewritten string
			err       error
		)
		if keyword == "from" {
			rewritten, err = rewriteFrom(clause)
		} else {
			rewritten, err = rewriteImport(clause)
		}
		if err != nil {
			return "", err
		}
		if rewritten == "" {
			lines[i] = ""
		} else {
			lines[i] = indent + rewritten
		}
	}
	return strings.Join(lines, "\n"), nil
}

// rewriteImport handles "import a", "import a.b as c" and comma lists.
func rewriteImport(clause string) (string, error) {
	var stmts []string
	for _, part := range strings.Split(clause, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		module := fields[0]
		root, _, _ := strings.Cut(module, ".")
		if !importAllowed(root) {
			return "", importError(root)
		}
		if len(fields) == 3 && fields[1] == "as" {
			stmts = append(stmts, fields[2]+" = "+module)
		}
	}
	return strings.Join(stmts, "; "), nil
}

// rewriteFrom handles "from a import b, c as d". Star imports collapse to a
// blank line since the source module is already in scope.
func rewriteFrom(clause string) (string, error) {
	module, names, ok := strings.Cut(clause, " import ")
	if !ok {
		// Malformed; leave it for the parser to reject.
		return "from " + clause, nil
	}
	module = strings.TrimSpace(module)
	root, _, _ := strings.Cut(module, ".")
	if !importAllowed(root) {
		return "", importError(root)
	}
	if strings.TrimSpace(names) == "*" {
		return "", nil
	}
	var stmts []string
	for _, part := range strings.Split(names, ",") {
		fields := strings.Fields(part)
		switch {
		case len(fields) == 1:
			stmts = append(stmts, fields[0]+" = "+module+"."+fields[0])
		case len(fields) == 3 && fields[1] == "as":
			stmts = append(stmts, fields[2]+" = "+module+"."+fields[0])
		}
	}
	return strings.Join(stmts, "; "), nil
}

func importAllowed(name string) bool {
	for _, allowed := range allowedImports {
		if name == allowed {
			return true
		}
	}
	return false
}

func importError(name string) error {
	return fmt.Errorf("import of '%s' is not allowed (allowed: %s)", name, strings.Join(allowedImports, ", "))
}
