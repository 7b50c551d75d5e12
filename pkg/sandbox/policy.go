package sandbox

import (
	"fmt"
	"regexp"
	"strings"

	"go.starlark.net/syntax"

	"github.com/rlmrs/rlmrs/pkg/fault"
)

// bannedNames may not appear anywhere in a step, even as bare identifiers.
// The set covers dynamic evaluation, file and stream I/O, introspection,
// and OS/network module names.
var bannedNames = map[string]bool{
	"eval": true, "exec": true, "compile": true, "__import__": true,
	"open": true, "input": true, "file": true,
	"globals": true, "locals": true, "vars": true, "dir": true, "help": true,
	"getattr": true, "setattr": true, "delattr": true, "hasattr": true,
	"breakpoint": true, "exit": true, "quit": true,
	"os": true, "sys": true, "subprocess": true, "socket": true,
	"pathlib": true, "shutil": true, "urllib": true, "requests": true, "http": true,
}

// escapeTokens are Python scope/import constructs with no Starlark
// equivalent. They are caught lexically because the parser would report
// them as plain syntax errors otherwise. The word match is deliberately
// blunt: a step that spells "import" even inside a string is rejected.
var escapeTokens = regexp.MustCompile(`(^|[^\w])(import|global|nonlocal)([^\w]|$)`)

// fileOptions is the dialect accepted from the model: sets, while loops,
// top-level control flow, reassignment, and recursion are all allowed.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// CheckSource statically validates one step source. Any violation returns
// a SANDBOX_AST_REJECTED fault and the step must not execute.
func CheckSource(code string) error {
	if m := escapeTokens.FindStringSubmatch(code); m != nil {
		return rejected("construct %q is not allowed", strings.TrimSpace(m[2]))
	}

	file, err := fileOptions.Parse("step.star", code, 0)
	if err != nil {
		return fault.Wrap(fault.CodeSandboxASTRejected, err, "step source failed to parse")
	}

	var violation error
	for _, stmt := range file.Stmts {
		if _, ok := stmt.(*syntax.LoadStmt); ok {
			return rejected("load statements are not allowed")
		}
	}
	syntax.Walk(file, func(n syntax.Node) bool {
		if violation != nil {
			return false
		}
		switch node := n.(type) {
		case *syntax.LoadStmt:
			violation = rejected("load statements are not allowed")
			return false
		case *syntax.DotExpr:
			if strings.HasPrefix(node.Name.Name, "__") {
				violation = rejected("attribute %q is not allowed", node.Name.Name)
				return false
			}
		case *syntax.Ident:
			if bannedNames[node.Name] {
				violation = rejected("name %q is not allowed", node.Name)
				return false
			}
		}
		return true
	})
	return violation
}

func rejected(format string, args ...any) error {
	return fault.New(fault.CodeSandboxASTRejected, "step rejected: %s", fmt.Sprintf(format, args...))
}
