package sandbox

import (
	"fmt"

	"go.starlark.net/syntax"

	"github.com/replicable-dev/researchpipe/internal/capability"
)

// Violation is a single disallowed construct found during static vetting.
type Violation struct {
	Line    int32
	Message string
}

func (v Violation) String() string {
	return fmt.Sprintf("line %d: %s", v.Line, v.Message)
}

// forbiddenNames are reflective universe builtins that could inspect the
// runtime; they are refused even though the execution environment also
// shadows them.
var forbiddenNames = map[string]bool{
	"getattr": true,
	"hasattr": true,
	"dir":     true,
}

// Vet parses code and rejects every construct outside the allow-list before
// any execution is attempted. This is a structural allow-list: identifiers
// not explicitly permitted are refused, load statements are refused
// unconditionally, and restricted modules expose only their whitelisted
// calls. bindingNames are the context bindings the caller will supply.
func Vet(code string, allow *capability.AllowList, bindingNames []string) []Violation {
	file, err := parse(code)
	if err != nil {
		return []Violation{{Line: 1, Message: fmt.Sprintf("code does not parse: %v", err)}}
	}

	permitted := make(map[string]bool)
	for name := range allow.Modules {
		permitted[name] = true
	}
	for name := range allow.Builtins {
		if !forbiddenNames[name] {
			permitted[name] = true
		}
	}
	for _, name := range bindingNames {
		permitted[name] = true
	}
	permitted["emit"] = true // output channel, always available

	defined, ignore := collectDefinitions(file)

	var violations []Violation
	syntax.Walk(file, func(n syntax.Node) bool {
		switch node := n.(type) {
		case *syntax.LoadStmt:
			start, _ := node.Span()
			violations = append(violations, Violation{
				Line:    start.Line,
				Message: "load statements are not permitted",
			})
			return false
		case *syntax.DotExpr:
			if base, ok := node.X.(*syntax.Ident); ok {
				if allow.ModuleAllowed(base.Name) && !allow.CallAllowed(base.Name, node.Name.Name) {
					start, _ := node.Span()
					violations = append(violations, Violation{
						Line:    start.Line,
						Message: fmt.Sprintf("call %s.%s is not in the allow-list", base.Name, node.Name.Name),
					})
				}
			}
			// The attribute name is not a variable reference.
			ignore[node.Name] = true
		case *syntax.Ident:
			if ignore[node] {
				return true
			}
			if forbiddenNames[node.Name] {
				violations = append(violations, Violation{
					Line:    node.NamePos.Line,
					Message: fmt.Sprintf("reflective builtin %q is not permitted", node.Name),
				})
				return true
			}
			if !permitted[node.Name] && !defined[node.Name] {
				violations = append(violations, Violation{
					Line:    node.NamePos.Line,
					Message: fmt.Sprintf("identifier %q is not in the allow-list", node.Name),
				})
			}
		}
		return true
	})
	return violations
}

func parse(code string) (*syntax.File, error) {
	opts := &syntax.FileOptions{Set: true}
	return opts.Parse("generated.star", []byte(code), 0)
}

// collectDefinitions walks the tree once to gather every name the code
// itself defines (assignments, function names, parameters, loop and
// comprehension variables) plus the Ident nodes that sit in defining
// position and therefore are not references.
func collectDefinitions(file *syntax.File) (map[string]bool, map[*syntax.Ident]bool) {
	defined := make(map[string]bool)
	ignore := make(map[*syntax.Ident]bool)

	var bindTarget func(expr syntax.Expr)
	bindTarget = func(expr syntax.Expr) {
		switch t := expr.(type) {
		case *syntax.Ident:
			defined[t.Name] = true
			ignore[t] = true
		case *syntax.TupleExpr:
			for _, elem := range t.List {
				bindTarget(elem)
			}
		case *syntax.ListExpr:
			for _, elem := range t.List {
				bindTarget(elem)
			}
		case *syntax.ParenExpr:
			bindTarget(t.X)
		}
	}

	bindParams := func(params []syntax.Expr) {
		for _, param := range params {
			switch p := param.(type) {
			case *syntax.Ident:
				bindTarget(p)
			case *syntax.BinaryExpr: // name=default
				bindTarget(p.X)
			case *syntax.UnaryExpr: // *args / **kwargs
				if inner, ok := p.X.(*syntax.Ident); ok {
					bindTarget(inner)
				}
			}
		}
	}

	syntax.Walk(file, func(n syntax.Node) bool {
		switch node := n.(type) {
		case *syntax.AssignStmt:
			bindTarget(node.LHS)
		case *syntax.DefStmt:
			defined[node.Name.Name] = true
			ignore[node.Name] = true
			bindParams(node.Params)
		case *syntax.LambdaExpr:
			bindParams(node.Params)
		case *syntax.ForStmt:
			bindTarget(node.Vars)
		case *syntax.Comprehension:
			for _, clause := range node.Clauses {
				if forClause, ok := clause.(*syntax.ForClause); ok {
					bindTarget(forClause.Vars)
				}
			}
		case *syntax.BinaryExpr:
			// name=value in calls and parameter defaults: the left ident is
			// a keyword, not a variable reference.
			if node.Op == syntax.EQ {
				if ident, ok := node.X.(*syntax.Ident); ok {
					ignore[ident] = true
				}
			}
		}
		return true
	})

	return defined, ignore
}
