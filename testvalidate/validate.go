// Package testvalidate statically analyzes a generated pytest test file
// to reject "cheating" tests before trusting a Red-phase failure.
// Grounded on original_source/orchestrator/validate_test.py, reworked
// from Python's ast module onto tree-sitter's Python grammar the way
// C360Studio-semspec/processor/ast/python/parser.go already parses
// Python source in this codebase.
package testvalidate

import (
	"context"
	"fmt"
	"os"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// Result is the outcome of validating a test file.
type Result struct {
	Valid    bool
	Errors   []string // any error makes the test invalid
	Warnings []string // warnings never invalidate
}

// Validator parses Python test files with tree-sitter and flags
// trivial assertions, empty test bodies, and missing target imports.
type Validator struct {
	parser *sitter.Parser
}

// New builds a Validator with a fresh tree-sitter Python parser.
func New() *Validator {
	p := sitter.NewParser()
	p.SetLanguage(python.GetLanguage())
	return &Validator{parser: p}
}

// Validate runs every check against testPath. targetModule, if
// non-empty, is the implementation module the test is expected to
// import; a missing import is a warning, not an error.
func (v *Validator) Validate(testPath, targetModule string) (*Result, error) {
	content, err := os.ReadFile(testPath)
	if err != nil {
		return nil, fmt.Errorf("read test file: %w", err)
	}

	tree, err := v.parser.ParseCtx(context.Background(), nil, content)
	if err != nil || tree == nil || tree.RootNode() == nil {
		return v.lineHeuristicFallback(content), nil
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return v.lineHeuristicFallback(content), nil
	}

	var errs, warnings []string

	for _, desc := range trivialAssertions(root, content) {
		errs = append(errs, "trivial assertion: "+desc)
	}

	for _, desc := range emptyTests(root, content) {
		errs = append(errs, "empty test: "+desc)
	}

	if targetModule != "" {
		if ok, reason := hasTargetImport(root, content, targetModule); !ok {
			warnings = append(warnings, "missing import: "+reason)
		}
	}

	return &Result{Valid: len(errs) == 0, Errors: errs, Warnings: warnings}, nil
}

// lineHeuristicFallback is used when tree-sitter can't produce a clean
// parse (e.g. the test file itself has a syntax error worth reporting
// some other way). It degrades to textual pattern matching rather than
// failing validation outright, per spec.md 4.3's requirement that the
// validator always return a structured result.
func (v *Validator) lineHeuristicFallback(content []byte) *Result {
	var errs []string
	lines := strings.Split(string(content), "\n")

	hasAnyTest := false
	hasAnyAssert := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "def test_") || strings.HasPrefix(trimmed, "async def test_") {
			hasAnyTest = true
		}
		if strings.HasPrefix(trimmed, "assert ") || trimmed == "assert" {
			hasAnyAssert = true
			if trimmed == "assert True" {
				errs = append(errs, "trivial assertion: assert True")
			}
		}
	}

	if hasAnyTest && !hasAnyAssert {
		errs = append(errs, "empty test: no assert statements found (fallback line scan)")
	}

	return &Result{
		Valid:    len(errs) == 0,
		Errors:   errs,
		Warnings: []string{"parsed via line-heuristic fallback, not tree-sitter"},
	}
}

// trivialAssertions walks the tree for `assert True` and
// literal-vs-literal comparisons. `assert False` is a legitimate
// force-fail and is never flagged.
func trivialAssertions(root *sitter.Node, content []byte) []string {
	var found []string
	walk(root, func(n *sitter.Node) {
		if n.Type() != "assert_statement" {
			return
		}
		if n.NamedChildCount() == 0 {
			return
		}
		test := n.NamedChild(0)
		line := int(n.StartPoint().Row) + 1

		if test.Type() == "true" {
			found = append(found, fmt.Sprintf("line %d: assert True", line))
			return
		}

		if test.Type() == "comparison_operator" && test.NamedChildCount() >= 2 {
			allConstant := true
			for i := 0; i < int(test.NamedChildCount()); i++ {
				if !isConstantNode(test.NamedChild(i)) {
					allConstant = false
					break
				}
			}
			if allConstant {
				found = append(found, fmt.Sprintf("line %d: literal comparison", line))
			}
		}
	})
	return found
}

func isConstantNode(n *sitter.Node) bool {
	switch n.Type() {
	case "integer", "float", "string", "true", "false", "none":
		return true
	default:
		return false
	}
}

// emptyTests finds test_* functions whose body, after stripping
// docstrings and bare "pass" statements, has no assertion and no
// with-statement that calls an attribute (see hasAssertionOrRaises).
func emptyTests(root *sitter.Node, content []byte) []string {
	var found []string
	walk(root, func(n *sitter.Node) {
		if n.Type() != "function_definition" {
			return
		}
		nameNode := n.ChildByFieldName("name")
		if nameNode == nil {
			return
		}
		name := string(content[nameNode.StartByte():nameNode.EndByte()])
		if !strings.HasPrefix(name, "test_") {
			return
		}

		body := n.ChildByFieldName("body")
		if body == nil {
			return
		}

		if isEffectivelyEmptyBody(body, content) {
			found = append(found, name+": only contains pass/docstring")
			return
		}
		if !hasAssertionOrRaises(body) {
			found = append(found, name+": no assert statements")
		}
	})
	return found
}

func isEffectivelyEmptyBody(body *sitter.Node, content []byte) bool {
	for i := 0; i < int(body.NamedChildCount()); i++ {
		stmt := body.NamedChild(i)
		switch stmt.Type() {
		case "pass_statement":
			continue
		case "expression_statement":
			if stmt.NamedChildCount() > 0 && stmt.NamedChild(0).Type() == "string" {
				continue // docstring
			}
		}
		return false
	}
	return true
}

// hasAssertionOrRaises reports whether body contains an assert
// statement or a `with obj.attr(...)` context manager, such as
// `with pytest.raises(...)`, anywhere in its subtree. The object and
// attribute names are not checked, so any attribute call in a with
// item counts.
func hasAssertionOrRaises(body *sitter.Node) bool {
	found := false
	walk(body, func(n *sitter.Node) {
		if found {
			return
		}
		if n.Type() == "assert_statement" {
			found = true
			return
		}
		if n.Type() == "with_statement" && withHasPytestRaises(n) {
			found = true
		}
	})
	return found
}

func withHasPytestRaises(withStmt *sitter.Node) bool {
	for i := 0; i < int(withStmt.NamedChildCount()); i++ {
		item := withStmt.NamedChild(i)
		if item.Type() != "with_item" {
			continue
		}
		expr := item.NamedChild(0)
		if expr == nil || expr.Type() != "call" {
			continue
		}
		fn := expr.ChildByFieldName("function")
		if fn == nil || fn.Type() != "attribute" {
			continue
		}
		if fn.ChildByFieldName("attribute") == nil {
			continue
		}
		attr := fn.ChildByFieldName("attribute")
		obj := fn.ChildByFieldName("object")
		if obj == nil {
			continue
		}
		return attr.Type() == "identifier"
	}
	return false
}

// hasTargetImport checks whether targetModule (with or without a .py
// suffix) is referenced by any import or from-import statement.
func hasTargetImport(root *sitter.Node, content []byte, targetModule string) (bool, string) {
	moduleName := strings.TrimSuffix(targetModule, ".py")
	found := false
	walk(root, func(n *sitter.Node) {
		if found {
			return
		}
		switch n.Type() {
		case "import_statement":
			for i := 0; i < int(n.NamedChildCount()); i++ {
				child := n.NamedChild(i)
				name := string(content[child.StartByte():child.EndByte()])
				if strings.Contains(name, moduleName) {
					found = true
				}
			}
		case "import_from_statement":
			modNode := n.ChildByFieldName("module_name")
			if modNode != nil {
				name := string(content[modNode.StartByte():modNode.EndByte()])
				if strings.Contains(name, moduleName) {
					found = true
				}
			}
		}
	})
	if found {
		return true, ""
	}
	return false, fmt.Sprintf("module %q not imported", moduleName)
}

// walk visits every node in the subtree rooted at n, depth-first.
func walk(n *sitter.Node, visit func(*sitter.Node)) {
	if n == nil {
		return
	}
	visit(n)
	for i := 0; i < int(n.ChildCount()); i++ {
		walk(n.Child(i), visit)
	}
}

// FailureType classifies why a test run failed, mirroring
// validate_test.py's check_failure_reason.
type FailureType string

const (
	FailureSyntaxError     FailureType = "syntax_error"
	FailureImportError     FailureType = "import_error"
	FailureAssertionError  FailureType = "assertion_error"
	FailureCollectionError FailureType = "collection_error"
	FailureUnknown         FailureType = "unknown"
)

// FailureClass is the result of classifying pytest output.
type FailureClass struct {
	Type     FailureType
	Expected bool // whether this failure is an acceptable Red-phase outcome
	Reason   string
}

// ClassifyFailure inspects pytest's captured output and determines
// whether the failure looks like an acceptable Red-phase result (a
// missing target module or a failing assertion) or an unacceptable one
// (a syntax or collection error).
func ClassifyFailure(pytestOutput, targetModule string) FailureClass {
	lower := strings.ToLower(pytestOutput)

	switch {
	case strings.Contains(lower, "syntaxerror"):
		return FailureClass{Type: FailureSyntaxError, Expected: false, Reason: "test has syntax errors"}

	case strings.Contains(lower, "modulenotfounderror"), strings.Contains(lower, "importerror"):
		if targetModule != "" && strings.Contains(pytestOutput, targetModule) {
			return FailureClass{
				Type:     FailureImportError,
				Expected: true,
				Reason:   fmt.Sprintf("target module %q not found (expected in red)", targetModule),
			}
		}
		return FailureClass{Type: FailureImportError, Expected: true, Reason: "module import error"}

	case strings.Contains(lower, "assertionerror"):
		return FailureClass{Type: FailureAssertionError, Expected: true, Reason: "test assertion failed (expected in red)"}

	case strings.Contains(lower, "error collecting"):
		return FailureClass{Type: FailureCollectionError, Expected: false, Reason: "test collection failed (test code broken)"}

	default:
		return FailureClass{Type: FailureUnknown, Expected: true, Reason: "unknown failure type"}
	}
}
