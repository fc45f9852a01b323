package guard

import (
	"errors"
	"fmt"
	"go/token"
	"path"
	"strings"

	"golang.org/x/mod/module"
)

// ErrNoMethodBody indicates an eligible method has no body to splice into.
var ErrNoMethodBody = errors.New("method has no body")

// ErrInvalidCallFactory indicates the call factory is missing or produced no statement.
var ErrInvalidCallFactory = errors.New("invalid check call factory")

// IsNormalAstError returns true if the error should be skipped rather than failing.
func IsNormalAstError(err error) bool {
	return errors.Is(err, ErrNoMethodBody)
}

// CallPath identifies the zero-argument check routine: an import path plus a selector chain.
type CallPath struct {
	// ImportPath is the package providing the routine.
	ImportPath string
	// Selector is the dotted identifier chain within the package, for example "Check" or "Limits.Check".
	Selector string
}

// ParseCallPath parses "import/path.Name[.Name...]".
func ParseCallPath(s string) (CallPath, error) {
	lastSlash := strings.LastIndex(s, "/")
	dot := strings.Index(s[lastSlash+1:], ".")
	if dot <= 0 {
		return CallPath{}, fmt.Errorf("check call %q missing selector, expected import/path.Func", s)
	}
	dot += lastSlash + 1
	cp := CallPath{ImportPath: s[:dot], Selector: s[dot+1:]}
	if err := module.CheckImportPath(cp.ImportPath); err != nil {
		return CallPath{}, fmt.Errorf("check call %q: %w", s, err)
	}
	for _, ident := range cp.Names() {
		if !token.IsIdentifier(ident) {
			return CallPath{}, fmt.Errorf("check call %q: invalid identifier %q", s, ident)
		}
	}
	return cp, nil
}

// Names returns the selector chain split into identifiers.
func (c CallPath) Names() []string {
	return strings.Split(c.Selector, ".")
}

// PackageName returns the conventional package name for the import path.
// Major version suffixes are dropped and characters invalid in identifiers are removed.
func (c CallPath) PackageName() string {
	prefix, _, ok := module.SplitPathVersion(c.ImportPath)
	if !ok {
		prefix = c.ImportPath
	}
	base := path.Base(prefix)
	if token.IsIdentifier(base) {
		return base
	}
	base = strings.TrimPrefix(base, "go-")
	var sb strings.Builder
	for _, r := range base {
		if r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9' && sb.Len() > 0) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func (c CallPath) String() string {
	return c.ImportPath + "." + c.Selector
}

// CallFactory synthesizes a fresh check call statement; it is invoked once per instrumented method.
type CallFactory func() (*CheckCall, error)

// InsertionIndex returns the length of the leading run of delegating constructor calls.
func InsertionIndex(stmts []Stmt) int {
	var i int
	for i < len(stmts) && IsDelegatingCall(stmts[i]) {
		i++
	}
	return i
}

// Splice returns a new slice with stmt inserted at index. The input is never modified.
func Splice(stmts []Stmt, index int, stmt Stmt) []Stmt {
	if index < 0 || index > len(stmts) {
		panic(fmt.Sprintf("splice index %d out of range [0,%d]", index, len(stmts)))
	}
	result := make([]Stmt, 0, len(stmts)+1)
	result = append(result, stmts[:index]...)
	result = append(result, stmt)
	return append(result, stmts[index:]...)
}

// MethodOutcome records the decision made for one method.
type MethodOutcome struct {
	Method *MethodDecl
	// Index is the insertion offset, -1 when skipped.
	Index  int
	Reason SkipReason
}

// Result describes a Transform invocation.
type Result struct {
	// Changed reports if any method body was replaced.
	Changed  bool
	Outcomes []MethodOutcome
}

// Instrumented returns the names of the methods that received the call.
func (r Result) Instrumented() []string {
	var names []string
	for _, o := range r.Outcomes {
		if o.Reason == SkipNone {
			names = append(names, o.Method.Name)
		}
	}
	return names
}

// Transform inserts a check call into every eligible method of the class, in declaration order.
// Bodies are only replaced once every eligible method has been planned, so a failure leaves the class untouched.
// Instrumented methods are tagged, a second Transform of the same class is a no-op.
func Transform(class *ClassDecl, policy Policy, factory CallFactory) (Result, error) {
	var result Result
	if class == nil {
		return result, nil
	}
	methods := class.Methods()
	bodies := make([][]Stmt, len(methods))
	for i, method := range methods {
		reason := CheckEligibility(class, method, policy)
		if reason != SkipNone {
			result.Outcomes = append(result.Outcomes, MethodOutcome{Method: method, Index: -1, Reason: reason})
			continue
		} else if method.Body == nil {
			return Result{}, fmt.Errorf("%w: %s.%s", ErrNoMethodBody, class.Name, method.Name)
		} else if factory == nil {
			return Result{}, fmt.Errorf("%w: nil factory", ErrInvalidCallFactory)
		}
		call, err := factory()
		if err != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrInvalidCallFactory, err)
		} else if call == nil {
			return Result{}, fmt.Errorf("%w: nil statement for %s.%s", ErrInvalidCallFactory, class.Name, method.Name)
		}
		index := InsertionIndex(method.Body)
		bodies[i] = Splice(method.Body, index, call)
		result.Outcomes = append(result.Outcomes, MethodOutcome{Method: method, Index: index, Reason: SkipNone})
	}

	for i, method := range methods {
		if bodies[i] != nil {
			method.Body = bodies[i]
			method.Instrumented = true
			result.Changed = true
		}
	}
	return result, nil
}
