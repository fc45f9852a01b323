package guard

import (
	"fmt"
	"go/ast"
)

// DeclKind classifies a type declaration by shape.
type DeclKind int

const (
	// KindOther is any named type that is neither a struct nor an interface.
	KindOther DeclKind = iota
	// KindClass is a struct type, the only shape that receives instrumentation.
	KindClass
	// KindInterface is an interface type.
	KindInterface
)

func (k DeclKind) String() string {
	switch k {
	case KindClass:
		return "class"
	case KindInterface:
		return "interface"
	default:
		return "other"
	}
}

// ClassDecl describes a named type and the members declared for it.
type ClassDecl struct {
	// Name is the simple type name.
	Name string
	// Kind reports the declaration shape.
	Kind DeclKind
	// Members lists the declarations in source order.
	Members []Member
}

// Methods returns the method members in declaration order.
func (c *ClassDecl) Methods() []*MethodDecl {
	methods := make([]*MethodDecl, 0, len(c.Members))
	for _, m := range c.Members {
		switch d := m.(type) {
		case *MethodDecl:
			methods = append(methods, d)
		case *OpaqueMember:
		default:
			panic(fmt.Sprintf("unexpected member type %T", m))
		}
	}
	return methods
}

// Member is a declaration owned by a ClassDecl, either a *MethodDecl or an *OpaqueMember.
type Member interface {
	member()
}

// MethodDecl is a function declaration with a body the engine may splice into.
type MethodDecl struct {
	// Name is the method or function name.
	Name string
	// Receiver is the receiver type expression, empty for constructors.
	Receiver string
	// Constructor reports the declaration builds a new instance of the class.
	Constructor bool
	// Static reports the declaration has no receiver.
	Static bool
	// Body is the ordered statement list, nil when the declaration has no body.
	Body []Stmt
	// Instrumented reports the body already carries the instrumentation call.
	Instrumented bool
	// Node is the host declaration, nil when built directly.
	Node *ast.FuncDecl
}

func (*MethodDecl) member() {}

// OpaqueMember is any member the engine does not inspect.
type OpaqueMember struct {
	Name string
	Node ast.Node
}

func (*OpaqueMember) member() {}

// Stmt is one body statement: a *ConstructorCall, *OpaqueStmt or *CheckCall.
type Stmt interface {
	stmt()
	// Syntax returns the host statement, or nil when none was attached.
	Syntax() ast.Stmt
}

// ConstructorCall is a statement delegating to another constructor of the same or an embedded type.
type ConstructorCall struct {
	// Target names the constructor being invoked.
	Target string
	Node   ast.Stmt
}

func (*ConstructorCall) stmt()              {}
func (s *ConstructorCall) Syntax() ast.Stmt { return s.Node }

// OpaqueStmt is any statement the engine does not classify further.
type OpaqueStmt struct {
	// Label is a free form description, used when no host node exists.
	Label string
	Node  ast.Stmt
}

func (*OpaqueStmt) stmt()              {}
func (s *OpaqueStmt) Syntax() ast.Stmt { return s.Node }

// CheckCall is the synthesized zero-argument call to the configured check routine.
type CheckCall struct {
	Path CallPath
	Node ast.Stmt
}

func (*CheckCall) stmt()              {}
func (s *CheckCall) Syntax() ast.Stmt { return s.Node }

// IsDelegatingCall reports if the statement invokes another constructor.
func IsDelegatingCall(s Stmt) bool {
	switch s.(type) {
	case *ConstructorCall:
		return true
	case *OpaqueStmt, *CheckCall:
		return false
	default:
		panic(fmt.Sprintf("unexpected statement type %T", s))
	}
}
