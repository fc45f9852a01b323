package guard

import (
	"fmt"
	"go/ast"
	"go/token"
	"go/types"
	"path"
	"slices"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/mod/module"
	"golang.org/x/tools/go/ast/astutil"
)

// InstrumentedMarker is the doc comment tag added to instrumented functions.
const InstrumentedMarker = "entryguard:instrumented"

// TypeInfo is the shape of a named type declared in a package.
type TypeInfo struct {
	Kind DeclKind
	// Embedded lists the base names of embedded struct fields.
	Embedded []string
}

// TypeIndex maps type names to their shape, across all files of a package.
type TypeIndex map[string]TypeInfo

// IndexTypes collects the named types declared in the files.
func IndexTypes(files ...*ast.File) TypeIndex {
	index := make(TypeIndex)
	for _, file := range files {
		for _, decl := range file.Decls {
			genDecl, ok := decl.(*ast.GenDecl)
			if !ok || genDecl.Tok != token.TYPE {
				continue
			}
			for _, spec := range genDecl.Specs {
				typeSpec := spec.(*ast.TypeSpec)
				index[typeSpec.Name.Name] = typeInfoOf(typeSpec)
			}
		}
	}
	return index
}

func typeInfoOf(spec *ast.TypeSpec) TypeInfo {
	switch t := spec.Type.(type) {
	case *ast.StructType:
		info := TypeInfo{Kind: KindClass}
		for _, field := range t.Fields.List {
			if len(field.Names) == 0 {
				if name := baseTypeName(field.Type); name != "" {
					info.Embedded = append(info.Embedded, name)
				}
			}
		}
		return info
	case *ast.InterfaceType:
		return TypeInfo{Kind: KindInterface}
	default:
		return TypeInfo{Kind: KindOther}
	}
}

// baseTypeName strips pointers, package qualifiers and type parameters from a type expression.
func baseTypeName(expr ast.Expr) string {
	switch e := expr.(type) {
	case *ast.Ident:
		return e.Name
	case *ast.StarExpr:
		return baseTypeName(e.X)
	case *ast.SelectorExpr:
		return e.Sel.Name
	case *ast.IndexExpr:
		return baseTypeName(e.X)
	case *ast.IndexListExpr:
		return baseTypeName(e.X)
	case *ast.ParenExpr:
		return baseTypeName(e.X)
	default:
		return ""
	}
}

// constructedType returns the type a New<Type>/new<Type> function constructs, or "".
func constructedType(funcName string, index TypeIndex) string {
	for _, prefix := range []string{"New", "new"} {
		rest, ok := strings.CutPrefix(funcName, prefix)
		if !ok || rest == "" {
			continue
		}
		for _, name := range []string{rest, lowerFirst(rest)} {
			if _, known := index[name]; known {
				return name
			}
		}
	}
	return ""
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[size:]
}

func upperFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}

// ExtractClasses builds a ClassDecl for every type that has declarations in the file.
// Types declared in other files of the package are resolved through index, which may be nil.
// Existing check calls are recognized with checks, which may also be nil.
func ExtractClasses(file *ast.File, index TypeIndex, checks *CheckMatcher) []*ClassDecl {
	if index == nil {
		index = IndexTypes(file)
	}
	var classes []*ClassDecl
	byName := make(map[string]*ClassDecl)
	classFor := func(name string) *ClassDecl {
		if c, ok := byName[name]; ok {
			return c
		}
		c := &ClassDecl{Name: name, Kind: index[name].Kind} // unknown types are KindOther
		byName[name] = c
		classes = append(classes, c)
		return c
	}

	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.GenDecl:
			if d.Tok != token.TYPE {
				continue
			}
			for _, spec := range d.Specs {
				typeSpec := spec.(*ast.TypeSpec)
				c := classFor(typeSpec.Name.Name)
				c.Members = append(c.Members, &OpaqueMember{Name: typeSpec.Name.Name, Node: typeSpec})
			}
		case *ast.FuncDecl:
			var className, receiver string
			if d.Recv != nil && len(d.Recv.List) > 0 {
				receiver = types.ExprString(d.Recv.List[0].Type)
				className = baseTypeName(d.Recv.List[0].Type)
			} else if className = constructedType(d.Name.Name, index); className == "" {
				continue // plain function, not owned by a type
			}
			c := classFor(className)
			if d.Body == nil {
				c.Members = append(c.Members, &OpaqueMember{Name: d.Name.Name, Node: d})
				continue
			}
			body := classifyBody(d.Body.List, constructorNames(className, index), checks)
			c.Members = append(c.Members, &MethodDecl{
				Name:         d.Name.Name,
				Receiver:     receiver,
				Constructor:  receiver == "",
				Static:       receiver == "",
				Body:         body,
				Instrumented: checkAtEntry(body) || hasMarker(d, InstrumentedMarker),
				Node:         d,
			})
		}
	}
	return classes
}

// constructorNames lists the constructor function names of a type and of its embedded types.
func constructorNames(typeName string, index TypeIndex) []string {
	targets := append([]string{typeName}, index[typeName].Embedded...)
	names := make([]string, 0, 2*len(targets))
	for _, t := range targets {
		names = append(names, "New"+t, "new"+t)
		if exported := upperFirst(t); exported != t {
			names = append(names, "New"+exported, "new"+exported) // newFoo for type foo
		}
	}
	return names
}

func classifyBody(list []ast.Stmt, ctorNames []string, checks *CheckMatcher) []Stmt {
	body := make([]Stmt, len(list))
	for i, st := range list {
		if checks.Match(st) {
			body[i] = &CheckCall{Path: checks.callPath, Node: st}
		} else if target := delegatedConstructor(st); target != "" && slices.Contains(ctorNames, target) {
			body[i] = &ConstructorCall{Target: target, Node: st}
		} else {
			body[i] = &OpaqueStmt{Node: st}
		}
	}
	return body
}

// delegatedConstructor returns the callee name when the statement is a single call,
// optionally assigned or dereferenced: NewBase(), b := NewBase(), *t = *newT().
func delegatedConstructor(st ast.Stmt) string {
	var expr ast.Expr
	switch s := st.(type) {
	case *ast.ExprStmt:
		expr = s.X
	case *ast.AssignStmt:
		if len(s.Rhs) != 1 {
			return ""
		}
		expr = s.Rhs[0]
	case *ast.DeclStmt:
		genDecl, ok := s.Decl.(*ast.GenDecl)
		if !ok || genDecl.Tok != token.VAR || len(genDecl.Specs) != 1 {
			return ""
		}
		valueSpec := genDecl.Specs[0].(*ast.ValueSpec)
		if len(valueSpec.Values) != 1 {
			return ""
		}
		expr = valueSpec.Values[0]
	default:
		return ""
	}
	for {
		switch e := expr.(type) {
		case *ast.ParenExpr:
			expr = e.X
			continue
		case *ast.StarExpr:
			expr = e.X
			continue
		case *ast.UnaryExpr:
			if e.Op != token.AND {
				return ""
			}
			expr = e.X
			continue
		case *ast.CallExpr:
			return baseTypeName(e.Fun) // callee names resolve the same way as type names
		}
		return ""
	}
}

// checkAtEntry reports if a check call directly follows the delegating prologue.
func checkAtEntry(body []Stmt) bool {
	i := InsertionIndex(body)
	if i >= len(body) {
		return false
	}
	_, ok := body[i].(*CheckCall)
	return ok
}

// CheckMatcher recognizes calls to the check routine already present in a file.
type CheckMatcher struct {
	callPath CallPath
	// qualifiers are the import names bound to the check package
	qualifiers map[string]bool
	// local is set when the routine is reachable unqualified
	local bool
}

// NewCheckMatcher returns a matcher for calls to cp within file, which belongs to package pkgPath.
func NewCheckMatcher(file *ast.File, pkgPath string, cp CallPath) *CheckMatcher {
	m := &CheckMatcher{callPath: cp, qualifiers: make(map[string]bool), local: cp.ImportPath == pkgPath}
	for _, imp := range file.Imports {
		if impPath, err := strconv.Unquote(imp.Path.Value); err != nil || impPath != cp.ImportPath {
			continue
		} else if imp.Name == nil {
			m.qualifiers[cp.PackageName()] = true
		} else if imp.Name.Name == "." {
			m.local = true
		} else if imp.Name.Name != "_" {
			m.qualifiers[imp.Name.Name] = true
		}
	}
	return m
}

// Match reports if the statement is a zero-argument call of the check routine. A nil matcher matches nothing.
func (m *CheckMatcher) Match(st ast.Stmt) bool {
	if m == nil {
		return false
	}
	exprStmt, ok := st.(*ast.ExprStmt)
	if !ok {
		return false
	}
	call, ok := exprStmt.X.(*ast.CallExpr)
	if !ok || len(call.Args) != 0 {
		return false
	}
	chain := selectorChain(call.Fun)
	names := m.callPath.Names()
	if len(chain) == len(names) {
		return m.local && slices.Equal(chain, names)
	}
	return len(chain) == len(names)+1 && m.qualifiers[chain[0]] && slices.Equal(chain[1:], names)
}

// selectorChain flattens a.b.c into its identifiers, or returns nil for any other expression.
func selectorChain(expr ast.Expr) []string {
	switch e := expr.(type) {
	case *ast.Ident:
		return []string{e.Name}
	case *ast.SelectorExpr:
		if x := selectorChain(e.X); x != nil {
			return append(x, e.Sel.Name)
		}
	case *ast.ParenExpr:
		return selectorChain(e.X)
	}
	return nil
}

func hasMarker(funcDecl *ast.FuncDecl, marker string) bool {
	if funcDecl.Doc == nil {
		return false
	}
	for _, c := range funcDecl.Doc.List {
		if strings.Contains(c.Text, marker) {
			return true
		}
	}
	return false
}

// NewGoCallFactory returns a CallFactory emitting `pkg.Selector()` statements for the file.
// The import is added on first use; calls into the file's own package (pkgPath) are unqualified.
func NewGoCallFactory(fset *token.FileSet, file *ast.File, pkgPath string, cp CallPath) CallFactory {
	var qualifier string
	var resolved bool
	return func() (*CheckCall, error) {
		if !resolved {
			q, err := resolveQualifier(fset, file, pkgPath, cp)
			if err != nil {
				return nil, err
			}
			qualifier, resolved = q, true
		}
		names := cp.Names()
		var fun ast.Expr
		if qualifier == "" {
			fun = ast.NewIdent(names[0])
			names = names[1:]
		} else {
			fun = ast.NewIdent(qualifier)
		}
		for _, name := range names {
			fun = &ast.SelectorExpr{X: fun, Sel: ast.NewIdent(name)}
		}
		return &CheckCall{Path: cp, Node: &ast.ExprStmt{X: &ast.CallExpr{Fun: fun}}}, nil
	}
}

func resolveQualifier(fset *token.FileSet, file *ast.File, pkgPath string, cp CallPath) (string, error) {
	if cp.ImportPath == pkgPath {
		return "", nil
	}
	locals := declaredLocals(file)
	for _, imp := range file.Imports {
		impPath, err := strconv.Unquote(imp.Path.Value)
		if err != nil || impPath != cp.ImportPath {
			continue
		}
		name := cp.PackageName()
		if imp.Name != nil {
			name = imp.Name.Name
		}
		if name == "." {
			return "", nil
		} else if name != "_" && !locals[name] {
			return name, nil
		}
	}

	name := cp.PackageName()
	if name == "" {
		return "", fmt.Errorf("no package name derivable from %s", cp.ImportPath)
	}
	used := scopeNames(file)
	for k := range locals {
		used[k] = true
	}
	alias := name
	for i := 2; used[alias] || token.IsKeyword(alias); i++ {
		alias = name + strconv.Itoa(i)
	}
	prefix, _, ok := module.SplitPathVersion(cp.ImportPath)
	if !ok {
		prefix = cp.ImportPath
	}
	if path.Base(prefix) == alias && !hasBlankImport(file, cp.ImportPath) {
		astutil.AddImport(fset, file, cp.ImportPath)
	} else {
		astutil.AddNamedImport(fset, file, alias, cp.ImportPath)
	}
	return alias, nil
}

// scopeNames collects the names bound at file or package level: imports and top-level declarations.
func scopeNames(file *ast.File) map[string]bool {
	names := make(map[string]bool)
	for _, imp := range file.Imports {
		if imp.Name != nil {
			names[imp.Name.Name] = true
		} else if impPath, err := strconv.Unquote(imp.Path.Value); err == nil {
			names[CallPath{ImportPath: impPath}.PackageName()] = true
			names[path.Base(impPath)] = true
		}
	}
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if d.Recv == nil {
				names[d.Name.Name] = true
			}
		case *ast.GenDecl:
			for _, spec := range d.Specs {
				switch sp := spec.(type) {
				case *ast.TypeSpec:
					names[sp.Name.Name] = true
				case *ast.ValueSpec:
					for _, n := range sp.Names {
						names[n.Name] = true
					}
				}
			}
		}
	}
	return names
}

// declaredLocals collects every name declared inside function declarations: receivers, parameters,
// results, type parameters and body definitions. Any of them may shadow an import qualifier.
func declaredLocals(file *ast.File) map[string]bool {
	names := make(map[string]bool)
	addFields := func(fields *ast.FieldList) {
		if fields == nil {
			return
		}
		for _, f := range fields.List {
			for _, n := range f.Names {
				names[n.Name] = true
			}
		}
	}
	addIdents := func(exprs ...ast.Expr) {
		for _, e := range exprs {
			if id, ok := e.(*ast.Ident); ok {
				names[id.Name] = true
			}
		}
	}
	for _, decl := range file.Decls {
		funcDecl, ok := decl.(*ast.FuncDecl)
		if !ok {
			continue
		}
		addFields(funcDecl.Recv)
		ast.Inspect(funcDecl, func(n ast.Node) bool {
			switch x := n.(type) {
			case *ast.FuncType:
				addFields(x.TypeParams)
				addFields(x.Params)
				addFields(x.Results)
			case *ast.AssignStmt:
				if x.Tok == token.DEFINE {
					addIdents(x.Lhs...)
				}
			case *ast.RangeStmt:
				if x.Tok == token.DEFINE {
					addIdents(x.Key, x.Value)
				}
			case *ast.ValueSpec:
				for _, id := range x.Names {
					names[id.Name] = true
				}
			case *ast.TypeSpec:
				names[x.Name.Name] = true
			}
			return true
		})
	}
	delete(names, "_")
	return names
}

func hasBlankImport(file *ast.File, importPath string) bool {
	for _, imp := range file.Imports {
		if imp.Name != nil && imp.Name.Name == "_" && imp.Path.Value == strconv.Quote(importPath) {
			return true
		}
	}
	return false
}

// ApplyClass writes the instrumented bodies of the class back into the file's declarations
// and tags each with InstrumentedMarker where the comment can stand on its own line.
// It returns the number of declarations updated.
func ApplyClass(fset *token.FileSet, file *ast.File, class *ClassDecl) (int, error) {
	var updated int
	for _, method := range class.Methods() {
		if !method.Instrumented || method.Node == nil || method.Node.Body == nil {
			continue
		}
		orig := method.Node.Body.List
		list := make([]ast.Stmt, len(method.Body))
		for i, st := range method.Body {
			node := st.Syntax()
			if node == nil {
				return updated, fmt.Errorf("%s.%s: statement %d has no syntax", class.Name, method.Name, i)
			} else if !node.Pos().IsValid() {
				end := method.Node.Body.Lbrace + 1
				if i > 0 {
					end = list[i-1].End()
				}
				var next token.Pos
				if i < len(orig) {
					next = orig[i].Pos()
				}
				positionNode(node, anchorPos(fset, file, end, next))
			}
			list[i] = node
		}
		if slices.Equal(orig, list) {
			continue
		}
		method.Node.Body.List = list
		if !hasMarker(method.Node, InstrumentedMarker) {
			addMarker(fset, file, method.Node, InstrumentedMarker)
		}
		updated++
	}
	return updated, nil
}

// anchorPos returns the position for a statement inserted at end, the offset just past the preceding
// token, following any comment that trails that token on its line and precedes next.
func anchorPos(fset *token.FileSet, file *ast.File, end, next token.Pos) token.Pos {
	pos := end
	line := fset.Position(end - 1).Line
	for _, group := range file.Comments {
		if group.Pos() < end || fset.Position(group.Pos()).Line != line {
			continue
		} else if next.IsValid() && group.Pos() > next {
			break
		}
		pos = group.End()
	}
	return pos
}

// positionNode anchors a synthesized node at pos, so the printer keeps following comments after it.
func positionNode(node ast.Node, pos token.Pos) {
	ast.Inspect(node, func(n ast.Node) bool {
		switch x := n.(type) {
		case *ast.Ident:
			x.NamePos = pos
		case *ast.CallExpr:
			x.Lparen, x.Rparen = pos, pos
		}
		return true
	})
}

// addMarker adds the marker to the doc comment of funcDecl. It returns false without changes when
// the line above the func is shared with other code, where the comment would attach elsewhere.
func addMarker(fset *token.FileSet, file *ast.File, funcDecl *ast.FuncDecl, marker string) bool {
	slash := funcDecl.Pos() - 1
	funcLine := fset.Position(funcDecl.Pos()).Line
	if fset.Position(slash).Line != funcLine-1 {
		return false
	} else if funcDecl.Doc == nil && precedingLine(fset, file, funcDecl.Pos()) >= funcLine-1 {
		return false
	}

	comment := &ast.Comment{Slash: slash, Text: "// " + marker}
	if funcDecl.Doc != nil {
		funcDecl.Doc.List = append(funcDecl.Doc.List, comment)
		return true
	}
	funcDecl.Doc = &ast.CommentGroup{List: []*ast.Comment{comment}}
	// the printer only emits groups registered on the file, kept in position order
	i, _ := slices.BinarySearchFunc(file.Comments, comment.Slash, func(g *ast.CommentGroup, pos token.Pos) int {
		return int(g.Pos()) - int(pos)
	})
	file.Comments = slices.Insert(file.Comments, i, funcDecl.Doc)
	return true
}

// precedingLine returns the last line holding code or comments before pos.
func precedingLine(fset *token.FileSet, file *ast.File, pos token.Pos) int {
	last := file.Name.End()
	for _, decl := range file.Decls {
		if end := decl.End(); end <= pos && end > last {
			last = end
		}
	}
	for _, group := range file.Comments {
		if end := group.End(); end <= pos && end > last {
			last = end
		}
	}
	return fset.Position(last).Line
}
