package sandbox

import (
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
)

// forbiddenCallees are global functions user code may not call. eval and
// Function compile arbitrary code past the static check, require is the
// CommonJS import path, and the rest are the I/O entry points host
// environments commonly expose.
var forbiddenCallees = map[string]bool{
	"eval":           true,
	"Function":       true,
	"require":        true,
	"open":           true,
	"fetch":          true,
	"XMLHttpRequest": true,
}

// forbiddenNames are identifiers and property names that escape the
// isolated global: globalThis reaches the real global object, constructor
// and __proto__ climb out through any value, and process, fs, and
// child_process are the Node surfaces user snippets most often reach for.
var forbiddenNames = map[string]bool{
	"globalThis":    true,
	"constructor":   true,
	"__proto__":     true,
	"process":       true,
	"fs":            true,
	"child_process": true,
}

// parseAndValidate parses src and walks the AST against the whitelist.
// It returns the parsed program and the names of top-level function
// declarations, which the engine checks for the expected entry points.
func parseAndValidate(name, src string) (*ast.Program, map[string]bool, error) {
	prog, err := parser.ParseFile(nil, name, src, 0)
	if err != nil {
		if declaresModuleSyntax(src) {
			return nil, nil, &Error{Kind: ErrForbiddenImport, Name: name, Detail: "import/export declarations are not allowed"}
		}
		return nil, nil, &Error{Kind: ErrSyntax, Name: name, Detail: err.Error()}
	}

	v := &validator{name: name, src: src}
	for _, s := range prog.Body {
		v.stmt(s)
	}
	if v.err != nil {
		return nil, nil, v.err
	}

	funcs := map[string]bool{}
	for _, decl := range prog.Body {
		if fd, ok := decl.(*ast.FunctionDeclaration); ok && fd.Function.Name != nil {
			funcs[fd.Function.Name.Name.String()] = true
		}
	}
	return prog, funcs, nil
}

// declaresModuleSyntax reports whether src contains top-level import or
// export statements. The parser rejects them as syntax errors; this check
// reclassifies that failure so the user sees the real problem.
func declaresModuleSyntax(src string) bool {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "import ") || strings.HasPrefix(trimmed, "import(") ||
			strings.HasPrefix(trimmed, "export ") {
			return true
		}
	}
	return false
}

// validator recursively traverses the AST and records the first whitelist
// violation. goja's ast package declares node types only, so the
// traversal over statement and expression children is spelled out here.
type validator struct {
	name string
	src  string
	err  *Error
}

func (v *validator) stmt(s ast.Statement) {
	if v.err != nil || s == nil {
		return
	}
	switch n := s.(type) {
	case *ast.BlockStatement:
		for _, s := range n.List {
			v.stmt(s)
		}
	case *ast.CaseStatement:
		v.expr(n.Test)
		for _, s := range n.Consequent {
			v.stmt(s)
		}
	case *ast.DoWhileStatement:
		v.stmt(n.Body)
		v.expr(n.Test)
	case *ast.ExpressionStatement:
		v.expr(n.Expression)
	case *ast.ForInStatement:
		v.forInto(n.Into)
		v.expr(n.Source)
		v.stmt(n.Body)
	case *ast.ForOfStatement:
		v.forInto(n.Into)
		v.expr(n.Source)
		v.stmt(n.Body)
	case *ast.ForStatement:
		v.forInit(n.Initializer)
		v.expr(n.Test)
		v.expr(n.Update)
		v.stmt(n.Body)
	case *ast.IfStatement:
		v.expr(n.Test)
		v.stmt(n.Consequent)
		v.stmt(n.Alternate)
	case *ast.LabelledStatement:
		v.stmt(n.Statement)
	case *ast.ReturnStatement:
		v.expr(n.Argument)
	case *ast.SwitchStatement:
		v.expr(n.Discriminant)
		for _, c := range n.Body {
			v.stmt(c)
		}
	case *ast.ThrowStatement:
		v.expr(n.Argument)
	case *ast.TryStatement:
		if n.Body != nil {
			v.stmt(n.Body)
		}
		if n.Catch != nil {
			v.expr(n.Catch.Parameter)
			if n.Catch.Body != nil {
				v.stmt(n.Catch.Body)
			}
		}
		if n.Finally != nil {
			v.stmt(n.Finally)
		}
	case *ast.VariableStatement:
		v.bindings(n.List)
	case *ast.LexicalDeclaration:
		v.bindings(n.List)
	case *ast.WhileStatement:
		v.expr(n.Test)
		v.stmt(n.Body)
	case *ast.WithStatement:
		v.expr(n.Object)
		v.stmt(n.Body)
	case *ast.FunctionDeclaration:
		v.funcLit(n.Function)
	case *ast.ClassDeclaration:
		v.classLit(n.Class)
	}
}

func (v *validator) expr(e ast.Expression) {
	if v.err != nil || e == nil {
		return
	}
	switch n := e.(type) {
	case *ast.ArrayLiteral:
		v.exprs(n.Value)
	case *ast.ArrayPattern:
		v.exprs(n.Elements)
		v.expr(n.Rest)
	case *ast.AssignExpression:
		v.expr(n.Left)
		v.expr(n.Right)
	case *ast.AwaitExpression:
		v.expr(n.Argument)
	case *ast.YieldExpression:
		v.expr(n.Argument)
	case *ast.BinaryExpression:
		v.expr(n.Left)
		v.expr(n.Right)
	case *ast.BracketExpression:
		// Bracket access with a literal key: obj["constructor"].
		if lit, ok := n.Member.(*ast.StringLiteral); ok && forbiddenNames[lit.Value.String()] {
			v.fail(ErrForbiddenCall, "access to property "+lit.Value.String(), int(n.Idx0()))
			return
		}
		v.expr(n.Left)
		v.expr(n.Member)
	case *ast.CallExpression:
		v.callee(n.Callee, int(n.Idx0()))
		v.expr(n.Callee)
		v.exprs(n.ArgumentList)
	case *ast.NewExpression:
		v.callee(n.Callee, int(n.Idx0()))
		v.expr(n.Callee)
		v.exprs(n.ArgumentList)
	case *ast.ConditionalExpression:
		v.expr(n.Test)
		v.expr(n.Consequent)
		v.expr(n.Alternate)
	case *ast.DotExpression:
		if name := n.Identifier.Name.String(); forbiddenNames[name] {
			v.fail(ErrForbiddenCall, "access to property "+name, int(n.Idx0()))
			return
		}
		v.expr(n.Left)
	case *ast.PrivateDotExpression:
		v.expr(n.Left)
	case *ast.OptionalChain:
		v.expr(n.Expression)
	case *ast.Optional:
		v.expr(n.Expression)
	case *ast.FunctionLiteral:
		v.funcLit(n)
	case *ast.ArrowFunctionLiteral:
		if n.ParameterList != nil {
			v.bindings(n.ParameterList.List)
			v.expr(n.ParameterList.Rest)
		}
		v.conciseBody(n.Body)
	case *ast.ClassLiteral:
		v.classLit(n)
	case *ast.Identifier:
		// Bare references to forbidden callees are rejected too, so the
		// call check cannot be dodged by aliasing: var f = fetch; f(url).
		if name := n.Name.String(); forbiddenNames[name] || forbiddenCallees[name] {
			v.fail(ErrForbiddenCall, "access to "+name, int(n.Idx))
		}
	case *ast.ObjectLiteral:
		v.properties(n.Value)
	case *ast.ObjectPattern:
		v.properties(n.Properties)
		v.expr(n.Rest)
	case *ast.SequenceExpression:
		v.exprs(n.Sequence)
	case *ast.SpreadElement:
		v.expr(n.Expression)
	case *ast.TemplateLiteral:
		v.expr(n.Tag)
		v.exprs(n.Expressions)
	case *ast.UnaryExpression:
		v.expr(n.Operand)
	case *ast.Binding:
		v.expr(n.Initializer)
		v.expr(n.Target)
	}
}

// callee flags a forbidden global invoked directly, as a plain call or
// through new.
func (v *validator) callee(c ast.Expression, idx int) {
	if id, ok := c.(*ast.Identifier); ok {
		name := id.Name.String()
		if forbiddenCallees[name] {
			kind := ErrForbiddenCall
			if name == "require" {
				kind = ErrForbiddenImport
			}
			v.fail(kind, "call to "+name, idx)
		}
	}
}

func (v *validator) exprs(list []ast.Expression) {
	for _, e := range list {
		v.expr(e)
	}
}

// bindings visits initializers before targets, in evaluation order, so a
// forbidden call in the initializer is reported over the bound name.
func (v *validator) bindings(list []*ast.Binding) {
	for _, b := range list {
		if b == nil {
			continue
		}
		v.expr(b.Initializer)
		v.expr(b.Target)
	}
}

func (v *validator) properties(list []ast.Property) {
	for _, p := range list {
		switch n := p.(type) {
		case *ast.PropertyShort:
			if name := n.Name.Name.String(); forbiddenNames[name] {
				v.fail(ErrForbiddenCall, "access to "+name, int(n.Name.Idx))
				return
			}
			v.expr(n.Initializer)
		case *ast.PropertyKeyed:
			v.expr(n.Key)
			v.expr(n.Value)
		case *ast.SpreadElement:
			v.expr(n.Expression)
		}
	}
}

func (v *validator) funcLit(f *ast.FunctionLiteral) {
	if f == nil {
		return
	}
	if f.ParameterList != nil {
		v.bindings(f.ParameterList.List)
		v.expr(f.ParameterList.Rest)
	}
	if f.Body != nil {
		v.stmt(f.Body)
	}
}

func (v *validator) classLit(c *ast.ClassLiteral) {
	if c == nil {
		return
	}
	v.expr(c.SuperClass)
	for _, el := range c.Body {
		switch n := el.(type) {
		case *ast.FieldDefinition:
			v.expr(n.Key)
			v.expr(n.Initializer)
		case *ast.MethodDefinition:
			v.expr(n.Key)
			v.funcLit(n.Body)
		case *ast.ClassStaticBlock:
			if n.Block != nil {
				v.stmt(n.Block)
			}
		}
	}
}

func (v *validator) conciseBody(b ast.ConciseBody) {
	switch n := b.(type) {
	case *ast.BlockStatement:
		v.stmt(n)
	case *ast.ExpressionBody:
		v.expr(n.Expression)
	}
}

func (v *validator) forInto(in ast.ForInto) {
	switch n := in.(type) {
	case *ast.ForIntoVar:
		if n.Binding != nil {
			v.expr(n.Binding.Initializer)
			v.expr(n.Binding.Target)
		}
	case *ast.ForDeclaration:
		v.expr(n.Target)
	case *ast.ForIntoExpression:
		v.expr(n.Expression)
	}
}

func (v *validator) forInit(in ast.ForLoopInitializer) {
	switch n := in.(type) {
	case *ast.ForLoopInitializerExpression:
		v.expr(n.Expression)
	case *ast.ForLoopInitializerVarDeclList:
		v.bindings(n.List)
	case *ast.ForLoopInitializerLexicalDecl:
		v.bindings(n.LexicalDeclaration.List)
	}
}

func (v *validator) fail(kind Kind, detail string, idx int) {
	if v.err == nil {
		v.err = &Error{Kind: kind, Name: v.name, Line: lineOf(v.src, idx), Detail: detail}
	}
}

// lineOf converts a 1-based source offset into a 1-based line number.
func lineOf(src string, idx int) int {
	if idx < 1 || idx > len(src)+1 {
		return 0
	}
	return 1 + strings.Count(src[:idx-1], "\n")
}
