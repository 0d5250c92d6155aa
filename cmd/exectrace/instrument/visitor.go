// Package instrument - probe planning.
//
// The visitor walks the AST once and records text edits; it never changes
// the AST. Every edit is an insertion on the line of the node it belongs
// to (or a same-line replacement), so line numbers survive.
package instrument

import (
	"fmt"
	"go/ast"
	"go/token"
	"strconv"
	"strings"
)

// InstrumentStats counts what InstrumentFile inserted.
//
//nolint:revive // InstrumentStats mirrors InstrumentResult
type InstrumentStats struct {
	// FunctionsInstrumented counts declared functions and methods with a
	// CALL/RETURN probe.
	FunctionsInstrumented int

	// LiteralsInstrumented counts function literals with a CALL/RETURN probe.
	LiteralsInstrumented int

	// LinesInstrumented counts LINE probes.
	LinesInstrumented int

	// EntryPointsInjected counts main/TestMain functions that got Init/Fini.
	EntryPointsInjected int

	// ExitsRewritten counts os.Exit calls routed through the tracer.
	ExitsRewritten int

	// RecoversReported counts recover() calls whose result is reported to
	// the enclosing activation.
	RecoversReported int

	// FunctionsSkipped counts functions left alone because of compiler
	// directives that forbid the extra frames (e.g. //go:nosplit).
	FunctionsSkipped int
}

// Total returns the number of probes inserted.
func (s InstrumentStats) Total() int {
	return s.FunctionsInstrumented + s.LiteralsInstrumented + s.LinesInstrumented
}

// skipDirectives mark functions that must not grow a deferred call.
var skipDirectives = []string{
	"//go:nosplit",
	"//go:linkname",
	"//go:systemstack",
	"//go:nowritebarrier",
	"//go:nowritebarrierrec",
	"//go:yeswritebarrierrec",
	"//go:uintptrescapes",
	"//go:cgo_unsafe_args",
}

type probeVisitor struct {
	fset *token.FileSet
	tf   *token.File
	file *ast.File
	opts *Options

	isTest bool

	// osName is the local name of the "os" import, if any.
	osName string

	// bodies are the instrumented function bodies seen so far.
	bodies []*ast.BlockStmt
	// bare holds calls made directly by defer or go statements.
	bare   map[*ast.CallExpr]bool

	edits []edit
	seq   int
	used  bool
	stats InstrumentStats
}

func newProbeVisitor(fset *token.FileSet, file *ast.File, opts *Options) *probeVisitor {
	tf := fset.File(file.Pos())
	return &probeVisitor{
		fset:   fset,
		tf:     tf,
		file:   file,
		opts:   opts,
		isTest: strings.HasSuffix(tf.Name(), "_test.go"),
		osName: importName(file, "os"),
	}
}

func (v *probeVisitor) offset(p token.Pos) int {
	return v.tf.Offset(p)
}

func (v *probeVisitor) insert(p token.Pos, text string) {
	v.edits = append(v.edits, edit{off: v.offset(p), text: text, seq: v.seq})
	v.seq++
}

func (v *probeVisitor) replace(from, to token.Pos, text string) {
	v.edits = append(v.edits, edit{off: v.offset(from), end: v.offset(to), text: text, seq: v.seq})
	v.seq++
}

// plan records every edit for the file.
func (v *probeVisitor) plan() error {
	var err error
	ast.Inspect(v.file, func(n ast.Node) bool {
		if err != nil {
			return false
		}
		switch n := n.(type) {
		case *ast.FuncDecl:
			if n.Body == nil {
				return false
			}
			if hasSkipDirective(n.Doc) {
				v.stats.FunctionsSkipped++
				return false
			}
			err = v.probeFunc(n.Recv, n.Type, n.Body, v.isEntryPoint(n))
			v.stats.FunctionsInstrumented++

		case *ast.FuncLit:
			err = v.probeFunc(nil, n.Type, n.Body, false)
			v.stats.LiteralsInstrumented++

		case *ast.BlockStmt:
			v.probeLines(n.List)

		case *ast.CaseClause:
			v.probeLines(n.Body)

		case *ast.CommClause:
			v.probeLines(n.Body)

		case *ast.DeferStmt:
			v.deferred(n.Call)

		case *ast.GoStmt:
			v.deferred(n.Call)

		case *ast.CallExpr:
			v.rewriteExit(n)
			v.reportRecover(n)
		}
		return true
	})
	if err != nil {
		return err
	}

	if v.stats.ExitsRewritten > 0 {
		// Keep the os import in use after its Exit calls were rerouted.
		v.edits = append(v.edits, edit{
			off:  v.tf.Size(),
			text: fmt.Sprintf("\nvar _ = %s.Exit\n", v.osName),
			seq:  v.seq,
		})
		v.seq++
	}
	if v.used {
		injectImport(v)
	}
	return nil
}

// isEntryPoint reports whether fn starts a traced program: main.main, or
// TestMain in a test file.
func (v *probeVisitor) isEntryPoint(fn *ast.FuncDecl) bool {
	if !v.opts.EntryPoint || fn.Recv != nil || fn.Type.TypeParams != nil {
		return false
	}
	if v.isTest {
		return fn.Name.Name == "TestMain"
	}
	return v.file.Name.Name == "main" && fn.Name.Name == "main"
}

// probeFunc inserts the CALL probe and the deferred RETURN/EXCEPTION probe
// at the opening brace of body, naming anonymous parameters and results so
// they can be reported.
func (v *probeVisitor) probeFunc(recv *ast.FieldList, ft *ast.FuncType, body *ast.BlockStmt, entry bool) error {
	var args []string
	if recv != nil && len(recv.List) == 1 {
		for _, name := range recv.List[0].Names {
			if name.Name != "_" {
				args = append(args, name.Name)
			}
		}
	}
	args = append(args, v.nameFields(ft.Params, paramPrefix, false)...)
	results := v.nameFields(ft.Results, resultPrefix, true)

	var b strings.Builder
	b.WriteByte(' ')
	if entry {
		fmt.Fprintf(&b, "%s.Init(); defer %s.Fini(); ", TracePackageAlias, TracePackageAlias)
		v.stats.EntryPointsInjected++
	}
	fmt.Fprintf(&b, "%s := %s.Enter(%s); ", activationVar, TracePackageAlias, strings.Join(args, ", "))
	fmt.Fprintf(&b, "defer func() { %s.Exit(recover()", activationVar)
	for _, r := range results {
		b.WriteString(", ")
		b.WriteString(r)
	}
	b.WriteString(") }();")

	if !body.Lbrace.IsValid() {
		return NewInstrumentationError(v.fset, ft.Pos(), "function body has no opening brace")
	}
	v.insert(body.Lbrace+1, b.String())
	v.bodies = append(v.bodies, body)
	v.used = true
	return nil
}

// nameFields returns the names of the fields in fl, inventing names for
// unnamed and blank fields. A single unparenthesized result is wrapped in
// parentheses once named.
func (v *probeVisitor) nameFields(fl *ast.FieldList, prefix string, results bool) []string {
	if fl == nil || len(fl.List) == 0 {
		return nil
	}

	var names []string
	next := func() string {
		name := prefix + strconv.Itoa(len(names))
		names = append(names, name)
		return name
	}

	if len(fl.List[0].Names) == 0 {
		if results && !fl.Opening.IsValid() {
			field := fl.List[0]
			v.insert(field.Type.Pos(), "("+next()+" ")
			v.insert(field.Type.End(), ")")
			return names
		}
		for _, field := range fl.List {
			v.insert(field.Type.Pos(), next()+" ")
		}
		return names
	}

	for _, field := range fl.List {
		for _, ident := range field.Names {
			if ident.Name == "_" {
				v.replace(ident.Pos(), ident.End(), next())
				continue
			}
			names = append(names, ident.Name)
		}
	}
	return names
}

// probeLines inserts a LINE probe before each statement of a statement
// list. Case clauses are not statements of their switch body and are
// skipped; their own bodies are visited separately.
func (v *probeVisitor) probeLines(list []ast.Stmt) {
	for _, stmt := range list {
		switch stmt.(type) {
		case *ast.CaseClause, *ast.CommClause, *ast.EmptyStmt:
			continue
		}
		line := v.fset.Position(stmt.Pos()).Line
		v.insert(stmt.Pos(), fmt.Sprintf("%s.LineAt(%d); ", activationVar, line))
		v.stats.LinesInstrumented++
	}
}

// rewriteExit routes os.Exit(code) through the tracer.
func (v *probeVisitor) rewriteExit(call *ast.CallExpr) {
	if !v.opts.RewriteExit || v.osName == "" {
		return
	}
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Exit" {
		return
	}
	pkg, ok := sel.X.(*ast.Ident)
	// A resolved object means a local variable shadows the package name.
	//nolint:staticcheck // ast.Object is the parser's own scope resolution
	if !ok || pkg.Name != v.osName || pkg.Obj != nil {
		return
	}
	v.replace(sel.Pos(), sel.End(), TracePackageAlias+".Exit")
	v.stats.ExitsRewritten++
	v.used = true
}

// reportRecover turns recover() into act.Recovered(recover()). recover is
// still called directly by the deferred function, so it stops the panic
// exactly as before, and a panic the function handles itself is still
// recorded as an EXCEPTION.
func (v *probeVisitor) reportRecover(call *ast.CallExpr) {
	id, ok := call.Fun.(*ast.Ident)
	//nolint:staticcheck // a resolved object means recover is shadowed
	if !ok || id.Name != "recover" || id.Obj != nil || len(call.Args) != 0 {
		return
	}
	// Wrapping "defer recover()" would evaluate recover at the defer
	// statement instead of during the panic.
	if v.bare[call] {
		return
	}
	if !v.inBody(call.Pos()) {
		return
	}
	v.insert(call.Pos(), activationVar+".Recovered(")
	v.insert(call.End(), ")")
	v.stats.RecoversReported++
}

func (v *probeVisitor) deferred(call *ast.CallExpr) {
	if v.bare == nil {
		v.bare = make(map[*ast.CallExpr]bool)
	}
	v.bare[call] = true
}

// inBody reports whether p lies in an instrumented function body, where
// the activation variable is in scope.
func (v *probeVisitor) inBody(p token.Pos) bool {
	for _, b := range v.bodies {
		if b.Lbrace < p && p < b.Rbrace {
			return true
		}
	}
	return false
}

func hasSkipDirective(doc *ast.CommentGroup) bool {
	if doc == nil {
		return false
	}
	for _, c := range doc.List {
		for _, d := range skipDirectives {
			if c.Text == d || strings.HasPrefix(c.Text, d+" ") {
				return true
			}
		}
	}
	return false
}
