// Package instrument - import injection.
package instrument

import (
	"go/ast"
	"path"
	"strconv"
)

// injectImport imports the tracer API on the package clause line:
//
//	package main
//
// becomes
//
//	package main; import __exectrace "github.com/kolkov/exectrace/trace"
//
// An import declaration may follow the package clause after an explicit
// semicolon, and keeping it on the same line leaves every following line
// where it was.
func injectImport(v *probeVisitor) {
	v.insert(v.file.Name.End(), "; import "+TracePackageAlias+" "+strconv.Quote(TracePackageImportPath))
}

// hasImport reports whether file imports importPath under any name.
func hasImport(file *ast.File, importPath string) bool {
	for _, imp := range file.Imports {
		if p, err := strconv.Unquote(imp.Path.Value); err == nil && p == importPath {
			return true
		}
	}
	return false
}

// importName returns the name importPath is referred to by in file, or ""
// when it is not imported or only imported for side effects or with a
// dot.
func importName(file *ast.File, importPath string) string {
	for _, imp := range file.Imports {
		p, err := strconv.Unquote(imp.Path.Value)
		if err != nil || p != importPath {
			continue
		}
		if imp.Name == nil {
			return path.Base(p)
		}
		if imp.Name.Name == "_" || imp.Name.Name == "." {
			return ""
		}
		return imp.Name.Name
	}
	return ""
}
