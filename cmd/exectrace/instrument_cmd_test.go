package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kolkov/exectrace/cmd/exectrace/instrument"
)

const instrumentSample = `package main

import "os"

func main() {
	if len(os.Args) > 1 {
		os.Exit(2)
	}
}
`

// TestInstrumentCommand_Stdout tests printing the instrumented file.
func TestInstrumentCommand_Stdout(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"main.go": instrumentSample})

	var out bytes.Buffer
	err := instrumentFiles(&out, []string{filepath.Join(dir, "main.go")}, "", instrument.DefaultOptions(), false)
	if err != nil {
		t.Fatalf("instrumentFiles() error: %v", err)
	}

	code := out.String()
	for _, want := range []string{"//line ", "__exectrace.Init()", "__exectrace.Exit(2)"} {
		if !strings.Contains(code, want) {
			t.Errorf("output missing %q:\n%s", want, code)
		}
	}
}

// TestInstrumentCommand_Options tests disabling entry and exit rewriting.
func TestInstrumentCommand_Options(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"main.go": instrumentSample})

	var out bytes.Buffer
	opts := &instrument.Options{}
	if err := instrumentFiles(&out, []string{filepath.Join(dir, "main.go")}, "", opts, false); err != nil {
		t.Fatalf("instrumentFiles() error: %v", err)
	}

	code := out.String()
	if strings.Contains(code, "__exectrace.Init()") || strings.Contains(code, "__exectrace.Exit(") {
		t.Errorf("entry and exit should be left alone:\n%s", code)
	}
	if !strings.Contains(code, "os.Exit(2)") {
		t.Errorf("os.Exit call missing:\n%s", code)
	}
}

// TestInstrumentCommand_OutputFile tests -o with one file.
func TestInstrumentCommand_OutputFile(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"main.go": instrumentSample})
	outPath := filepath.Join(dir, "main_traced.go")

	var out bytes.Buffer
	if err := instrumentFiles(&out, []string{filepath.Join(dir, "main.go")}, outPath, nil, false); err != nil {
		t.Fatalf("instrumentFiles() error: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("nothing should be printed with -o, got:\n%s", out.String())
	}
	if got := readFile(t, outPath); !strings.Contains(got, "__exectrace.Enter()") {
		t.Errorf("written file not instrumented:\n%s", got)
	}
}

// TestInstrumentCommand_OutputDir tests -o with several files.
func TestInstrumentCommand_OutputDir(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"main.go": instrumentSample,
		"util.go": "package main\n\nfunc twice(n int) int {\n\treturn 2 * n\n}\n",
	})
	outDir := filepath.Join(dir, "out")

	var out bytes.Buffer
	paths := []string{filepath.Join(dir, "main.go"), filepath.Join(dir, "util.go")}
	if err := instrumentFiles(&out, paths, outDir, nil, false); err != nil {
		t.Fatalf("instrumentFiles() error: %v", err)
	}

	if got := readFile(t, filepath.Join(outDir, "util.go")); !strings.Contains(got, "__exectrace.Enter(n)") {
		t.Errorf("util.go not instrumented:\n%s", got)
	}
	if !exists(filepath.Join(outDir, "main.go")) {
		t.Error("main.go not written")
	}
}

// TestInstrumentCommand_Rejected tests that cgo files fail.
func TestInstrumentCommand_Rejected(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"cgo.go": "package main\n\nimport \"C\"\n"})

	var out bytes.Buffer
	err := instrumentFiles(&out, []string{filepath.Join(dir, "cgo.go")}, "", nil, false)
	if err == nil || !strings.Contains(err.Error(), "cgo") {
		t.Errorf("Expected cgo error, got %v", err)
	}
}
