// test.go implements the 'exectrace test' command.
package main

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kolkov/exectrace/cmd/exectrace/instrument"
	"github.com/kolkov/exectrace/cmd/exectrace/runtime"
)

var testCmd = &cobra.Command{
	Use:   "test [test flags] [packages]",
	Short: "Test Go packages with execution tracing",
	Long: `Test instruments the packages and their tests and runs 'go test' once
per package. Each package writes its own trace log and summary to the
current directory, named after the package path, unless
EXECTRACE_LOG_FILE_PATH or EXECTRACE_SUMMARY_PATH are set.`,
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if helpRequested(args) {
			return cmd.Help()
		}
		return testCommand(args)
	},
}

// generatedTestMain starts a session for test binaries of packages
// without their own TestMain.
const generatedTestMain = `package %s

import (
	"os"
	"testing"

	%s %q
)

func TestMain(m *testing.M) {
	%s.Init()
	code := m.Run()
	%s.Fini()
	os.Exit(code)
}
`

const generatedTestMainFile = "zz_exectrace_main_test.go"

// testConfig holds configuration for the test command.
type testConfig struct {
	// Package patterns to test (e.g., "./...", "./internal/...")
	packages []string

	// Test flags to pass to go test (-v, -run, -bench, etc.)
	testFlags []string

	// Working directory
	workDir string

	// Verbose output flag (-v)
	verbose bool
}

// testCommand instruments the packages (including their tests) and runs
// 'go test' on each of them.
//
// Example:
//
//	exectrace test ./...
//	exectrace test -v ./internal/...
//	exectrace test -run=TestMyFunction ./pkg/mypackage
func testCommand(args []string) error {
	config, err := parseTestArgs(args)
	if err != nil {
		return err
	}

	if err := runtime.ValidateRuntimeAvailable(); err != nil {
		return err
	}

	workspace, err := createWorkspace()
	if err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}
	defer workspace.cleanup()

	dirs, err := instrumentTestSources(config, workspace)
	if err != nil {
		return fmt.Errorf("instrumenting sources: %w", err)
	}

	if err := workspace.setupRuntimeLinking(); err != nil {
		return fmt.Errorf("setting up runtime: %w", err)
	}

	if code := runTests(workspace, config, dirs); code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}

// parseTestArgs parses command-line arguments for 'exectrace test'.
//
// The 'go test' command format is:
//
//	go test [build/test flags] [packages] [test binary flags]
func parseTestArgs(args []string) (*testConfig, error) {
	config := &testConfig{
		packages:  []string{},
		testFlags: []string{},
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	config.workDir = cwd

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if arg == "-v" {
			config.verbose = true
			config.testFlags = append(config.testFlags, arg)
			continue
		}

		if strings.HasPrefix(arg, "-") {
			config.testFlags = append(config.testFlags, arg)
			if testFlagNeedsValue(arg) && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				i++
				config.testFlags = append(config.testFlags, args[i])
			}
			continue
		}

		config.packages = append(config.packages, arg)
	}

	if len(config.packages) == 0 {
		config.packages = []string{"."}
	}

	return config, nil
}

// testFlagNeedsValue returns true if the test flag expects a following value.
func testFlagNeedsValue(flag string) bool {
	if strings.Contains(flag, "=") {
		return false
	}

	valueFlags := []string{
		"-run", "-bench", "-benchtime", "-blockprofile", "-blockprofilerate",
		"-coverprofile", "-covermode", "-count", "-cpu", "-cpuprofile",
		"-memprofile", "-memprofilerate", "-mutexprofile", "-mutexprofilefraction",
		"-outputdir", "-parallel", "-timeout", "-trace", "-skip",
		"-ldflags", "-gcflags", "-tags", "-mod", "-modfile",
	}

	for _, vf := range valueFlags {
		if flag == vf {
			return true
		}
	}

	return false
}

// instrumentTestSources mirrors the module into the workspace with the
// tests of the selected packages instrumented, adds a TestMain where a
// package has none, and returns the selected package directories relative
// to the module root.
func instrumentTestSources(config *testConfig, workspace *workspace) ([]string, error) {
	dirs, err := resolvePackagePatterns(config.packages, config.workDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve packages: %w", err)
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("no packages found matching patterns: %v", config.packages)
	}

	workspace.moduleRoot = runtime.FindModuleRoot(dirs[0])
	if workspace.moduleRoot == "" {
		return nil, fmt.Errorf("%s is not inside a Go module", dirs[0])
	}

	testDirs := make(map[string]bool, len(dirs))
	for _, dir := range dirs {
		testDirs[dir] = true
	}

	stats, err := mirrorModule(workspace.moduleRoot, workspace.srcDir, mirrorOptions{
		withTests: true,
		testDirs:  testDirs,
	})
	if err != nil {
		return nil, err
	}
	printStats(stats, config.verbose)

	var rels []string
	for _, dir := range dirs {
		rel, err := filepath.Rel(workspace.moduleRoot, dir)
		if err != nil {
			return nil, err
		}
		files, err := collectTestGoFiles(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to collect files from %s: %w", dir, err)
		}
		if err := ensureTestMain(files, filepath.Join(workspace.srcDir, rel)); err != nil {
			return nil, err
		}
		rels = append(rels, rel)
	}
	return rels, nil
}

// ensureTestMain writes a TestMain into outDir unless one of the package's
// test files declares one. Packages without tests get none.
func ensureTestMain(files []string, outDir string) error {
	fset := token.NewFileSet()
	pkgName := ""
	for _, path := range files {
		if !strings.HasSuffix(path, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, path, nil, parser.SkipObjectResolution)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if pkgName == "" {
			pkgName = f.Name.Name
		}
		for _, decl := range f.Decls {
			if fn, ok := decl.(*ast.FuncDecl); ok && fn.Recv == nil && fn.Name.Name == "TestMain" {
				return nil
			}
		}
	}
	if pkgName == "" {
		return nil
	}

	alias := instrument.TracePackageAlias
	code := fmt.Sprintf(generatedTestMain, pkgName, alias, runtime.GetRuntimePackagePath(), alias, alias)
	return os.WriteFile(filepath.Join(outDir, generatedTestMainFile), []byte(code), 0644)
}

// resolvePackagePatterns resolves package patterns like "./..." to
// absolute directories.
func resolvePackagePatterns(patterns []string, workDir string) ([]string, error) {
	var dirs []string
	seen := make(map[string]bool)

	for _, pattern := range patterns {
		if strings.HasSuffix(pattern, "/...") || strings.HasSuffix(pattern, "\\...") {
			baseDir := strings.TrimSuffix(strings.TrimSuffix(pattern, "/..."), "\\...")
			if baseDir == "." || baseDir == "" {
				baseDir = workDir
			} else if !filepath.IsAbs(baseDir) {
				baseDir = filepath.Join(workDir, baseDir)
			}

			err := filepath.Walk(baseDir, func(path string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if !info.IsDir() {
					return nil
				}
				name := info.Name()
				if path != baseDir && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || name == "vendor" || name == "testdata") {
					return filepath.SkipDir
				}
				hasGo, _ := hasGoFiles(path)
				if hasGo && !seen[path] {
					dirs = append(dirs, path)
					seen[path] = true
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("failed to walk %s: %w", baseDir, err)
			}
			continue
		}

		dir := pattern
		if pattern == "." {
			dir = workDir
		} else if !filepath.IsAbs(dir) {
			dir = filepath.Join(workDir, pattern)
		}

		if !seen[dir] {
			dirs = append(dirs, dir)
			seen[dir] = true
		}
	}

	return dirs, nil
}

// hasGoFiles checks if a directory contains any .go files.
func hasGoFiles(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}

	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".go") {
			return true, nil
		}
	}

	return false, nil
}

// collectTestGoFiles collects all .go files from a directory (including
// _test.go).
func collectTestGoFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var goFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".go") {
			goFiles = append(goFiles, filepath.Join(dir, entry.Name()))
		}
	}

	return goFiles, nil
}

// runTests runs 'go test' for each package directory and returns the
// first non-zero exit code.
func runTests(workspace *workspace, config *testConfig, dirs []string) int {
	result := 0
	for _, rel := range dirs {
		args := []string{"test"}
		args = append(args, runtime.BuildFlags()...)
		args = append(args, config.testFlags...)
		args = append(args, packageTarget(rel))

		cmd := exec.Command("go", args...)
		cmd.Dir = workspace.srcDir
		cmd.Env = append(os.Environ(), traceOutputEnv(config.workDir, rel, len(dirs) > 1)...)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				fmt.Fprintf(os.Stderr, "Error executing tests: %v\n", err)
				return 1
			}
			if result == 0 {
				result = exitErr.ExitCode()
			}
		}
	}
	return result
}

func packageTarget(rel string) string {
	if rel == "." {
		return "."
	}
	return "./" + filepath.ToSlash(rel)
}

// traceOutputEnv points the test binary's log and summary at workDir. Test
// binaries run inside the workspace, which is removed afterwards. With
// several packages, file names carry the package path.
func traceOutputEnv(workDir, rel string, perPackage bool) []string {
	logName, summaryName := "execution_trace.log", "execution_summary.json"
	if perPackage {
		slug := strings.ReplaceAll(filepath.ToSlash(rel), "/", "_")
		if slug == "." {
			slug = "root"
		}
		logName = slug + "_trace.log"
		summaryName = slug + "_summary.json"
	}

	var env []string
	if _, ok := os.LookupEnv("EXECTRACE_LOG_FILE_PATH"); !ok {
		env = append(env, "EXECTRACE_LOG_FILE_PATH="+filepath.Join(workDir, logName))
	}
	if _, ok := os.LookupEnv("EXECTRACE_SUMMARY_PATH"); !ok {
		env = append(env, "EXECTRACE_SUMMARY_PATH="+filepath.Join(workDir, summaryName))
	}
	return env
}
