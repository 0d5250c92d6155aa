// build.go implements the 'exectrace build' command.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kolkov/exectrace/cmd/exectrace/instrument"
	"github.com/kolkov/exectrace/cmd/exectrace/runtime"
)

var buildCmd = &cobra.Command{
	Use:   "build [-o output] [build flags] [packages or files]",
	Short: "Build a Go program with execution tracing",
	Long: `Build instruments the program's sources with trace probes and runs
'go build' on the result. Flags other than -o and -v are passed to go build.

The built program traces itself: on start it opens a session configured
from EXECTRACE_CONFIG and EXECTRACE_* variables, and on exit it writes the
execution log and summary.`,
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if helpRequested(args) {
			return cmd.Help()
		}
		return buildCommand(args)
	},
}

// buildCommand instruments the sources named by args into a temporary
// workspace and builds them there.
//
// Flow:
//  1. Parse arguments (sources + go build flags)
//  2. Create temporary workspace
//  3. Instrument the module's sources into it
//  4. Write the workspace go.mod (tracer requirement)
//  5. Call 'go build' in the workspace
//  6. Cleanup
//
// Example:
//
//	exectrace build main.go
//	exectrace build -o myapp ./cmd/myapp
//	exectrace build -ldflags="-s -w" .
func buildCommand(args []string) error {
	config, err := parseBuildArgs(args)
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

	if err := instrumentSources(config, workspace); err != nil {
		return fmt.Errorf("instrumenting sources: %w", err)
	}

	if err := workspace.setupRuntimeLinking(); err != nil {
		return fmt.Errorf("setting up runtime: %w", err)
	}

	if err := workspace.build(config); err != nil {
		return fmt.Errorf("build failed: %w", err)
	}

	if config.outputFile != "" {
		printSuccess("Built successfully: %s\n", config.outputFile)
	}
	return nil
}

// buildConfig holds configuration for the build command.
type buildConfig struct {
	// Source files or package directories to build
	sourceFiles []string

	// Output binary name (from -o flag)
	outputFile string

	// Additional go build flags
	buildFlags []string

	// Working directory for build
	workDir string

	// Verbose output flag (-v)
	verbose bool
}

// parseBuildArgs parses command-line arguments for 'exectrace build'.
//
// It separates:
//   - Sources (.go files, directories or ./... free package paths)
//   - Output file (-o flag)
//   - Go build flags (everything else)
func parseBuildArgs(args []string) (*buildConfig, error) {
	config := &buildConfig{
		sourceFiles: []string{},
		buildFlags:  []string{},
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	config.workDir = cwd

	expectingValue := false
	for i := 0; i < len(args); i++ {
		arg := args[i]

		// Value of the previous flag, even if it starts with -
		// Example: -ldflags "-s -w"
		if expectingValue {
			config.buildFlags = append(config.buildFlags, arg)
			expectingValue = false
			continue
		}

		if arg == "-o" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("-o flag requires an argument")
			}
			i++
			config.outputFile = args[i]
			continue
		}

		if strings.HasPrefix(arg, "-o=") {
			config.outputFile = strings.TrimPrefix(arg, "-o=")
			continue
		}

		if arg == "-v" {
			config.verbose = true
			continue
		}

		if strings.HasPrefix(arg, "-") {
			config.buildFlags = append(config.buildFlags, arg)
			expectingValue = needsValue(arg)
			continue
		}

		config.sourceFiles = append(config.sourceFiles, arg)
	}

	if len(config.sourceFiles) == 0 {
		config.sourceFiles = []string{"."}
	}

	return config, nil
}

// needsValue returns true if the flag expects a following value.
func needsValue(flag string) bool {
	valueFlags := []string{
		"-ldflags", "-gcflags", "-asmflags", "-gccgoflags",
		"-tags", "-installsuffix", "-buildmode", "-mod",
		"-modfile", "-overlay", "-pkgdir", "-toolexec",
	}

	for _, vf := range valueFlags {
		if strings.HasPrefix(flag, vf+"=") {
			return false
		}
		if flag == vf {
			return true
		}
	}

	return false
}

// workspace is a temporary copy of the traced module with instrumented
// sources.
type workspace struct {
	// Root directory of workspace
	dir string

	// Mirror of the module root (or of the loose source files)
	srcDir string

	// moduleRoot is the traced module's root, "" for loose files
	moduleRoot string

	// targets are the build arguments, relative to srcDir
	targets []string
}

func createWorkspace() (*workspace, error) {
	dir, err := os.MkdirTemp("", "exectrace-build-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	srcDir := filepath.Join(dir, "src")
	if err := os.MkdirAll(srcDir, 0755); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to create src directory: %w", err)
	}

	return &workspace{
		dir:    dir,
		srcDir: srcDir,
	}, nil
}

func (w *workspace) cleanup() {
	if w.dir != "" {
		_ = os.RemoveAll(w.dir)
	}
}

// setupRuntimeLinking writes the workspace go.mod and tidies it.
func (w *workspace) setupRuntimeLinking() error {
	if _, err := runtime.ModFileOverlay(w.srcDir, w.moduleRoot); err != nil {
		return fmt.Errorf("failed to create go.mod overlay: %w", err)
	}

	tidyCmd := exec.Command("go", "mod", "tidy")
	tidyCmd.Dir = w.srcDir
	tidyCmd.Stdout = os.Stdout
	tidyCmd.Stderr = os.Stderr
	if err := tidyCmd.Run(); err != nil {
		return fmt.Errorf("failed to tidy go.mod: %w", err)
	}
	return nil
}

// build runs 'go build' on the instrumented code in the workspace.
func (w *workspace) build(config *buildConfig) error {
	args := []string{"build"}

	if config.outputFile != "" {
		outputPath := config.outputFile
		if !filepath.IsAbs(outputPath) {
			outputPath = filepath.Join(config.workDir, outputPath)
		}
		args = append(args, "-o", outputPath)
	}

	args = append(args, config.buildFlags...)
	args = append(args, runtime.BuildFlags()...)
	args = append(args, w.targets...)

	cmd := exec.Command("go", args...)
	cmd.Dir = w.srcDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}

// instrumentSources copies the module containing the sources into the
// workspace, instrumenting every Go file on the way, and records the
// build targets.
func instrumentSources(config *buildConfig, workspace *workspace) error {
	goFiles, err := collectGoFiles(config.sourceFiles, config.workDir)
	if err != nil {
		return fmt.Errorf("failed to collect source files: %w", err)
	}

	if len(goFiles) == 0 {
		return fmt.Errorf("no Go source files found")
	}

	workspace.moduleRoot = runtime.FindModuleRoot(filepath.Dir(goFiles[0]))
	if workspace.moduleRoot == "" {
		return instrumentLooseFiles(config, workspace, goFiles)
	}

	stats, err := mirrorModule(workspace.moduleRoot, workspace.srcDir, mirrorOptions{})
	if err != nil {
		return err
	}
	printStats(stats, config.verbose)

	for _, src := range config.sourceFiles {
		target, err := relativeTarget(src, config.workDir, workspace.moduleRoot)
		if err != nil {
			return err
		}
		workspace.targets = append(workspace.targets, target)
	}
	return nil
}

// instrumentLooseFiles handles sources outside any module: the files are
// instrumented into the workspace root and built as one package.
func instrumentLooseFiles(config *buildConfig, workspace *workspace, goFiles []string) error {
	var stats mirrorStats
	for _, srcPath := range goFiles {
		outPath := filepath.Join(workspace.srcDir, filepath.Base(srcPath))
		if err := instrumentInto(srcPath, outPath, &stats); err != nil {
			return err
		}
		if config.verbose {
			fmt.Printf("Instrumented: %s -> %s\n", srcPath, outPath)
		}
	}
	printStats(stats, config.verbose)
	workspace.targets = []string{"."}
	return nil
}

// relativeTarget converts a build argument into a path relative to the
// module root, as seen from the workspace.
func relativeTarget(src, workDir, moduleRoot string) (string, error) {
	recursive := strings.HasSuffix(src, "/...")
	src = strings.TrimSuffix(src, "/...")

	abs := src
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(workDir, src)
	}
	rel, err := filepath.Rel(moduleRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside module %s", src, moduleRoot)
	}

	target := "./" + filepath.ToSlash(rel)
	if rel == "." {
		target = "."
	}
	if recursive {
		target += "/..."
	}
	return target, nil
}

// collectGoFiles finds all .go files from the given sources.
//
// Sources can be:
//   - .go files directly
//   - directories (scans for .go files)
//   - "." for current directory
//   - dir/... patterns (the directory itself is scanned)
func collectGoFiles(sources []string, workDir string) ([]string, error) {
	var goFiles []string

	for _, src := range sources {
		srcPath := strings.TrimSuffix(src, "/...")
		if !filepath.IsAbs(srcPath) {
			srcPath = filepath.Join(workDir, srcPath)
		}

		info, err := os.Stat(srcPath)
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", src, err)
		}

		if !info.IsDir() {
			if strings.HasSuffix(srcPath, ".go") {
				goFiles = append(goFiles, srcPath)
			}
			continue
		}

		entries, err := os.ReadDir(srcPath)
		if err != nil {
			return nil, fmt.Errorf("cannot read directory %s: %w", srcPath, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if !entry.IsDir() && strings.HasSuffix(name, ".go") && !strings.HasSuffix(name, "_test.go") {
				goFiles = append(goFiles, filepath.Join(srcPath, name))
			}
		}
	}

	return goFiles, nil
}

// mirrorOptions select which files mirrorModule instruments.
type mirrorOptions struct {
	// withTests instruments _test.go files in testDirs (all others are
	// copied unchanged).
	withTests bool
	testDirs  map[string]bool
}

// mirrorStats summarizes a mirrorModule run.
type mirrorStats struct {
	files   int
	skipped []string
	probes  instrument.InstrumentStats
}

// mirrorModule copies the module tree at root into dst, instrumenting Go
// files. Hidden directories, vendor, testdata and nested modules are not
// copied. Files that cannot be instrumented are copied unchanged.
func mirrorModule(root, dst string, opts mirrorOptions) (mirrorStats, error) {
	var stats mirrorStats

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out := filepath.Join(dst, rel)

		if d.IsDir() {
			if rel != "." && skipDir(path, d.Name()) {
				return filepath.SkipDir
			}
			return os.MkdirAll(out, 0755)
		}

		name := d.Name()
		switch {
		case name == "go.mod" || name == "go.sum" || name == "go.work" || name == "go.work.sum":
			// The workspace gets its own go.mod.
			return nil
		case !strings.HasSuffix(name, ".go"):
			return copyFile(path, out)
		case strings.HasSuffix(name, "_test.go") && !(opts.withTests && opts.testDirs[filepath.Dir(path)]):
			return copyFile(path, out)
		}

		return instrumentInto(path, out, &stats)
	})
	if err != nil {
		return stats, fmt.Errorf("failed to mirror module %s: %w", root, err)
	}
	return stats, nil
}

func skipDir(path, name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || name == "vendor" || name == "testdata" {
		return true
	}
	_, err := os.Stat(filepath.Join(path, "go.mod"))
	return err == nil
}

// instrumentInto instruments src into out. Files the instrumenter rejects
// are copied unchanged and reported as skipped.
func instrumentInto(src, out string, stats *mirrorStats) error {
	result, err := instrument.InstrumentFile(src, nil, nil)
	if err != nil {
		var ie *instrument.InstrumentationError
		if errors.As(err, &ie) {
			log.WithField("file", src).Warn(ie.Message)
			stats.skipped = append(stats.skipped, src)
			return copyFile(src, out)
		}
		return fmt.Errorf("failed to instrument %s: %w", src, err)
	}

	if err := os.WriteFile(out, []byte(result.Code), 0644); err != nil {
		return fmt.Errorf("failed to write instrumented file %s: %w", out, err)
	}

	stats.files++
	s := result.Stats
	stats.probes.FunctionsInstrumented += s.FunctionsInstrumented
	stats.probes.LiteralsInstrumented += s.LiteralsInstrumented
	stats.probes.LinesInstrumented += s.LinesInstrumented
	stats.probes.EntryPointsInjected += s.EntryPointsInjected
	stats.probes.ExitsRewritten += s.ExitsRewritten
	stats.probes.RecoversReported += s.RecoversReported
	stats.probes.FunctionsSkipped += s.FunctionsSkipped
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

func printStats(stats mirrorStats, verbose bool) {
	fmt.Printf("Instrumented %d files (%d probes)\n", stats.files, stats.probes.Total())
	if !verbose {
		return
	}
	p := stats.probes
	fmt.Printf("  - %d functions, %d function literals\n", p.FunctionsInstrumented, p.LiteralsInstrumented)
	fmt.Printf("  - %d line probes\n", p.LinesInstrumented)
	fmt.Printf("  - %d entry points, %d os.Exit calls rerouted\n", p.EntryPointsInjected, p.ExitsRewritten)
	if p.RecoversReported > 0 {
		fmt.Printf("  - %d recover calls reported\n", p.RecoversReported)
	}
	if p.FunctionsSkipped > 0 {
		fmt.Printf("  - %d functions skipped (compiler directives)\n", p.FunctionsSkipped)
	}
	for _, f := range stats.skipped {
		fmt.Printf("  - copied unchanged: %s\n", f)
	}
}
