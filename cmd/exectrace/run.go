// run.go implements the 'exectrace run' command.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kolkov/exectrace/cmd/exectrace/runtime"
)

var runCmd = &cobra.Command{
	Use:   "run [build flags] files.go|package [arguments...]",
	Short: "Run a Go program with execution tracing",
	Long: `Run builds the instrumented program to a temporary binary and executes
it with the given arguments. The program's exit status is returned.`,
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if helpRequested(args) {
			return cmd.Help()
		}
		return runCommand(args)
	},
}

// runCommand builds the instrumented program to a temporary binary and
// executes it, forwarding stdin/stdout/stderr.
//
// Example:
//
//	exectrace run main.go
//	exectrace run main.go arg1 arg2
//	exectrace run ./cmd/app --program-flag=value
func runCommand(args []string) error {
	config, programArgs, err := parseRunArgs(args)
	if err != nil {
		return err
	}

	tempBinary, err := buildTemporary(config)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tempBinary) }()

	if code := executeBinary(tempBinary, programArgs); code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}

// parseRunArgs separates sources from program arguments.
//
// The 'go run' command format is:
//
//	go run [build flags] package [arguments...]
//
// Sources are either .go files (everything after the last leading .go file
// is passed to the program) or a single package path.
func parseRunArgs(args []string) (*buildConfig, []string, error) {
	if len(args) == 0 {
		return nil, nil, fmt.Errorf("no source files specified")
	}

	var sourceFiles []string
	var programArgs []string
	var buildFlags []string

	inProgramArgs := false

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if inProgramArgs {
			programArgs = append(programArgs, arg)
			continue
		}

		if len(sourceFiles) == 0 && strings.HasPrefix(arg, "-") {
			buildFlags = append(buildFlags, arg)
			if needsValue(arg) && i+1 < len(args) {
				i++
				buildFlags = append(buildFlags, args[i])
			}
			continue
		}

		if filepath.Ext(arg) == ".go" {
			sourceFiles = append(sourceFiles, arg)
			continue
		}

		if len(sourceFiles) > 0 {
			inProgramArgs = true
			programArgs = append(programArgs, arg)
			continue
		}

		// First positional that is not a .go file: a package.
		sourceFiles = append(sourceFiles, arg)
		inProgramArgs = true
	}

	if len(sourceFiles) == 0 {
		return nil, nil, fmt.Errorf("no Go source files specified")
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	config := &buildConfig{
		sourceFiles: sourceFiles,
		buildFlags:  buildFlags,
		workDir:     cwd,
	}

	return config, programArgs, nil
}

// buildTemporary builds the instrumented code to a temporary binary, which
// the caller removes.
func buildTemporary(config *buildConfig) (string, error) {
	tempBinary, err := os.CreateTemp("", "exectrace-run-*.exe")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempBinary.Name()
	_ = tempBinary.Close()

	config.outputFile = tempPath

	fail := func(format string, err error) (string, error) {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf(format, err)
	}

	if err := runtime.ValidateRuntimeAvailable(); err != nil {
		return fail("%w", err)
	}

	workspace, err := createWorkspace()
	if err != nil {
		return fail("failed to create workspace: %w", err)
	}
	defer workspace.cleanup()

	if err := instrumentSources(config, workspace); err != nil {
		return fail("failed to instrument sources: %w", err)
	}

	if err := workspace.setupRuntimeLinking(); err != nil {
		return fail("failed to setup runtime: %w", err)
	}

	if err := workspace.build(config); err != nil {
		return fail("build failed: %w", err)
	}

	return tempPath, nil
}

// executeBinary runs the instrumented binary and returns its exit code.
func executeBinary(binaryPath string, args []string) int {
	cmd := exec.Command(binaryPath, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		fmt.Fprintf(os.Stderr, "Error executing binary: %v\n", err)
		return 1
	}

	return 0
}
