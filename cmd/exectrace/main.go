// Package main implements the exectrace CLI tool.
//
// exectrace records a statement-level execution trace of a Go program. It
// works by:
//
//  1. Parsing Go source files using go/ast
//  2. Inserting call, line and return probes on the lines they trace
//  3. Linking the tracer runtime (github.com/kolkov/exectrace/trace)
//  4. Building/running the instrumented code
//
// Usage:
//
//	exectrace build main.go             # Build with tracing
//	exectrace run main.go               # Run with tracing
//	exectrace test ./...                # Test with tracing
//	exectrace summary trace_summary.json
//
// The traced program writes execution_trace.log and
// execution_summary.json to its working directory unless configured
// otherwise through EXECTRACE_CONFIG or EXECTRACE_* variables.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kolkov/exectrace/trace"
)

// log carries the tool's own diagnostics.
var log = logrus.New()

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "exectrace",
	Short: "Statement-level execution tracer for Go programs",
	Long: `exectrace instruments Go programs so that every function call,
executed line, return and propagating panic is recorded to a durable log,
and writes an aggregated execution summary when the program ends.

The tool works with the standard Go toolchain: build, run and test are
drop-in replacements for the go commands of the same name.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		lvl, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		log.SetLevel(lvl)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "exectrace version %s\n", trace.Version)
	},
}

// exitCodeError carries the exit status of a traced program or test run.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func init() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	rootCmd.Version = trace.Version
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warning", "level of exectrace's own diagnostics")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(instrumentCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.code)
	}
	fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
	os.Exit(1)
}

// helpRequested reports whether pass-through args ask for help. Commands
// that hand their flags to the go tool disable cobra's flag parsing.
func helpRequested(args []string) bool {
	return len(args) == 1 && (args[0] == "-h" || args[0] == "--help" || args[0] == "help")
}

func printSuccess(format string, a ...any) {
	color.New(color.FgGreen).Printf(format, a...)
}
