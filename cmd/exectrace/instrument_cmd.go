// instrument_cmd.go implements the 'exectrace instrument' command.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kolkov/exectrace/cmd/exectrace/instrument"
)

var instrumentOpts struct {
	output  string
	noEntry bool
	noExit  bool
	stats   bool
}

var instrumentCmd = &cobra.Command{
	Use:   "instrument [-o output] files.go...",
	Short: "Print the instrumented version of Go files",
	Long: `Instrument inserts trace probes into Go files and prints the result.
With -o a single file is written to the given path; with several files -o
names a directory that receives them under their base names. Useful to
inspect what build and run compile.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := &instrument.Options{
			EntryPoint:  !instrumentOpts.noEntry,
			RewriteExit: !instrumentOpts.noExit,
		}
		return instrumentFiles(cmd.OutOrStdout(), args, instrumentOpts.output, opts, instrumentOpts.stats)
	},
}

func init() {
	f := instrumentCmd.Flags()
	f.StringVarP(&instrumentOpts.output, "output", "o", "", "write the instrumented file here instead of stdout")
	f.BoolVar(&instrumentOpts.noEntry, "no-entry", false, "do not inject Init/Fini into main or TestMain")
	f.BoolVar(&instrumentOpts.noExit, "no-exit", false, "do not reroute os.Exit calls")
	f.BoolVar(&instrumentOpts.stats, "stats", false, "print probe counts to stderr")
}

func instrumentFiles(w io.Writer, paths []string, output string, opts *instrument.Options, showStats bool) error {
	if len(paths) == 1 || output == "" {
		for _, path := range paths {
			if err := instrumentCommand(w, path, output, opts, showStats); err != nil {
				return err
			}
		}
		return nil
	}

	if err := os.MkdirAll(output, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", output, err)
	}
	for _, path := range paths {
		out := filepath.Join(output, filepath.Base(path))
		if err := instrumentCommand(w, path, out, opts, showStats); err != nil {
			return err
		}
	}
	return nil
}

func instrumentCommand(w io.Writer, path, output string, opts *instrument.Options, showStats bool) error {
	result, err := instrument.InstrumentFile(path, nil, opts)
	if err != nil {
		return err
	}

	if output == "" {
		if _, err := io.WriteString(w, result.Code); err != nil {
			return err
		}
	} else if err := os.WriteFile(output, []byte(result.Code), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}

	if showStats {
		s := result.Stats
		fmt.Fprintf(os.Stderr, "%s: %d functions, %d literals, %d lines, %d skipped\n",
			path, s.FunctionsInstrumented, s.LiteralsInstrumented, s.LinesInstrumented, s.FunctionsSkipped)
	}
	return nil
}
