// summary.go implements the 'exectrace summary' command.
package main

import (
	"bufio"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kolkov/exectrace/internal/trace/event"
	"github.com/kolkov/exectrace/internal/trace/stats"
	"github.com/kolkov/exectrace/internal/trace/store"
	"github.com/kolkov/exectrace/internal/trace/summary"
)

type summaryOptions struct {
	fromLog string
	fromDB  string
	session string
	output  string
	format  string
	topN    int
	limit   int
	noColor bool
	files   bool
	quiet   bool
	maxLine int
}

var summaryOpts summaryOptions

var summaryCmd = &cobra.Command{
	Use:   "summary [summary file]",
	Short: "Print or rebuild an execution summary",
	Long: `Summary prints an execution summary written by a traced program.

With --from-log or --from-db the summary is rebuilt from a durable trace
log or a SQLite event store instead, which also works for programs that
did not exit cleanly. Use -o to write the rebuilt (or converted) summary.`,
	Example: `  exectrace summary execution_summary.json
  exectrace summary --from-log execution_trace.log -o summary.msgpack
  exectrace summary --from-db trace.db --session cq1b3s2h7q5g00b8m0i0`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return summaryCommand(cmd.OutOrStdout(), args, summaryOpts)
	},
}

func init() {
	f := summaryCmd.Flags()
	f.StringVar(&summaryOpts.fromLog, "from-log", "", "rebuild the summary from a durable trace log")
	f.StringVar(&summaryOpts.fromDB, "from-db", "", "rebuild the summary from a SQLite event store")
	f.StringVar(&summaryOpts.session, "session", "", "session id to read from --from-db (default: all)")
	f.StringVarP(&summaryOpts.output, "output", "o", "", "write the summary to this file")
	f.StringVar(&summaryOpts.format, "format", "", "output format: json or msgpack (default: from -o extension)")
	f.IntVar(&summaryOpts.topN, "top", stats.DefaultTopN, "ranking size when rebuilding statistics")
	f.IntVar(&summaryOpts.limit, "limit", 10, "rows per printed table")
	f.BoolVar(&summaryOpts.noColor, "no-color", false, "disable colored output")
	f.BoolVar(&summaryOpts.files, "files", false, "also print every executed file")
	f.BoolVarP(&summaryOpts.quiet, "quiet", "q", false, "do not print the summary")
	f.IntVar(&summaryOpts.maxLine, "max-line", 1<<20, "longest log line accepted by --from-log, in bytes")
}

func summaryCommand(w io.Writer, args []string, opts summaryOptions) error {
	sources := 0
	if len(args) == 1 {
		sources++
	}
	if opts.fromLog != "" {
		sources++
	}
	if opts.fromDB != "" {
		sources++
	}
	if sources != 1 {
		return errors.New("exactly one of a summary file, --from-log or --from-db is required")
	}

	var (
		doc *summary.Document
		err error
	)
	switch {
	case opts.fromLog != "":
		doc, err = summaryFromLog(opts.fromLog, opts.topN, opts.maxLine)
	case opts.fromDB != "":
		doc, err = summaryFromDB(opts.fromDB, opts.session, opts.topN)
	default:
		doc, err = summary.Read(args[0])
	}
	if err != nil {
		return err
	}

	if opts.output != "" {
		format := summary.FormatForPath(opts.output)
		if opts.format != "" {
			if format, err = summary.ParseFormat(opts.format); err != nil {
				return err
			}
		}
		if err := summary.Write(opts.output, doc, format); err != nil {
			return err
		}
		log.WithField("path", opts.output).Info("summary written")
	}

	if !opts.quiet {
		summary.Print(w, doc, summary.PrintOptions{
			Limit:   opts.limit,
			NoColor: opts.noColor,
			Files:   opts.files,
		})
	}
	return nil
}

// summaryFromLog rebuilds a summary from a durable log. The log carries
// basenames only, so file statistics are keyed by basename. Malformed lines
// are skipped with a warning.
func summaryFromLog(path string, topN, maxLine int) (*summary.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open trace log")
	}
	defer f.Close()

	var (
		events    []event.Event
		start     time.Time
		malformed int
	)

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "====") {
			continue
		}
		if t, ok := parseBanner(line); ok {
			start = t
			continue
		}

		e, err := event.ParseLine(line)
		if err != nil {
			malformed++
			log.WithError(err).Debug("skipping log line")
			continue
		}
		if !start.IsZero() {
			e.Time = start.Add(time.Duration(e.Timestamp * float64(time.Second)))
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read trace log")
	}
	if malformed > 0 {
		log.WithFields(logrus.Fields{"path": path, "lines": malformed}).Warn("skipped malformed log lines")
	}

	info := summary.ExecutionInfo{StartTime: start}
	if n := len(events); n > 0 && !start.IsZero() {
		info.EndTime = events[n-1].Time
	}
	if malformed > 0 {
		info.InternalErrors = map[string]int64{"io": int64(malformed)}
	}

	doc := summary.Build(info, events, stats.Aggregate(events, topN))
	return &doc, nil
}

// parseBanner extracts the start time from the log header line.
func parseBanner(line string) (time.Time, bool) {
	const prefix = "Execution trace started - "
	if !strings.HasPrefix(line, prefix) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("2006-01-02 15:04:05.000000", strings.TrimPrefix(line, prefix), time.Local)
	if err != nil {
		return time.Time{}, true
	}
	return t, true
}

func summaryFromDB(path, sessionID string, topN int) (*summary.Document, error) {
	events, err := store.ReadEvents(path, sessionID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, errors.Errorf("no events in %s for session %q", path, sessionID)
	}

	info := summary.ExecutionInfo{
		SessionID: sessionID,
		StartTime: events[0].Time,
		EndTime:   events[len(events)-1].Time,
	}
	doc := summary.Build(info, events, stats.Aggregate(events, topN))
	return &doc, nil
}
