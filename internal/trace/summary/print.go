package summary

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

// DefaultPrintLimit is the number of ranked rows printed per table.
const DefaultPrintLimit = 10

// PrintOptions control Print.
type PrintOptions struct {
	// Limit caps each ranked table. Zero selects DefaultPrintLimit.
	Limit int

	// NoColor disables ANSI colors.
	NoColor bool

	// Files lists every executed file after the tables.
	Files bool
}

// Print writes the human-readable summary of doc to w.
func Print(w io.Writer, doc *Document, opts PrintOptions) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultPrintLimit
	}

	title := color.New(color.FgCyan, color.Bold)
	label := color.New(color.Bold)
	warn := color.New(color.FgYellow)
	if opts.NoColor {
		title.DisableColor()
		label.DisableColor()
		warn.DisableColor()
	}

	info := doc.ExecutionInfo
	st := doc.Statistics
	rule := strings.Repeat("=", 100)

	fmt.Fprintln(w)
	fmt.Fprintln(w, rule)
	title.Fprintln(w, "Execution trace summary")
	fmt.Fprintln(w, rule)

	row := func(name, value string) {
		label.Fprintf(w, "%-22s", name+":")
		fmt.Fprintln(w, value)
	}
	if info.SessionID != "" {
		row("Session", info.SessionID)
	}
	row("Duration", strconv.FormatFloat(info.Duration, 'f', 6, 64)+" s")
	row("Total events", humanize.Comma(int64(info.TotalEvents)))
	if info.DroppedEvents > 0 {
		warn.Fprintf(w, "%-22s%s\n", "Dropped events:", humanize.Comma(info.DroppedEvents))
	}
	row("Files executed", humanize.Comma(int64(len(st.FilesExecuted))))
	row("Functions called", humanize.Comma(int64(len(st.FunctionsCalled))))
	row("Lines executed", humanize.Comma(int64(st.TotalLines)))
	row("Calls", humanize.Comma(int64(st.TotalCalls)))
	row("Returns", humanize.Comma(int64(st.TotalReturns)))
	row("Exceptions", humanize.Comma(int64(st.TotalExceptions)))
	if p := info.Process; p != nil {
		row("Process", fmt.Sprintf("pid %d, rss %s, cpu %.3f s", p.PID, humanize.Bytes(p.RSSBytes), p.CPUSeconds))
	}
	var internal int64
	for _, n := range info.InternalErrors {
		internal += n
	}
	if internal > 0 {
		warn.Fprintf(w, "%-22s%s\n", "Internal errors:", humanize.Comma(internal))
	}

	if len(st.MostExecutedLines) > 0 {
		fmt.Fprintln(w)
		title.Fprintln(w, "Most executed lines")
		t := newTable(w, "#", "Line", "Count")
		for i, lc := range st.MostExecutedLines {
			if i == limit {
				break
			}
			t.Append([]string{strconv.Itoa(i + 1), lc.Location, humanize.Comma(int64(lc.Count))})
		}
		t.Render()
	}

	if len(st.MostCalledFunctions) > 0 {
		fmt.Fprintln(w)
		title.Fprintln(w, "Most called functions")
		t := newTable(w, "#", "Function", "Calls")
		for i, fc := range st.MostCalledFunctions {
			if i == limit {
				break
			}
			t.Append([]string{strconv.Itoa(i + 1), fc.Location, humanize.Comma(int64(fc.Count))})
		}
		t.Render()
	}

	if len(st.Errors) > 0 {
		fmt.Fprintln(w)
		title.Fprintf(w, "Exceptions (%d)\n", len(st.Errors))
		for i, msg := range st.Errors {
			if i == limit {
				fmt.Fprintf(w, "  ... %d more\n", len(st.Errors)-limit)
				break
			}
			fmt.Fprintf(w, "  %s\n", msg)
		}
	}

	if opts.Files && len(st.FilesExecuted) > 0 {
		fmt.Fprintln(w)
		title.Fprintln(w, "Files executed")
		for _, f := range st.FilesExecuted {
			fmt.Fprintf(w, "  %s\n", f)
		}
	}
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetAutoWrapText(false)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetBorder(false)
	return t
}
