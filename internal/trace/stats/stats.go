// Package stats derives aggregate statistics from a trace event buffer.
//
// Aggregate is a pure function: it never mutates its input and can be
// re-run at any time (the live monitor calls it on every request). Session
// markers (TRACE_START, TRACE_STOP) describe the tracer, not the program,
// and are left out of every aggregate except the marker count.
package stats

import (
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/kolkov/exectrace/internal/trace/event"
)

// DefaultTopN is the number of ranked lines and functions retained.
const DefaultTopN = 20

// LineCount is the number of LINE events at one source line.
type LineCount struct {
	Location string `json:"location" msgpack:"location"`
	File     string `json:"file" msgpack:"file"`
	Line     int    `json:"line" msgpack:"line"`
	Count    int    `json:"count" msgpack:"count"`
}

// FunctionCount is the number of CALL events of one function.
type FunctionCount struct {
	Location string `json:"location" msgpack:"location"`
	File     string `json:"file" msgpack:"file"`
	Function string `json:"function" msgpack:"function"`
	Count    int    `json:"count" msgpack:"count"`
}

// Stats is the aggregate view of a session.
type Stats struct {
	TotalEvents     int `json:"total_events" msgpack:"total_events"`
	TotalLines      int `json:"total_lines_executed" msgpack:"total_lines_executed"`
	TotalCalls      int `json:"total_calls" msgpack:"total_calls"`
	TotalReturns    int `json:"total_returns" msgpack:"total_returns"`
	TotalExceptions int `json:"total_exceptions" msgpack:"total_exceptions"`
	TotalMarkers    int `json:"total_markers" msgpack:"total_markers"`

	// FilesExecuted and FunctionsCalled are distinct, in first-seen order.
	// Functions are keyed "<path>:<function>".
	FilesExecuted   []string `json:"files_executed" msgpack:"files_executed"`
	FunctionsCalled []string `json:"functions_called" msgpack:"functions_called"`
	Workers         []int64  `json:"workers" msgpack:"workers"`

	MostExecutedLines   []LineCount     `json:"most_executed_lines" msgpack:"most_executed_lines"`
	MostCalledFunctions []FunctionCount `json:"most_called_functions" msgpack:"most_called_functions"`

	// FunctionCalls counts every called function, keyed
	// "<basename>:<function>".
	FunctionCalls map[string]int `json:"function_calls" msgpack:"function_calls"`

	// Errors lists EXCEPTION payloads in event order.
	Errors []string `json:"errors" msgpack:"errors"`
}

type lineKey struct {
	file string
	line int
}

type funcKey struct {
	file     string
	function string
}

// Aggregate summarizes events. topN <= 0 selects DefaultTopN.
//
// Rankings are by descending count; ties keep first-seen order.
func Aggregate(events []event.Event, topN int) Stats {
	if topN <= 0 {
		topN = DefaultTopN
	}

	s := Stats{
		TotalEvents:     len(events),
		FilesExecuted:   []string{},
		FunctionsCalled: []string{},
		Workers:         []int64{},
		FunctionCalls:   make(map[string]int),
		Errors:          []string{},
	}

	var (
		lineOrder []lineKey
		lineCount = make(map[lineKey]int)
		funcOrder []funcKey
		funcCount = make(map[funcKey]int)
		files     = make(map[string]bool)
		functions = make(map[string]bool)
		workers   = make(map[int64]bool)
	)

	for _, e := range events {
		if e.Kind.IsMarker() {
			s.TotalMarkers++
			continue
		}

		if !files[e.File] {
			files[e.File] = true
			s.FilesExecuted = append(s.FilesExecuted, e.File)
		}
		if fk := e.File + ":" + e.Function; !functions[fk] {
			functions[fk] = true
			s.FunctionsCalled = append(s.FunctionsCalled, fk)
		}
		if !workers[e.WorkerID] {
			workers[e.WorkerID] = true
			s.Workers = append(s.Workers, e.WorkerID)
		}

		switch e.Kind {
		case event.Line:
			s.TotalLines++
			k := lineKey{e.File, e.Line}
			if _, ok := lineCount[k]; !ok {
				lineOrder = append(lineOrder, k)
			}
			lineCount[k]++

		case event.Call:
			s.TotalCalls++
			k := funcKey{e.File, e.Function}
			if _, ok := funcCount[k]; !ok {
				funcOrder = append(funcOrder, k)
			}
			funcCount[k]++
			s.FunctionCalls[event.Basename(e.File)+":"+e.Function]++

		case event.Return:
			s.TotalReturns++

		case event.Exception:
			s.TotalExceptions++
			s.Errors = append(s.Errors, e.ArgString())
		}
	}

	s.MostExecutedLines = lo.Map(topKeys(lineOrder, lineCount, topN), func(k lineKey, _ int) LineCount {
		return LineCount{
			Location: event.Basename(k.file) + ":" + strconv.Itoa(k.line),
			File:     k.file,
			Line:     k.line,
			Count:    lineCount[k],
		}
	})
	s.MostCalledFunctions = lo.Map(topKeys(funcOrder, funcCount, topN), func(k funcKey, _ int) FunctionCount {
		return FunctionCount{
			Location: event.Basename(k.file) + ":" + k.function,
			File:     k.file,
			Function: k.function,
			Count:    funcCount[k],
		}
	})

	return s
}

// topKeys ranks order by count, descending and stable, and keeps n.
func topKeys[K comparable](order []K, counts map[K]int, n int) []K {
	ranked := append([]K(nil), order...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return counts[ranked[i]] > counts[ranked[j]]
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// Calls returns the CALL count of the function whose FunctionCalls key ends
// with suffix, summed over every match.
func (s Stats) Calls(suffix string) int {
	return lo.Sum(lo.MapToSlice(s.FunctionCalls, func(k string, v int) int {
		if strings.HasSuffix(k, suffix) {
			return v
		}
		return 0
	}))
}
