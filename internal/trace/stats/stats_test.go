package stats

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kolkov/exectrace/internal/trace/event"
)

func lineAt(file string, line int) event.Event {
	return event.Event{Kind: event.Line, File: file, Function: "f", Line: line, WorkerID: 1}
}

func callOf(file, function string) event.Event {
	return event.Event{Kind: event.Call, File: file, Function: function, Line: 1, WorkerID: 1}
}

var _ = Describe("Aggregate", func() {
	const fileA = "/src/fileA.go"

	It("should rank lines and functions", func() {
		events := []event.Event{
			lineAt(fileA, 10), lineAt(fileA, 11), lineAt(fileA, 10), lineAt(fileA, 10),
			callOf(fileA, "f"), callOf(fileA, "f"),
		}

		s := Aggregate(events, 0)

		Expect(s.MostExecutedLines).To(HaveLen(2))
		Expect(s.MostExecutedLines[0].File).To(Equal(fileA))
		Expect(s.MostExecutedLines[0].Line).To(Equal(10))
		Expect(s.MostExecutedLines[0].Count).To(Equal(3))
		Expect(s.MostExecutedLines[0].Location).To(Equal("fileA.go:10"))
		Expect(s.MostExecutedLines[1].Count).To(Equal(1))

		Expect(s.MostCalledFunctions).To(HaveLen(1))
		Expect(s.MostCalledFunctions[0].Function).To(Equal("f"))
		Expect(s.MostCalledFunctions[0].Count).To(Equal(2))
		Expect(s.FunctionCalls).To(HaveKeyWithValue("fileA.go:f", 2))
		Expect(s.Calls(":f")).To(Equal(2))
	})

	It("should count kinds and exclude markers", func() {
		events := []event.Event{
			{Kind: event.TraceStart, File: "/tracer/x.go", Function: "main", Line: 1},
			callOf(fileA, "f"),
			lineAt(fileA, 2),
			{Kind: event.Exception, File: fileA, Function: "f", Line: 2, Arg: event.StringPtr("boom")},
			{Kind: event.Return, File: fileA, Function: "f", Line: 2},
			{Kind: event.TraceStop, File: "/tracer/x.go", Function: "main", Line: 9},
		}

		s := Aggregate(events, 0)

		Expect(s.TotalEvents).To(Equal(6))
		Expect(s.TotalMarkers).To(Equal(2))
		Expect(s.TotalCalls).To(Equal(1))
		Expect(s.TotalLines).To(Equal(1))
		Expect(s.TotalReturns).To(Equal(1))
		Expect(s.TotalExceptions).To(Equal(1))
		Expect(s.Errors).To(Equal([]string{"boom"}))
		Expect(s.FilesExecuted).To(Equal([]string{fileA}))
		Expect(s.FunctionsCalled).To(Equal([]string{fileA + ":f"}))
	})

	It("should break ties by first-seen order", func() {
		events := []event.Event{
			callOf(fileA, "c"), callOf(fileA, "a"), callOf(fileA, "b"),
			callOf(fileA, "b"), callOf(fileA, "a"), callOf(fileA, "c"),
		}

		s := Aggregate(events, 0)

		names := []string{}
		for _, fc := range s.MostCalledFunctions {
			names = append(names, fc.Function)
		}
		Expect(names).To(Equal([]string{"c", "a", "b"}))
	})

	It("should keep only the top N", func() {
		var events []event.Event
		for i := 1; i <= 30; i++ {
			for j := 0; j < i; j++ {
				events = append(events, lineAt(fileA, i))
			}
		}

		s := Aggregate(events, 0)
		Expect(s.MostExecutedLines).To(HaveLen(DefaultTopN))
		Expect(s.MostExecutedLines[0].Line).To(Equal(30))

		s = Aggregate(events, 5)
		Expect(s.MostExecutedLines).To(HaveLen(5))
		Expect(s.MostExecutedLines[4].Line).To(Equal(26))
	})

	It("should not mutate its input and be re-runnable", func() {
		events := []event.Event{lineAt(fileA, 1), callOf(fileA, "f")}
		before := append([]event.Event(nil), events...)

		first := Aggregate(events, 0)
		second := Aggregate(events, 0)

		Expect(events).To(Equal(before))
		Expect(second).To(Equal(first))
	})

	It("should produce empty, non-nil collections for no events", func() {
		s := Aggregate(nil, 0)

		Expect(s.TotalEvents).To(BeZero())
		Expect(s.FilesExecuted).NotTo(BeNil())
		Expect(s.FunctionCalls).To(BeEmpty())
		Expect(s.MostExecutedLines).To(BeEmpty())
	})
})
