// Package summary builds, stores and prints the final report of a session.
//
// The report combines run metadata, the full buffered event list and the
// aggregate statistics:
//
//	{
//	  "execution_info": {"session_id", "start_time", "end_time", "duration",
//	                     "total_events", "dropped_events", "internal_errors",
//	                     "process"},
//	  "trace_data": [Event...],
//	  "statistics": Stats
//	}
//
// trace_data holds every buffered event without truncation. With a bounded
// buffer, the evicted events are only counted in dropped_events.
package summary

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/kolkov/exectrace/internal/trace/event"
	"github.com/kolkov/exectrace/internal/trace/stats"
)

// ExecutionInfo is the run metadata of a session.
type ExecutionInfo struct {
	SessionID string    `json:"session_id" msgpack:"session_id"`
	StartTime time.Time `json:"start_time" msgpack:"start_time"`
	EndTime   time.Time `json:"end_time" msgpack:"end_time"`

	// Duration is EndTime - StartTime in seconds.
	Duration float64 `json:"duration" msgpack:"duration"`

	// TotalEvents counts every recorded event, including dropped ones.
	TotalEvents   int   `json:"total_events" msgpack:"total_events"`
	DroppedEvents int64 `json:"dropped_events" msgpack:"dropped_events"`

	// InternalErrors maps error channel to count.
	InternalErrors map[string]int64 `json:"internal_errors" msgpack:"internal_errors"`

	Process *Process `json:"process,omitempty" msgpack:"process,omitempty"`
}

// Process describes the traced process at the end of the session.
type Process struct {
	PID        int32   `json:"pid" msgpack:"pid"`
	Name       string  `json:"name,omitempty" msgpack:"name,omitempty"`
	RSSBytes   uint64  `json:"rss_bytes" msgpack:"rss_bytes"`
	CPUSeconds float64 `json:"cpu_seconds" msgpack:"cpu_seconds"`
}

// Document is the serialized summary.
type Document struct {
	ExecutionInfo ExecutionInfo `json:"execution_info" msgpack:"execution_info"`
	TraceData     []event.Event `json:"trace_data" msgpack:"trace_data"`
	Statistics    stats.Stats   `json:"statistics" msgpack:"statistics"`
}

// Build assembles a Document. Duration and TotalEvents are derived from
// info's times, the events and info.DroppedEvents.
func Build(info ExecutionInfo, events []event.Event, st stats.Stats) Document {
	if !info.EndTime.IsZero() {
		info.Duration = info.EndTime.Sub(info.StartTime).Seconds()
	}
	info.TotalEvents = len(events) + int(info.DroppedEvents)
	if info.InternalErrors == nil {
		info.InternalErrors = map[string]int64{}
	}
	if events == nil {
		events = []event.Event{}
	}

	return Document{
		ExecutionInfo: info,
		TraceData:     events,
		Statistics:    st,
	}
}

// CurrentProcess samples the running process. Fields that cannot be read
// are left zero; a nil result means the process could not be inspected.
func CurrentProcess() *Process {
	pid := int32(os.Getpid())
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}

	info := &Process{PID: pid}
	if name, err := p.Name(); err == nil {
		info.Name = name
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		info.RSSBytes = mem.RSS
	}
	if t, err := p.Times(); err == nil && t != nil {
		info.CPUSeconds = t.User + t.System
	}
	return info
}
