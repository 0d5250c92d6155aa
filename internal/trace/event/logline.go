package event

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// IndentUnit is the per-depth indentation used in the durable log.
	IndentUnit = "  "

	bannerWidth = 100
	argOpen     = " (arg: "
	sourceSep   = " -> "
)

// Banner returns the header written at the top of a new durable log.
func Banner(start time.Time) string {
	return fmt.Sprintf("Execution trace started - %s\n%s\n\n",
		start.Format("2006-01-02 15:04:05.000000"), strings.Repeat("=", bannerWidth))
}

// FormatLine renders e as one durable log line, including the trailing
// newline. Control characters and backslashes in the source text and the
// payload are escaped, so every event occupies exactly one line. Field
// order is stable:
//
//	[<elapsed:6dp>] [<worker>] <indent>KIND: <basename>:<line> in <function>()[ -> <source>][ (arg: <value>)]
func FormatLine(e Event) string {
	var b strings.Builder
	b.Grow(96 + len(e.Source))

	b.WriteByte('[')
	b.WriteString(strconv.FormatFloat(e.Timestamp, 'f', 6, 64))
	b.WriteString("] [")
	b.WriteString(strconv.FormatInt(e.WorkerID, 10))
	b.WriteString("] ")
	for i := 0; i < e.Depth; i++ {
		b.WriteString(IndentUnit)
	}
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Basename())
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(e.Line))
	b.WriteString(" in ")
	b.WriteString(e.Function)
	b.WriteString("()")
	if e.Source != "" {
		b.WriteString(sourceSep)
		writeEscaped(&b, e.Source)
	}
	if e.Arg != nil {
		b.WriteString(argOpen)
		writeEscaped(&b, *e.Arg)
		b.WriteByte(')')
	}
	b.WriteByte('\n')

	return b.String()
}

// writeEscaped writes s so that it stays on one line: backslashes and
// control characters are escaped, everything else is written as is.
func writeEscaped(b *strings.Builder, s string) {
	if !needsEscape(s) {
		b.WriteString(s)
		return
	}
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\':
			b.WriteString(`\\`)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c == '\t':
			b.WriteString(`\t`)
		case c < 0x20 || c == 0x7f:
			fmt.Fprintf(b, `\x%02x`, c)
		default:
			b.WriteByte(c)
		}
	}
}

func needsEscape(s string) bool {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c < 0x20 || c == 0x7f || c == '\\' {
			return true
		}
	}
	return false
}

// unescape reverses writeEscaped. Unknown escapes are kept verbatim.
func unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		switch s[i+1] {
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'x':
			if i+3 < len(s) {
				if v, err := strconv.ParseUint(s[i+2:i+4], 16, 8); err == nil {
					b.WriteByte(byte(v))
					i += 3
					continue
				}
			}
			b.WriteString(s[i : i+2])
		default:
			b.WriteString(s[i : i+2])
		}
		i++
	}
	return b.String()
}

// MalformedLineError reports a durable log line that does not follow the
// FormatLine layout.
type MalformedLineError struct {
	Line   string
	Reason string
}

func (e *MalformedLineError) Error() string {
	return fmt.Sprintf("malformed trace line (%s): %q", e.Reason, e.Line)
}

// ParseLine parses a line produced by FormatLine back into an Event.
//
// The log only carries basenames, so File holds the basename. Wall-clock
// time and package are not recoverable and stay zero. When source text
// itself contains " (arg: ", the last occurrence is taken as the payload
// separator.
func ParseLine(line string) (Event, error) {
	line = strings.TrimRight(line, "\r\n")
	bad := func(reason string) (Event, error) {
		return Event{}, &MalformedLineError{Line: line, Reason: reason}
	}

	var e Event

	if !strings.HasPrefix(line, "[") {
		return bad("missing timestamp")
	}
	end := strings.Index(line, "] [")
	if end < 0 {
		return bad("missing worker")
	}
	ts, err := strconv.ParseFloat(line[1:end], 64)
	if err != nil {
		return bad("bad timestamp")
	}
	e.Timestamp = ts

	rest := line[end+3:]
	end = strings.Index(rest, "] ")
	if end < 0 {
		return bad("unterminated worker")
	}
	worker, err := strconv.ParseInt(rest[:end], 10, 64)
	if err != nil {
		return bad("bad worker")
	}
	e.WorkerID = worker

	rest = rest[end+2:]
	trimmed := strings.TrimLeft(rest, " ")
	e.Depth = (len(rest) - len(trimmed)) / len(IndentUnit)
	rest = trimmed

	end = strings.Index(rest, ": ")
	if end < 0 {
		return bad("missing kind")
	}
	e.Kind = Kind(rest[:end])
	if !e.Kind.Valid() {
		return bad("unknown kind")
	}
	rest = rest[end+2:]

	in := strings.Index(rest, " in ")
	if in < 0 {
		return bad("missing function")
	}
	loc := rest[:in]
	colon := strings.LastIndexByte(loc, ':')
	if colon < 0 {
		return bad("missing line number")
	}
	e.File = loc[:colon]
	if e.Line, err = strconv.Atoi(loc[colon+1:]); err != nil {
		return bad("bad line number")
	}
	rest = rest[in+4:]

	call := strings.Index(rest, "()")
	if call < 0 {
		return bad("unterminated function")
	}
	e.Function = rest[:call]
	rest = rest[call+2:]

	if strings.HasSuffix(rest, ")") {
		if i := strings.LastIndex(rest, argOpen); i >= 0 {
			e.Arg = StringPtr(unescape(rest[i+len(argOpen) : len(rest)-1]))
			rest = rest[:i]
		}
	}
	if strings.HasPrefix(rest, sourceSep) {
		e.Source = unescape(rest[len(sourceSep):])
	} else if rest != "" {
		return bad("unexpected trailer")
	}

	return e, nil
}
