// Package render turns traced payloads into log-safe text.
//
// Rendering user values runs user code (String, Error, GoString methods),
// which may panic or misbehave. Value never lets that escape: it walks a
// fallback chain and always produces some text.
//
//  1. Direct conversion: Error()/String() or fmt's %v.
//  2. Alternate conversion: fmt's %#v.
//  3. Placeholder: "<unrenderable T>".
//
// A step fails when it panics or when fmt reports a recovered panic in its
// output ("%!v(PANIC=...)").
package render

import (
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultMaxLength caps a rendered payload. Zero disables the cap.
	DefaultMaxLength = 200

	ellipsis = "..."
)

// Failure describes a value that needed the fallback chain.
type Failure struct {
	Type  string
	Cause any
}

func (f *Failure) Error() string {
	return fmt.Sprintf("render %s: %v", f.Type, f.Cause)
}

// Renderer renders values with a length cap. The zero value renders without
// a cap and ignores failures.
type Renderer struct {
	// MaxLength truncates output longer than this many bytes.
	MaxLength int

	// OnFailure, if set, is called once per failed conversion step.
	OnFailure func(*Failure)
}

// Value renders a single value.
func (r *Renderer) Value(v any) string {
	return r.truncate(r.value(v))
}

// Tuple renders a list of values as a parenthesized, comma separated tuple,
// e.g. "(2, 3)". An empty list renders as "()".
func (r *Renderer) Tuple(vs []any) string {
	var b strings.Builder
	b.WriteByte('(')
	for i, v := range vs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(r.value(v))
	}
	b.WriteByte(')')
	return r.truncate(b.String())
}

// Results renders function results: nothing for no results, the bare value
// for one result, a tuple otherwise.
func (r *Renderer) Results(vs []any) string {
	switch len(vs) {
	case 0:
		return ""
	case 1:
		return r.Value(vs[0])
	default:
		return r.Tuple(vs)
	}
}

func (r *Renderer) value(v any) string {
	if s, ok := r.direct(v); ok {
		return s
	}
	if s, ok := r.alternate(v); ok {
		return s
	}
	return fmt.Sprintf("<unrenderable %s>", typeName(v))
}

func (r *Renderer) direct(v any) (s string, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.fail(v, p)
			s, ok = "", false
		}
	}()

	switch x := v.(type) {
	case nil:
		return "<nil>", true
	case string:
		return x, true
	case error:
		s = x.Error()
	case fmt.Stringer:
		s = x.String()
	default:
		s = fmt.Sprint(v)
	}
	if strings.Contains(s, "(PANIC=") {
		r.fail(v, s)
		return "", false
	}
	return s, true
}

func (r *Renderer) alternate(v any) (s string, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.fail(v, p)
			s, ok = "", false
		}
	}()

	s = fmt.Sprintf("%#v", v)
	if strings.Contains(s, "(PANIC=") {
		r.fail(v, s)
		return "", false
	}
	return s, true
}

func (r *Renderer) fail(v any, cause any) {
	if r.OnFailure != nil {
		r.OnFailure(&Failure{Type: typeName(v), Cause: cause})
	}
}

func (r *Renderer) truncate(s string) string {
	if r.MaxLength <= 0 || len(s) <= r.MaxLength {
		return s
	}
	cut := r.MaxLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}
