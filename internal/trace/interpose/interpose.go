// Package interpose traces individual functions without probes.
//
// Wrap replaces a function with a same-signature wrapper built with
// reflect.MakeFunc. The wrapper reports a CALL with the arguments, calls
// the original and reports a RETURN with the results. If the original
// panics, the wrapper reports an EXCEPTION and panics again with the
// identical value, so callers observe exactly what they would without
// tracing.
//
// Wrapping is idempotent: wrapping a wrapper returns it unchanged.
package interpose

import (
	"reflect"
	"sync"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/kolkov/exectrace/internal/trace/session"
)

// wrappers records the closures created by this package.
var wrappers sync.Map // unsafe.Pointer → struct{}

// Wrap returns a traced replacement for fn. fn must be a function; any
// other value, and a nil function, is returned unchanged.
func Wrap[F any](h session.Handler, fn F) F {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return fn
	}
	w, _ := wrapValue(h, v)
	return w.Interface().(F)
}

// IsWrapped reports whether fn was returned by Wrap or installed by
// WrapAll.
func IsWrapped(fn any) bool {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return false
	}
	_, ok := wrappers.Load(closureOf(v))
	return ok
}

// wrapValue wraps the function v. It reports false when v already is a
// wrapper.
func wrapValue(h session.Handler, v reflect.Value) (reflect.Value, bool) {
	if _, ok := wrappers.Load(closureOf(v)); ok {
		return v, false
	}
	// Detach from a struct field so installing w there cannot make the
	// wrapper call itself.
	v = reflect.ValueOf(v.Interface())

	loc, located := session.FuncLocation(v.Pointer())
	variadic := v.Type().IsVariadic()

	w := reflect.MakeFunc(v.Type(), func(in []reflect.Value) []reflect.Value {
		var act *session.Activation
		if located && h != nil {
			act = h.HandleCall(loc, interfaces(in))
		}
		return invoke(act, v, in, variadic)
	})
	wrappers.Store(closureOf(w), struct{}{})
	return w, true
}

func invoke(act *session.Activation, fn reflect.Value, in []reflect.Value, variadic bool) (out []reflect.Value) {
	if act == nil {
		return call(fn, in, variadic)
	}

	done := false
	defer func() {
		if done {
			return
		}
		// Exit panics again with p; a nil p means runtime.Goexit.
		act.Exit(recover())
	}()

	out = call(fn, in, variadic)
	done = true
	act.Exit(nil, interfaces(out)...)
	return out
}

func call(fn reflect.Value, in []reflect.Value, variadic bool) []reflect.Value {
	if variadic {
		return fn.CallSlice(in)
	}
	return fn.Call(in)
}

func interfaces(vs []reflect.Value) []any {
	if len(vs) == 0 {
		return nil
	}
	out := make([]any, len(vs))
	for i, v := range vs {
		if v.CanInterface() {
			out[i] = v.Interface()
		}
	}
	return out
}

// closureOf returns the closure pointer held by the func value v. Unlike
// v.Pointer, it tells apart wrappers that share reflect's code pointer.
func closureOf(v reflect.Value) unsafe.Pointer {
	p := reflect.New(v.Type())
	p.Elem().Set(v)
	return *(*unsafe.Pointer)(p.UnsafePointer())
}

// Traceable owns an original function and its traced replacement, which
// has the same signature.
type Traceable[F any] struct {
	original F
	wrapped  F
}

// NewTraceable wraps fn.
func NewTraceable[F any](h session.Handler, fn F) *Traceable[F] {
	return &Traceable[F]{original: fn, wrapped: Wrap(h, fn)}
}

// Func returns the traced function.
func (t *Traceable[F]) Func() F { return t.wrapped }

// Original returns the untraced function.
func (t *Traceable[F]) Original() F { return t.original }

// WrapAll wraps every exported, non-nil function field of the struct ptr
// points to, in place. Fields already holding a wrapper are skipped, so
// calling WrapAll again is a no-op. It returns the number of fields
// wrapped by this call.
//
// Go methods cannot be replaced at run time; a struct of function fields
// is the member table that can.
func WrapAll(h session.Handler, ptr any) (int, error) {
	v := reflect.ValueOf(ptr)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return 0, errors.Errorf("interpose: WrapAll needs a non-nil pointer to a struct, got %T", ptr)
	}

	s := v.Elem()
	t := s.Type()
	n := 0
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		f := s.Field(i)
		if !sf.IsExported() || f.Kind() != reflect.Func || f.IsNil() || !f.CanSet() {
			continue
		}
		w, wrapped := wrapValue(h, f)
		if !wrapped {
			continue
		}
		f.Set(w)
		n++
	}
	return n, nil
}
