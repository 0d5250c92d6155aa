// Package filter decides whether an activation is in scope for tracing.
//
// A Rule is evaluated once per CALL notice; the verdict is cached by the
// caller for the lifetime of the activation, so LINE and RETURN notices
// never re-run the filter. Evaluation order:
//
//  1. Reject notices without a concrete source location.
//  2. Reject the tracer's own source files (unconditional).
//  3. Reject paths matching an exclude pattern.
//  4. If an include allow-list exists, accept only matching paths.
//
// Patterns are path substrings. A pattern containing glob metacharacters
// (* ? [ {) is compiled as a glob with '/' as the separator, so "*" does not
// cross directories and "**" does.
package filter

import (
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Verdict is the outcome of evaluating a Rule.
type Verdict int

// Verdicts. Only Accept lets an activation through.
const (
	Accept Verdict = iota
	RejectNoLocation
	RejectSelf
	RejectExcluded
	RejectNotIncluded
)

var verdictNames = [...]string{
	Accept:            "accept",
	RejectNoLocation:  "no-location",
	RejectSelf:        "self",
	RejectExcluded:    "excluded",
	RejectNotIncluded: "not-included",
}

func (v Verdict) String() string {
	if int(v) < len(verdictNames) {
		return verdictNames[v]
	}
	return "unknown"
}

// Accepted reports whether the activation should be traced.
func (v Verdict) Accepted() bool {
	return v == Accept
}

// Rule holds the configured exclude and include patterns.
// A Rule is safe for concurrent use.
type Rule struct {
	exclude []matcher
	include []matcher

	// verdicts caches the verdict per source file; every input to
	// Evaluate except the file is derived from it.
	verdicts sync.Map // string -> Verdict
}

// NewRule compiles exclude and include patterns. Empty and invalid patterns
// are dropped with a warning; if every include pattern is dropped, the
// allow-list is treated as absent.
func NewRule(exclude, include []string, log logrus.FieldLogger) *Rule {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Rule{
		exclude: compile(exclude, "exclude", log),
		include: compile(include, "include", log),
	}
}

// HasAllowList reports whether an include allow-list is active.
func (r *Rule) HasAllowList() bool {
	return len(r.include) > 0
}

// Evaluate classifies the activation located at file:line in function.
func (r *Rule) Evaluate(file, function string, line int) Verdict {
	if !HasLocation(file, line) {
		return RejectNoLocation
	}
	if IsSelf(file, function) {
		return RejectSelf
	}

	if v, ok := r.verdicts.Load(file); ok {
		return v.(Verdict)
	}
	v := r.evaluatePatterns(filepath.ToSlash(file))
	r.verdicts.Store(file, v)
	return v
}

func (r *Rule) evaluatePatterns(path string) Verdict {
	for _, m := range r.exclude {
		if m.match(path) {
			return RejectExcluded
		}
	}

	if len(r.include) == 0 {
		return Accept
	}
	for _, m := range r.include {
		if m.match(path) {
			return Accept
		}
	}
	return RejectNotIncluded
}

// HasLocation reports whether file:line is a concrete source location.
func HasLocation(file string, line int) bool {
	return file != "" && line > 0 && !strings.HasPrefix(file, "<")
}

type matcher struct {
	raw  string
	glob glob.Glob
}

func (m matcher) match(path string) bool {
	if m.glob != nil {
		return m.glob.Match(path)
	}
	return strings.Contains(path, m.raw)
}

func compile(patterns []string, kind string, log logrus.FieldLogger) []matcher {
	var out []matcher
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			log.WithField("kind", kind).Debug("ignoring empty filter pattern")
			continue
		}
		p = filepath.ToSlash(p)

		if !strings.ContainsAny(p, "*?[{") {
			out = append(out, matcher{raw: p})
			continue
		}

		g, err := compileGlob(p)
		if err != nil {
			log.WithFields(logrus.Fields{
				"kind":    kind,
				"pattern": p,
			}).WithError(err).Warn("ignoring invalid filter pattern")
			continue
		}
		out = append(out, matcher{raw: p, glob: g})
	}
	return out
}

// compileGlob compiles p with '/' as separator. gobwas/glob accepts some
// malformed patterns, such as "{bad", and compiles them to matchers that
// never match, so brackets are checked first.
func compileGlob(p string) (glob.Glob, error) {
	if err := checkBrackets(p); err != nil {
		return nil, err
	}
	return glob.Compile(p, '/')
}

// checkBrackets reports unbalanced [] and {} in p. Character classes do
// not nest, and a backslash escapes the next rune.
func checkBrackets(p string) error {
	var (
		braces  int
		inClass bool
	)
	for i := 0; i < len(p); i++ {
		switch c := p[i]; {
		case c == '\\':
			i++
		case inClass:
			if c == ']' {
				inClass = false
			}
		case c == '[':
			inClass = true
		case c == ']':
			return errors.Errorf("unexpected ']' at offset %d", i)
		case c == '{':
			braces++
		case c == '}':
			if braces == 0 {
				return errors.Errorf("unexpected '}' at offset %d", i)
			}
			braces--
		}
	}
	switch {
	case inClass:
		return errors.New("unclosed '['")
	case braces > 0:
		return errors.New("unclosed '{'")
	}
	return nil
}

// Self identification. The tracer's own packages are located relative to
// this file, so the check survives module renames, vendoring and
// -trimpath builds.
var (
	selfFuncPrefixes []string
	selfDirPrefixes  []string
)

func init() {
	pc, file, _, ok := runtime.Caller(0)
	if !ok {
		return
	}

	// file: <root>/internal/trace/filter/filter.go
	root := filepath.ToSlash(filepath.Dir(filepath.Dir(filepath.Dir(filepath.Dir(file)))))
	selfDirPrefixes = []string{
		root + "/internal/trace/",
		root + "/trace/",
	}

	// name: <module>/internal/trace/filter.init.0 or similar
	if fn := runtime.FuncForPC(pc); fn != nil {
		name := fn.Name()
		if i := strings.Index(name, "/internal/trace/filter."); i >= 0 {
			module := name[:i]
			selfFuncPrefixes = []string{
				module + "/internal/trace/",
				module + "/trace.",
			}
		}
	}
}

// IsSelf reports whether the location belongs to the tracer itself.
// Test files of the tracer packages are not considered part of the tracer.
// This check is not configurable.
func IsSelf(file, function string) bool {
	if strings.HasSuffix(file, "_test.go") {
		return false
	}

	for _, p := range selfFuncPrefixes {
		if strings.HasPrefix(function, p) {
			return true
		}
	}

	file = filepath.ToSlash(file)
	for _, p := range selfDirPrefixes {
		if strings.HasPrefix(file, p) {
			return true
		}
	}
	return false
}
