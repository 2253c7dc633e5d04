// Package extractor finds observables (IPs, domains, URLs, hashes, mail
// addresses, ...) embedded anywhere in an analyzer's raw report.
package extractor

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// DefaultMaxDepth bounds how deep CheckIterable descends into nested values.
const DefaultMaxDepth = 64

// Observable is a classified value discovered in a report.
type Observable struct {
	DataType string `json:"dataType"`
	Data     string `json:"data"`
}

// Extractor classifies strings against a fixed set of observable patterns.
type Extractor struct {
	ignore   string
	maxDepth int
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMaxDepth overrides DefaultMaxDepth.
func WithMaxDepth(depth int) Option {
	return func(e *Extractor) {
		if depth > 0 {
			e.maxDepth = depth
		}
	}
}

// New returns an extractor that never reports values equal to ignore.
func New(ignore string, opts ...Option) *Extractor {
	e := &Extractor{ignore: ignore, maxDepth: DefaultMaxDepth}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CheckString returns the data type of s when s as a whole is a single
// observable, or "" otherwise.
func (e *Extractor) CheckString(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if dt := wholeString(s); dt != "" {
		return dt
	}
	found := scan(s)
	if len(found) == 1 && found[0].start == 0 && found[0].end == len(s) {
		return found[0].obs.DataType
	}
	return ""
}

// CheckIterable walks v and returns every observable found in its string
// leaves. Map keys are not scanned. Results are de-duplicated by
// (dataType, data), keep first-seen order, and are identical for identical
// input. The returned slice is never nil.
func (e *Extractor) CheckIterable(v interface{}) []Observable {
	w := &walker{
		e:      e,
		seen:   make(map[Observable]bool),
		onPath: make(map[pathKey]bool),
		out:    []Observable{},
	}
	w.walk(reflect.ValueOf(v), 0)
	return w.out
}

type pathKey struct {
	kind reflect.Kind
	ptr  uintptr
}

type walker struct {
	e      *Extractor
	seen   map[Observable]bool
	onPath map[pathKey]bool
	out    []Observable
}

func (w *walker) walk(v reflect.Value, depth int) {
	if !v.IsValid() || depth > w.e.maxDepth {
		return
	}

	switch v.Kind() {
	case reflect.Interface:
		if !v.IsNil() {
			w.walk(v.Elem(), depth)
		}

	case reflect.Ptr:
		if v.IsNil() {
			return
		}
		w.enter(v, func() { w.walk(v.Elem(), depth+1) })

	case reflect.Map:
		if v.IsNil() || v.Len() == 0 {
			return
		}
		w.enter(v, func() {
			keys := v.MapKeys()
			sort.Slice(keys, func(i, j int) bool {
				return fmt.Sprint(keys[i]) < fmt.Sprint(keys[j])
			})
			for _, k := range keys {
				w.walk(v.MapIndex(k), depth+1)
			}
		})

	case reflect.Slice:
		if v.IsNil() || v.Len() == 0 || v.Type().Elem().Kind() == reflect.Uint8 {
			return
		}
		w.enter(v, func() { w.each(v, depth) })

	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return
		}
		w.each(v, depth)

	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			w.walk(v.Field(i), depth+1)
		}

	case reflect.String:
		w.leaf(v.String())
	}
}

// enter runs fn unless v is already being visited higher up the path.
func (w *walker) enter(v reflect.Value, fn func()) {
	key := pathKey{kind: v.Kind(), ptr: v.Pointer()}
	if w.onPath[key] {
		return
	}
	w.onPath[key] = true
	fn()
	delete(w.onPath, key)
}

func (w *walker) each(v reflect.Value, depth int) {
	for i := 0; i < v.Len(); i++ {
		w.walk(v.Index(i), depth+1)
	}
}

func (w *walker) leaf(s string) {
	if s == "" || s == w.e.ignore {
		return
	}

	trimmed := strings.TrimSpace(s)
	if dt := wholeString(trimmed); dt != "" {
		w.add(Observable{DataType: dt, Data: trimmed})
		return
	}

	for _, m := range scan(s) {
		w.add(m.obs)
	}
}

func (w *walker) add(obs Observable) {
	if obs.Data == w.e.ignore || w.seen[obs] {
		return
	}
	w.seen[obs] = true
	w.out = append(w.out, obs)
}
