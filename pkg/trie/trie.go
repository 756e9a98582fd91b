// Package trie implements a segment trie that routes namespace paths to
// values. Namespaces are "/"-separated and patterns may carry two
// wildcards:
//
//   - "+" matches exactly one segment: "tenants/+" covers "tenants/acme"
//     but not "tenants/acme/dev"
//   - "#" matches all remaining segments and must close the pattern
//
// Lookup prefers exact segments over "+", and "+" over "#", with full
// backtracking, so the most specific registered pattern wins.
package trie

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidPattern is returned for patterns with "#" anywhere but the
// final segment.
var ErrInvalidPattern = errors.New("invalid pattern: # must be the last segment")

// Trie stores values of type T under namespace patterns. The zero value
// is not usable; construct with New.
type Trie[T any] struct {
	exact map[string]*Trie[T]
	one   *Trie[T] // "+"
	rest  *Trie[T] // "#"
	leaf  bool
	value T
}

// New creates an empty trie.
func New[T any]() *Trie[T] {
	return &Trie[T]{}
}

// segments splits a path on "/". A single trailing slash is
// insignificant; interior empty segments are real (they name a segment
// whose text is empty).
func segments(path string) []string {
	segs := strings.Split(path, "/")
	if n := len(segs); n > 0 && segs[n-1] == "" {
		segs = segs[:n-1]
	}
	return segs
}

// Set stores a value under the pattern. fn receives a pointer to the
// slot and whether a value was already present, so callers decide
// whether to overwrite, merge, or reject duplicates.
func (t *Trie[T]) Set(pattern string, fn func(ptr *T, existed bool) error) error {
	node := t
	segs := segments(pattern)
	for i, seg := range segs {
		switch seg {
		case "+":
			if node.one == nil {
				node.one = &Trie[T]{}
			}
			node = node.one
		case "#":
			if i != len(segs)-1 {
				return ErrInvalidPattern
			}
			if node.rest == nil {
				node.rest = &Trie[T]{}
			}
			node = node.rest
		default:
			if node.exact == nil {
				node.exact = make(map[string]*Trie[T])
			}
			child, ok := node.exact[seg]
			if !ok {
				child = &Trie[T]{}
				node.exact[seg] = child
			}
			node = child
		}
	}
	if err := fn(&node.value, node.leaf); err != nil {
		return err
	}
	node.leaf = true
	return nil
}

// SetValue stores a value under the pattern, overwriting any previous
// value.
func (t *Trie[T]) SetValue(pattern string, value T) error {
	return t.Set(pattern, func(ptr *T, _ bool) error {
		*ptr = value
		return nil
	})
}

// Match resolves a path to the best registered pattern. route is the
// winning pattern rendered with a leading slash per segment, which
// callers mostly use for diagnostics.
func (t *Trie[T]) Match(path string) (route string, value *T, ok bool) {
	return t.resolve("", segments(path))
}

// Get returns a pointer to the value the path resolves to.
func (t *Trie[T]) Get(path string) (*T, bool) {
	_, v, ok := t.Match(path)
	return v, ok
}

// GetValue returns the value the path resolves to, or the zero value.
func (t *Trie[T]) GetValue(path string) (T, bool) {
	v, ok := t.Get(path)
	if !ok {
		var zero T
		return zero, false
	}
	return *v, true
}

func (t *Trie[T]) resolve(matched string, segs []string) (string, *T, bool) {
	if len(segs) == 0 {
		return matched, &t.value, t.leaf
	}
	head, tail := segs[0], segs[1:]

	if child, ok := t.exact[head]; ok {
		if route, v, ok := child.resolve(matched+"/"+head, tail); ok {
			return route, v, true
		}
	}
	if t.one != nil {
		if route, v, ok := t.one.resolve(matched+"/+", tail); ok {
			return route, v, true
		}
	}
	if t.rest != nil {
		if route, v, ok := t.rest.resolve(matched+"/#", nil); ok {
			return route, v, true
		}
	}
	return "", nil, false
}

// Walk visits every node, set or not, in no particular order.
func (t *Trie[T]) Walk(fn func(pattern string, value T, set bool)) {
	t.walk("", fn)
}

func (t *Trie[T]) walk(pattern string, fn func(string, T, bool)) {
	fn(pattern, t.value, t.leaf)
	for seg, child := range t.exact {
		child.walk(join(pattern, seg), fn)
	}
	if t.one != nil {
		t.one.walk(join(pattern, "+"), fn)
	}
	if t.rest != nil {
		t.rest.walk(join(pattern, "#"), fn)
	}
}

func join(pattern, seg string) string {
	if pattern == "" {
		return seg
	}
	return pattern + "/" + seg
}

// Len counts the values stored in the trie.
func (t *Trie[T]) Len() int {
	n := 0
	t.Walk(func(_ string, _ T, set bool) {
		if set {
			n++
		}
	})
	return n
}

// String lists every stored pattern and value, sorted, one per line.
func (t *Trie[T]) String() string {
	var lines []string
	t.Walk(func(pattern string, value T, set bool) {
		if set {
			lines = append(lines, fmt.Sprintf("%s: %v", pattern, value))
		}
	})
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}
