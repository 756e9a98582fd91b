// Package kv is the persistence layer shared by the vector index and the
// memory graph. Records are addressed by hierarchical keys, string slices
// like ["vec", "acme", "mem_ab12"], encoded with a non-printable separator
// so ids carrying "::" namespacing cannot collide with the key structure.
//
// Badger backs the store in production; a map-backed store covers tests.
package kv

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"strings"
)

// Key addresses one record as a path of segments. Key{"vec", "acme",
// "mem_ab12"} is the vector point of memory mem_ab12 in namespace acme.
// Segments must not contain the separator byte.
type Key []string

// Child returns k extended by segs. The result never aliases k's backing
// array, so one prefix can spawn keys concurrently.
func (k Key) Child(segs ...string) Key {
	out := make(Key, 0, len(k)+len(segs))
	out = append(out, k...)
	return append(out, segs...)
}

// String joins the segments with '/' for logs and errors. The storage
// encoding is separate, see Options.
func (k Key) String() string {
	return strings.Join(k, "/")
}

// Entry pairs a key with its stored value.
type Entry struct {
	Key   Key
	Value []byte
}

// ErrNotFound reports a Get on an absent key.
var ErrNotFound = errors.New("kv: not found")

// Store reads and writes keyed records.
type Store interface {
	// Get returns the value at key, ErrNotFound when absent.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set writes value at key, replacing any previous value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes key. Absent keys are not an error.
	Delete(ctx context.Context, key Key) error

	// List yields the entries under prefix in lexicographic encoded
	// order. Prefixes match whole segments: ["vec", "ns"] does not
	// match ["vec", "ns2"].
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// BatchSet writes entries atomically.
	BatchSet(ctx context.Context, entries []Entry) error

	// BatchDelete removes keys atomically.
	BatchDelete(ctx context.Context, keys []Key) error

	// Close flushes and releases the store.
	Close() error
}

// DefaultSeparator joins encoded key segments. The ASCII unit separator
// never appears in namespace ids, memory ids, or graph node keys, which
// is what printable candidates like ':' or '/' could not promise.
const DefaultSeparator byte = 0x1F

// Options carries the key encoding settings shared by Store
// implementations. The zero value (and nil) uses DefaultSeparator.
type Options struct {
	// Separator overrides DefaultSeparator when non-zero.
	Separator byte
}

func (o *Options) sep() byte {
	if o != nil && o.Separator != 0 {
		return o.Separator
	}
	return DefaultSeparator
}

// encode joins the segments of k with the separator. A segment containing
// the separator would corrupt the keyspace; that is a caller bug and
// panics.
func (o *Options) encode(k Key) []byte {
	s := o.sep()
	segs := make([][]byte, len(k))
	for i, seg := range k {
		if strings.IndexByte(seg, s) >= 0 {
			panic("kv: key segment contains separator: " + seg)
		}
		segs[i] = []byte(seg)
	}
	return bytes.Join(segs, []byte{s})
}

// decode splits an encoded key back into its segments.
func (o *Options) decode(b []byte) Key {
	parts := bytes.Split(b, []byte{o.sep()})
	k := make(Key, len(parts))
	for i, p := range parts {
		k[i] = string(p)
	}
	return k
}

// scanPrefix encodes a List prefix. The trailing separator pins the match
// to a segment boundary; an empty prefix scans the whole store.
func (o *Options) scanPrefix(k Key) []byte {
	if len(k) == 0 {
		return nil
	}
	return append(o.encode(k), o.sep())
}
