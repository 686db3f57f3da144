package settings

import (
	"slices"
	"strings"
)

// Entry is a staged change to a key: either a value, or a reset to the
// default.
type Entry struct {
	Value any
	Reset bool
}

// Tree is a set of changes, ordered by key. The zero value is an empty tree.
// A Tree is not safe for concurrent use.
type Tree struct {
	entries map[string]Entry
	keys    []string
}

// NewTree returns a tree holding the given values.
func NewTree(values map[string]any) *Tree {
	t := &Tree{}
	for key, value := range values {
		t.Set(key, value)
	}
	return t
}

// Set stages value for key, replacing any previous entry.
func (t *Tree) Set(key string, value any) {
	t.put(key, Entry{Value: value})
}

// SetReset stages a reset of key, replacing any previous entry.
func (t *Tree) SetReset(key string) {
	t.put(key, Entry{Reset: true})
}

func (t *Tree) put(key string, e Entry) {
	CheckKey(key)
	if t.entries == nil {
		t.entries = make(map[string]Entry)
	}
	if _, ok := t.entries[key]; !ok {
		i, _ := slices.BinarySearch(t.keys, key)
		t.keys = slices.Insert(t.keys, i, key)
	}
	t.entries[key] = e
}

// Lookup returns the entry for key, if any.
func (t *Tree) Lookup(key string) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	e, ok := t.entries[key]
	return e, ok
}

// Delete removes the entry for key, reporting whether there was one.
func (t *Tree) Delete(key string) bool {
	if t == nil {
		return false
	}
	if _, ok := t.entries[key]; !ok {
		return false
	}
	delete(t.entries, key)
	i, _ := slices.BinarySearch(t.keys, key)
	t.keys = slices.Delete(t.keys, i, i+1)
	return true
}

// Len returns the number of entries.
func (t *Tree) Len() int {
	if t == nil {
		return 0
	}
	return len(t.keys)
}

// Keys returns the keys, sorted.
func (t *Tree) Keys() []string {
	if t == nil {
		return nil
	}
	return slices.Clone(t.keys)
}

// Range calls fn for each entry in key order, until fn returns false.
func (t *Tree) Range(fn func(key string, e Entry) bool) {
	if t == nil {
		return
	}
	for _, key := range t.keys {
		if !fn(key, t.entries[key]) {
			return
		}
	}
}

// Clone returns a copy of the tree. Values are not copied.
func (t *Tree) Clone() *Tree {
	c := &Tree{}
	if t.Len() == 0 {
		return c
	}
	c.entries = make(map[string]Entry, len(t.entries))
	for key, e := range t.entries {
		c.entries[key] = e
	}
	c.keys = slices.Clone(t.keys)
	return c
}

// Flatten returns the longest path common to every key, and the names of
// the keys relative to it, in order, with their entries. An empty tree
// flattens to the root path.
func (t *Tree) Flatten() (path string, keys []string, entries []Entry) {
	if t.Len() == 0 {
		return "/", nil, nil
	}

	prefix := t.keys[0]
	for _, key := range t.keys[1:] {
		n := 0
		for n < len(prefix) && n < len(key) && prefix[n] == key[n] {
			n++
		}
		prefix = prefix[:n]
	}
	path = prefix[:strings.LastIndexByte(prefix, '/')+1]

	keys = make([]string, len(t.keys))
	entries = make([]Entry, len(t.keys))
	for i, key := range t.keys {
		keys[i] = key[len(path):]
		entries[i] = t.entries[key]
	}
	return path, keys, entries
}
