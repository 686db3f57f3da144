package settings

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsKeyIsPath(t *testing.T) {
	for _, tc := range []struct {
		name      string
		key, path bool
	}{
		{name: "/", path: true},
		{name: "/a", key: true},
		{name: "/a/b", key: true},
		{name: "/a/b/", path: true},
		{name: ""},
		{name: "a"},
		{name: "a/"},
		{name: "//"},
		{name: "/a//b"},
		{name: "/a//"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.key, IsKey(tc.name))
			assert.Equal(t, tc.path, IsPath(tc.name))
			assert.Equal(t, tc.key || tc.path, IsKeyOrPath(tc.name))
		})
	}
}

func TestTree_OrderedEntries(t *testing.T) {
	tree := &Tree{}
	tree.Set("/b", 2)
	tree.Set("/a/y", "y")
	tree.SetReset("/a/x")
	tree.Set("/b", 3)

	require.Equal(t, 3, tree.Len())
	require.Equal(t, []string{"/a/x", "/a/y", "/b"}, tree.Keys())

	e, ok := tree.Lookup("/b")
	require.True(t, ok)
	require.Equal(t, Entry{Value: 3}, e)
	e, ok = tree.Lookup("/a/x")
	require.True(t, ok)
	require.True(t, e.Reset)

	var seen []string
	tree.Range(func(key string, _ Entry) bool {
		seen = append(seen, key)
		return key != "/a/y"
	})
	require.Equal(t, []string{"/a/x", "/a/y"}, seen)

	clone := tree.Clone()
	require.True(t, tree.Delete("/a/y"))
	require.False(t, tree.Delete("/a/y"))
	require.Equal(t, []string{"/a/x", "/b"}, tree.Keys())
	require.Equal(t, 3, clone.Len())
}

func TestTree_InvalidKeyPanics(t *testing.T) {
	tree := &Tree{}
	require.PanicsWithValue(t, `settings: invalid key "/a/"`, func() { tree.Set("/a/", 1) })
	require.PanicsWithValue(t, `settings: invalid key "a"`, func() { tree.SetReset("a") })
}

func TestTree_NilIsEmpty(t *testing.T) {
	var tree *Tree
	require.Zero(t, tree.Len())
	require.Nil(t, tree.Keys())
	_, ok := tree.Lookup("/a")
	require.False(t, ok)
	require.Zero(t, tree.Clone().Len())
}

func TestTree_Flatten(t *testing.T) {
	for _, tc := range []struct {
		name  string
		keys  []string
		path  string
		items []string
	}{
		{name: "empty", path: "/"},
		{name: "single", keys: []string{"/a/b"}, path: "/a/", items: []string{"b"}},
		{name: "siblings", keys: []string{"/a/c", "/a/b"}, path: "/a/", items: []string{"b", "c"}},
		{name: "nested", keys: []string{"/a/b/c", "/a/d"}, path: "/a/", items: []string{"b/c", "d"}},
		{name: "partial segment", keys: []string{"/ab", "/a/b"}, path: "/", items: []string{"a/b", "ab"}},
		{name: "root", keys: []string{"/x"}, path: "/", items: []string{"x"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tree := &Tree{}
			for i, key := range tc.keys {
				tree.Set(key, i)
			}
			path, items, entries := tree.Flatten()
			assert.Equal(t, tc.path, path)
			if diff := cmp.Diff(tc.items, items); diff != "" {
				t.Errorf("items (-want +got):\n%s", diff)
			}
			assert.Len(t, entries, len(tc.keys))
		})
	}
}
