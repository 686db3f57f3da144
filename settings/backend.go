// Package settings provides hierarchical key/value settings storage
// backends, change notification, and a delayed-apply overlay that stages
// changes until they are applied or reverted.
//
// Keys are slash-separated names such as "/app/window/width", and paths are
// key prefixes ending in a slash, such as "/app/window/". Passing a malformed
// key or path to any function of this package panics.
package settings

import (
	"reflect"

	"github.com/joeycumines/go-mainloop/mainloop"
)

// Backend is a settings store.
//
// Reads accept a type hint: a stored value of a different dynamic type
// reads as absent. A nil hint accepts any value.
type Backend interface {
	// Read returns the value of key. If defaultValue is true, only the
	// default value is considered, otherwise the stored value is returned,
	// falling back to the default.
	Read(key string, hint reflect.Type, defaultValue bool) (any, bool)
	// ReadUserValue returns the stored value of key, ignoring defaults.
	ReadUserValue(key string, hint reflect.Type) (any, bool)
	// Write stores value for key, reporting whether it was stored. Listeners
	// are notified with origin.
	Write(key string, value any, origin Origin) bool
	// WriteTree stores every entry of tree, or none of them, reporting
	// whether they were stored.
	WriteTree(tree *Tree, origin Origin) bool
	// Reset removes the stored value of key, if it is writable.
	Reset(key string, origin Origin)
	// GetWritable reports whether key may be written.
	GetWritable(key string) bool
	// Subscribe declares interest in notifications for name, a key or path.
	Subscribe(name string)
	// Unsubscribe reverses a single Subscribe.
	Unsubscribe(name string)
	// Sync flushes pending writes, if the backend buffers any.
	Sync()
	// Watch registers a listener, see [Notifier.Watch].
	Watch(l Listener, c *mainloop.MainContext) *Watch
}

// TypeOf is a convenience for building type hints, returning the type of T.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeFor[T]()
}

// MatchesHint reports whether value is acceptable for hint: any value for a
// nil hint, an implementation for an interface hint, and otherwise a value of
// exactly that type.
func MatchesHint(value any, hint reflect.Type) bool {
	if hint == nil {
		return true
	}
	if value == nil {
		return false
	}
	t := reflect.TypeOf(value)
	if hint.Kind() == reflect.Interface {
		return t.Implements(hint)
	}
	return t == hint
}

// Get reads key from b as a T, returning the zero value if it is absent.
func Get[T any](b Backend, key string) (T, bool) {
	v, ok := b.Read(key, TypeOf[T](), false)
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}
