package settings

import (
	"reflect"
)

// NullBackend is a [Backend] that stores nothing: every read is absent,
// every write fails, and no key is writable.
type NullBackend struct {
	Notifier
}

var _ Backend = (*NullBackend)(nil)

// NewNullBackend creates a null backend.
func NewNullBackend() *NullBackend { return &NullBackend{} }

func (*NullBackend) Read(key string, _ reflect.Type, _ bool) (any, bool) {
	CheckKey(key)
	return nil, false
}

func (*NullBackend) ReadUserValue(key string, _ reflect.Type) (any, bool) {
	CheckKey(key)
	return nil, false
}

func (*NullBackend) Write(key string, _ any, _ Origin) bool {
	CheckKey(key)
	return false
}

func (*NullBackend) WriteTree(*Tree, Origin) bool { return false }

func (*NullBackend) Reset(key string, _ Origin) { CheckKey(key) }

func (*NullBackend) GetWritable(key string) bool {
	CheckKey(key)
	return false
}

func (*NullBackend) Subscribe(name string) { CheckKeyOrPath(name) }

func (*NullBackend) Unsubscribe(name string) { CheckKeyOrPath(name) }

func (*NullBackend) Sync() {}
