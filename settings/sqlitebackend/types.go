package sqlitebackend

import (
	"reflect"
	"sync"
)

// typeRegistry maps the type names stored beside each value to Go types, so
// values read without a hint decode to the type they were written with.
type typeRegistry struct {
	types map[string]reflect.Type
	mu    sync.RWMutex
}

// builtinTypes are known to every registry, so values written by other
// processes still decode to their type.
var builtinTypes = []reflect.Type{
	reflect.TypeFor[bool](),
	reflect.TypeFor[string](),
	reflect.TypeFor[int](),
	reflect.TypeFor[int8](),
	reflect.TypeFor[int16](),
	reflect.TypeFor[int32](),
	reflect.TypeFor[int64](),
	reflect.TypeFor[uint](),
	reflect.TypeFor[uint8](),
	reflect.TypeFor[uint16](),
	reflect.TypeFor[uint32](),
	reflect.TypeFor[uint64](),
	reflect.TypeFor[float32](),
	reflect.TypeFor[float64](),
	reflect.TypeFor[[]byte](),
	reflect.TypeFor[[]string](),
	reflect.TypeFor[[]int](),
	reflect.TypeFor[[]float64](),
	reflect.TypeFor[[]any](),
	reflect.TypeFor[map[string]any](),
	reflect.TypeFor[map[string]string](),
}

func newTypeRegistry() *typeRegistry {
	r := &typeRegistry{types: make(map[string]reflect.Type, len(builtinTypes))}
	for _, t := range builtinTypes {
		r.types[typeName(t)] = t
	}
	return r
}

// typeName is the stored name of t. Named types are qualified by their full
// package path.
func typeName(t reflect.Type) string {
	if t == nil {
		return ""
	}
	if t.Name() != "" && t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

// register records the type of v, returning its stored name, or "" for nil.
func (x *typeRegistry) register(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return ""
	}
	name := typeName(t)
	x.mu.RLock()
	_, ok := x.types[name]
	x.mu.RUnlock()
	if !ok {
		x.mu.Lock()
		x.types[name] = t
		x.mu.Unlock()
	}
	return name
}

func (x *typeRegistry) lookup(name string) reflect.Type {
	if name == "" {
		return nil
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.types[name]
}
