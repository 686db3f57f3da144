package settings

import (
	"reflect"
	"sync"

	"github.com/joeycumines/logiface"
)

// MemoryBackend is a [Backend] holding values in memory, with optional
// defaults, and read-only keys and paths.
type MemoryBackend struct {
	Notifier
	logger        *logiface.Logger[logiface.Event]
	defaults      map[string]any
	values        map[string]any
	readOnly      map[string]bool
	subscriptions map[string]int
	mu            sync.Mutex
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty memory backend.
func NewMemoryBackend(opts ...Option) (*MemoryBackend, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &MemoryBackend{
		logger:        cfg.logger,
		defaults:      cfg.defaults,
		values:        make(map[string]any),
		readOnly:      make(map[string]bool),
		subscriptions: make(map[string]int),
	}, nil
}

func (m *MemoryBackend) Read(key string, hint reflect.Type, defaultValue bool) (any, bool) {
	CheckKey(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !defaultValue {
		if v, ok := m.values[key]; ok && MatchesHint(v, hint) {
			return v, true
		}
	}
	if v, ok := m.defaults[key]; ok && MatchesHint(v, hint) {
		return v, true
	}
	return nil, false
}

func (m *MemoryBackend) ReadUserValue(key string, hint reflect.Type) (any, bool) {
	CheckKey(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[key]; ok && MatchesHint(v, hint) {
		return v, true
	}
	return nil, false
}

func (m *MemoryBackend) Write(key string, value any, origin Origin) bool {
	CheckKey(key)
	m.mu.Lock()
	if !m.writableLocked(key) {
		m.mu.Unlock()
		m.logger.Debug().Str("key", key).Log("write to a read-only key")
		return false
	}
	m.values[key] = value
	m.mu.Unlock()

	m.Changed(key, origin)
	return true
}

// WriteTree stores every entry of tree, or, if any of its keys is read-only,
// none of them.
func (m *MemoryBackend) WriteTree(tree *Tree, origin Origin) bool {
	m.mu.Lock()
	for _, key := range tree.Keys() {
		if !m.writableLocked(key) {
			m.mu.Unlock()
			m.logger.Debug().Str("key", key).Log("write tree with a read-only key")
			return false
		}
	}
	tree.Range(func(key string, e Entry) bool {
		if e.Reset {
			delete(m.values, key)
		} else {
			m.values[key] = e.Value
		}
		return true
	})
	m.mu.Unlock()

	m.ChangedTree(tree, origin)
	return true
}

func (m *MemoryBackend) Reset(key string, origin Origin) {
	CheckKey(key)
	m.mu.Lock()
	_, ok := m.values[key]
	if ok && m.writableLocked(key) {
		delete(m.values, key)
	} else {
		ok = false
	}
	m.mu.Unlock()

	if ok {
		m.Changed(key, origin)
	}
}

func (m *MemoryBackend) GetWritable(key string) bool {
	CheckKey(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writableLocked(key)
}

func (m *MemoryBackend) writableLocked(key string) bool {
	for name := range m.readOnly {
		if name == key || (IsPath(name) && hasPrefix(key, name)) {
			return false
		}
	}
	return true
}

// SetWritable makes name, a key or a path (covering every key below it),
// writable or read-only, notifying listeners if it changed.
func (m *MemoryBackend) SetWritable(name string, writable bool) {
	CheckKeyOrPath(name)
	m.mu.Lock()
	changed := m.readOnly[name] == writable
	if writable {
		delete(m.readOnly, name)
	} else {
		m.readOnly[name] = true
	}
	m.mu.Unlock()

	switch {
	case !changed:
	case IsPath(name):
		m.PathWritableChanged(name)
	default:
		m.WritableChanged(name)
	}
}

func (m *MemoryBackend) Subscribe(name string) {
	CheckKeyOrPath(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[name]++
}

func (m *MemoryBackend) Unsubscribe(name string) {
	CheckKeyOrPath(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscriptions[name] <= 1 {
		delete(m.subscriptions, name)
		return
	}
	m.subscriptions[name]--
}

// Subscriptions returns the number of outstanding subscriptions for name.
func (m *MemoryBackend) Subscriptions(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscriptions[name]
}

// Sync is a no-op, writes are never buffered.
func (m *MemoryBackend) Sync() {}
