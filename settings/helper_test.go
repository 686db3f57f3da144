package settings

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// event is a notification, as recorded by a recorder.
type event struct {
	Kind   string
	Name   string
	Items  []string
	Origin string
}

// recorder records notifications, labelling origins for comparison.
type recorder struct {
	labels map[Origin]string
	events []event
	mu     sync.Mutex
}

func newRecorder(labels map[Origin]string) *recorder {
	return &recorder{labels: labels}
}

func (r *recorder) label(origin Origin) string {
	if origin == nil {
		return ""
	}
	if l, ok := r.labels[origin]; ok {
		return l
	}
	return fmt.Sprint(origin)
}

func (r *recorder) add(e event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// take returns and clears the recorded events.
func (r *recorder) take() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.events
	r.events = nil
	return events
}

func (r *recorder) listener() Listener {
	return ListenerFuncs{
		OnChanged: func(key string, origin Origin) {
			r.add(event{Kind: "changed", Name: key, Origin: r.label(origin)})
		},
		OnPathChanged: func(path string, origin Origin) {
			r.add(event{Kind: "path changed", Name: path, Origin: r.label(origin)})
		},
		OnKeysChanged: func(path string, items []string, origin Origin) {
			r.add(event{Kind: "keys changed", Name: path, Items: items, Origin: r.label(origin)})
		},
		OnWritableChanged: func(key string) {
			r.add(event{Kind: "writable changed", Name: key})
		},
		OnPathWritableChanged: func(path string) {
			r.add(event{Kind: "path writable changed", Name: path})
		},
	}
}

func newMemory(t testing.TB, opts ...Option) *MemoryBackend {
	t.Helper()
	m, err := NewMemoryBackend(opts...)
	require.NoError(t, err)
	return m
}
