package settings

import (
	"slices"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/joeycumines/go-mainloop/mainloop"
)

// Origin identifies the writer of a change, so a writer can recognize the
// notifications its own writes cause. Origins are only compared with ==, and
// are typically pointers.
type Origin = any

// Listener receives the notifications of a [Backend].
type Listener interface {
	// Changed is called when the value of key may have changed.
	Changed(key string, origin Origin)
	// PathChanged is called when any key at or below path may have changed.
	PathChanged(path string, origin Origin)
	// KeysChanged is called when each of path+item may have changed.
	KeysChanged(path string, items []string, origin Origin)
	// WritableChanged is called when the writability of key may have changed.
	WritableChanged(key string)
	// PathWritableChanged is called when the writability of any key at or
	// below path may have changed.
	PathWritableChanged(path string)
}

// ListenerFuncs adapts funcs to a [Listener]. Nil funcs are skipped.
type ListenerFuncs struct {
	OnChanged             func(key string, origin Origin)
	OnPathChanged         func(path string, origin Origin)
	OnKeysChanged         func(path string, items []string, origin Origin)
	OnWritableChanged     func(key string)
	OnPathWritableChanged func(path string)
}

var _ Listener = ListenerFuncs{}

func (x ListenerFuncs) Changed(key string, origin Origin) {
	if x.OnChanged != nil {
		x.OnChanged(key, origin)
	}
}

func (x ListenerFuncs) PathChanged(path string, origin Origin) {
	if x.OnPathChanged != nil {
		x.OnPathChanged(path, origin)
	}
}

func (x ListenerFuncs) KeysChanged(path string, items []string, origin Origin) {
	if x.OnKeysChanged != nil {
		x.OnKeysChanged(path, items, origin)
	}
}

func (x ListenerFuncs) WritableChanged(key string) {
	if x.OnWritableChanged != nil {
		x.OnWritableChanged(key)
	}
}

func (x ListenerFuncs) PathWritableChanged(path string) {
	if x.OnPathWritableChanged != nil {
		x.OnPathWritableChanged(path)
	}
}

// Watch is a registration of a [Listener] with a [Notifier].
type Watch struct {
	notifier *Notifier
	context  *mainloop.MainContext
	// listener returns nil once the target of a weak watch is gone
	listener func() Listener
	dead     atomic.Bool
}

// Unwatch stops delivery. Notifications already scheduled on the watch's
// context are dropped. It is safe to call more than once, and from a
// listener.
func (w *Watch) Unwatch() {
	if w.dead.Swap(true) {
		return
	}
	w.notifier.remove(w)
}

func (w *Watch) deliver(fn func(Listener)) {
	call := func() bool {
		if w.dead.Load() {
			return mainloop.SourceRemove
		}
		l := w.listener()
		if l == nil {
			w.Unwatch()
			return mainloop.SourceRemove
		}
		fn(l)
		return mainloop.SourceRemove
	}
	if w.context == nil {
		call()
		return
	}
	// a closed context gets nothing
	w.context.TryInvoke(call)
}

// Notifier implements the notification half of a [Backend], and is intended
// to be embedded. The zero value is ready to use.
//
// Notifications are delivered outside the notifier's lock, directly on the
// calling goroutine for watches without a context, and otherwise via
// [mainloop.MainContext.TryInvoke]. Notifications for a watch whose context
// is closed are dropped.
type Notifier struct {
	watches []*Watch
	mu      sync.Mutex
}

// Watch registers l, delivering notifications on c, or directly to the
// notifying goroutine if c is nil.
func (n *Notifier) Watch(l Listener, c *mainloop.MainContext) *Watch {
	if l == nil {
		violation("watch of a nil listener")
	}
	return n.add(c, func() Listener { return l })
}

// WatchWeak is [Notifier.Watch], for a listener built from target, which is
// not kept alive by the watch. Once target has been garbage collected,
// notifications are dropped, and the watch is removed.
func WatchWeak[T any](n *Notifier, target *T, c *mainloop.MainContext, listener func(target *T) Listener) *Watch {
	if target == nil || listener == nil {
		violation("weak watch of a nil target or listener")
	}
	wp := weak.Make(target)
	return n.add(c, func() Listener {
		if t := wp.Value(); t != nil {
			return listener(t)
		}
		return nil
	})
}

func (n *Notifier) add(c *mainloop.MainContext, listener func() Listener) *Watch {
	w := &Watch{notifier: n, context: c, listener: listener}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.watches = append(n.watches, w)
	return w
}

func (n *Notifier) remove(w *Watch) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if i := slices.Index(n.watches, w); i >= 0 {
		n.watches = slices.Delete(n.watches, i, i+1)
	}
}

func (n *Notifier) dispatch(fn func(Listener)) {
	n.mu.Lock()
	watches := slices.Clone(n.watches)
	n.mu.Unlock()
	for _, w := range watches {
		w.deliver(fn)
	}
}

// Changed notifies that the value of key may have changed.
func (n *Notifier) Changed(key string, origin Origin) {
	CheckKey(key)
	n.dispatch(func(l Listener) { l.Changed(key, origin) })
}

// PathChanged notifies that any key at or below path may have changed.
func (n *Notifier) PathChanged(path string, origin Origin) {
	CheckPath(path)
	n.dispatch(func(l Listener) { l.PathChanged(path, origin) })
}

// KeysChanged notifies that each of path+item may have changed. The items
// must not be modified afterwards.
func (n *Notifier) KeysChanged(path string, items []string, origin Origin) {
	CheckPath(path)
	for _, item := range items {
		CheckKey(path + item)
	}
	n.dispatch(func(l Listener) { l.KeysChanged(path, items, origin) })
}

// ChangedTree notifies that every key in tree may have changed. An empty
// tree notifies nothing.
func (n *Notifier) ChangedTree(tree *Tree, origin Origin) {
	if tree.Len() == 0 {
		return
	}
	path, items, _ := tree.Flatten()
	n.KeysChanged(path, items, origin)
}

// WritableChanged notifies that the writability of key may have changed.
func (n *Notifier) WritableChanged(key string) {
	CheckKey(key)
	n.dispatch(func(l Listener) { l.WritableChanged(key) })
}

// PathWritableChanged notifies that the writability of any key at or below
// path may have changed.
func (n *Notifier) PathWritableChanged(path string) {
	CheckPath(path)
	n.dispatch(func(l Listener) { l.PathWritableChanged(path) })
}
