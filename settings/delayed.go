package settings

import (
	"reflect"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-mainloop/mainloop"
)

// DelayedBackend is a [Backend] that stages writes and resets over another
// backend, until [DelayedBackend.Apply] writes them to it, or
// [DelayedBackend.Revert] discards them. Reads see staged changes first.
//
// The delayed backend forwards the notifications of the underlying backend,
// except those caused by its own writes. It is safe for concurrent use.
type DelayedBackend struct {
	Notifier
	backend Backend
	logger  *logiface.Logger[logiface.Event]
	watch   *Watch
	// stage holds unapplied changes, and inflight the changes being applied
	stage    *Tree
	inflight *Tree
	owner    struct {
		context     *mainloop.MainContext
		onUnapplied func(bool)
		notified    bool
		delivering  bool
		mu          sync.Mutex
	}
	// applyMu serializes apply, so there is at most one in-flight tree
	applyMu   sync.Mutex
	mu        sync.Mutex
	unapplied atomic.Bool
}

var _ Backend = (*DelayedBackend)(nil)

// NewDelayedBackend creates a delayed backend over backend.
//
// If onUnapplied is non-nil, it is called when [DelayedBackend.HasUnapplied]
// changes, with its value at the time of the call, on owner via
// [mainloop.MainContext.TryInvoke], or directly if owner is nil. Calls are
// skipped while the value is unchanged since the last call, and dropped once
// owner is closed.
func NewDelayedBackend(backend Backend, owner *mainloop.MainContext, onUnapplied func(bool), opts ...Option) (*DelayedBackend, error) {
	if backend == nil {
		violation("delayed backend over a nil backend")
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	d := &DelayedBackend{
		backend: backend,
		logger:  cfg.logger,
		stage:   &Tree{},
	}
	d.owner.context = owner
	d.owner.onUnapplied = onUnapplied

	l := &delayedListener{target: weak.Make(d)}
	d.watch = backend.Watch(l, nil)
	l.watch.Store(d.watch)

	return d, nil
}

// Backend returns the underlying backend.
func (d *DelayedBackend) Backend() Backend { return d.backend }

func (d *DelayedBackend) isSelf(origin Origin) bool {
	o, ok := origin.(*DelayedBackend)
	return ok && o == d
}

// lookupLocked returns the staged or in-flight entry for key.
func (d *DelayedBackend) lookupLocked(key string) (Entry, bool) {
	if e, ok := d.stage.Lookup(key); ok {
		return e, true
	}
	return d.inflight.Lookup(key)
}

// Read returns the staged value of key, or reads the default value if a
// reset is staged, or reads the underlying backend if nothing is staged.
func (d *DelayedBackend) Read(key string, hint reflect.Type, defaultValue bool) (any, bool) {
	CheckKey(key)
	if !defaultValue {
		d.mu.Lock()
		e, ok := d.lookupLocked(key)
		d.mu.Unlock()
		if ok {
			if !e.Reset {
				if MatchesHint(e.Value, hint) {
					return e.Value, true
				}
				return nil, false
			}
			defaultValue = true
		}
	}
	return d.backend.Read(key, hint, defaultValue)
}

// ReadUserValue returns the staged value of key, or nothing if a reset is
// staged, or the user value of the underlying backend if nothing is staged.
func (d *DelayedBackend) ReadUserValue(key string, hint reflect.Type) (any, bool) {
	CheckKey(key)
	d.mu.Lock()
	e, ok := d.lookupLocked(key)
	d.mu.Unlock()
	if ok {
		if e.Reset || !MatchesHint(e.Value, hint) {
			return nil, false
		}
		return e.Value, true
	}
	return d.backend.ReadUserValue(key, hint)
}

// Write stages value for key. It always succeeds. Listeners are notified
// with origin, or the delayed backend itself if origin is nil.
func (d *DelayedBackend) Write(key string, value any, origin Origin) bool {
	CheckKey(key)
	d.stageEntries(func(stage *Tree) { stage.Set(key, value) })
	d.Changed(key, d.originOr(origin))
	return true
}

// WriteTree stages every entry of tree. It always succeeds.
func (d *DelayedBackend) WriteTree(tree *Tree, origin Origin) bool {
	if tree.Len() == 0 {
		return true
	}
	d.stageEntries(func(stage *Tree) {
		tree.Range(func(key string, e Entry) bool {
			stage.put(key, e)
			return true
		})
	})
	d.ChangedTree(tree, d.originOr(origin))
	return true
}

// Reset stages a reset of key, applied even if key becomes read-only.
func (d *DelayedBackend) Reset(key string, origin Origin) {
	CheckKey(key)
	d.stageEntries(func(stage *Tree) { stage.SetReset(key) })
	d.Changed(key, d.originOr(origin))
}

func (d *DelayedBackend) stageEntries(fn func(stage *Tree)) {
	d.mu.Lock()
	wasEmpty := d.stage.Len() == 0
	fn(d.stage)
	d.unapplied.Store(true)
	d.mu.Unlock()
	if wasEmpty {
		d.notifyUnapplied()
	}
}

func (d *DelayedBackend) originOr(origin Origin) Origin {
	if origin == nil {
		return d
	}
	return origin
}

// takeStage replaces the stage with an empty one, returning the old one, or
// nil if it was empty.
func (d *DelayedBackend) takeStage(inflight bool) *Tree {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stage.Len() == 0 {
		return nil
	}
	tree := d.stage
	d.stage = &Tree{}
	if inflight {
		d.inflight = tree
	}
	d.unapplied.Store(false)
	return tree
}

// Apply writes all staged changes to the underlying backend, in a single
// [Backend.WriteTree]. If the write fails, listeners are notified that the
// staged keys changed, since they now read the values the backend kept.
func (d *DelayedBackend) Apply() {
	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	tree := d.takeStage(true)
	if tree == nil {
		return
	}

	ok := d.backend.WriteTree(tree, d)

	d.mu.Lock()
	d.inflight = nil
	d.mu.Unlock()

	if !ok {
		d.logger.Warning().
			Int("keys", tree.Len()).
			Log("apply of staged changes failed")
		d.ChangedTree(tree, nil)
	}
	d.notifyUnapplied()
}

// Revert discards all staged changes, notifying listeners that the staged
// keys changed.
func (d *DelayedBackend) Revert() {
	tree := d.takeStage(false)
	if tree == nil {
		return
	}
	d.ChangedTree(tree, nil)
	d.notifyUnapplied()
}

// HasUnapplied reports whether any changes are staged.
func (d *DelayedBackend) HasUnapplied() bool {
	return d.unapplied.Load()
}

func (d *DelayedBackend) notifyUnapplied() {
	d.owner.mu.Lock()
	c, fn := d.owner.context, d.owner.onUnapplied
	d.owner.mu.Unlock()
	if fn == nil {
		return
	}
	if c == nil {
		d.deliverUnapplied()
		return
	}
	// a closed owner gets nothing
	c.TryInvoke(func() bool {
		d.deliverUnapplied()
		return mainloop.SourceRemove
	})
}

// deliverUnapplied calls onUnapplied until the last value it was called with
// is current. Only one goroutine delivers at a time, so values arrive in
// order, and a nested call, from onUnapplied, leaves the delivery to the
// outer one.
func (d *DelayedBackend) deliverUnapplied() {
	d.owner.mu.Lock()
	defer d.owner.mu.Unlock()
	if d.owner.delivering {
		return
	}
	d.owner.delivering = true
	defer func() { d.owner.delivering = false }()
	for {
		fn := d.owner.onUnapplied
		v := d.unapplied.Load()
		if fn == nil || v == d.owner.notified {
			return
		}
		d.owner.notified = v
		func() {
			d.owner.mu.Unlock()
			defer d.owner.mu.Lock()
			fn(v)
		}()
	}
}

// DetachOwner stops calls to the onUnapplied func, including those already
// scheduled.
func (d *DelayedBackend) DetachOwner() {
	d.owner.mu.Lock()
	defer d.owner.mu.Unlock()
	d.owner.context = nil
	d.owner.onUnapplied = nil
}

func (d *DelayedBackend) GetWritable(key string) bool {
	return d.backend.GetWritable(key)
}

func (d *DelayedBackend) Subscribe(name string) {
	d.backend.Subscribe(name)
}

func (d *DelayedBackend) Unsubscribe(name string) {
	d.backend.Unsubscribe(name)
}

func (d *DelayedBackend) Sync() {
	d.backend.Sync()
}

// Close stops forwarding the notifications of the underlying backend, and
// detaches the owner. Staged changes are kept.
func (d *DelayedBackend) Close() error {
	d.watch.Unwatch()
	d.DetachOwner()
	return nil
}

// dropReadOnly removes the staged values, but not resets, of the keys that
// are no longer writable.
func (d *DelayedBackend) dropReadOnly(match func(key string) bool) {
	var candidates []string
	d.mu.Lock()
	d.stage.Range(func(key string, e Entry) bool {
		if !e.Reset && match(key) {
			candidates = append(candidates, key)
		}
		return true
	})
	d.mu.Unlock()

	var readOnly []string
	for _, key := range candidates {
		if !d.backend.GetWritable(key) {
			readOnly = append(readOnly, key)
		}
	}
	if len(readOnly) == 0 {
		return
	}

	d.mu.Lock()
	wasEmpty := d.stage.Len() == 0
	for _, key := range readOnly {
		if e, ok := d.stage.Lookup(key); ok && !e.Reset {
			d.stage.Delete(key)
			d.logger.Info().Str("key", key).Log("dropped staged value of a read-only key")
		}
	}
	lastOne := !wasEmpty && d.stage.Len() == 0
	if lastOne {
		d.unapplied.Store(false)
	}
	d.mu.Unlock()

	if lastOne {
		d.notifyUnapplied()
	}
}

// delayedListener forwards the notifications of the underlying backend,
// without keeping the delayed backend alive.
type delayedListener struct {
	target weak.Pointer[DelayedBackend]
	watch  atomic.Pointer[Watch]
}

func (x *delayedListener) get() *DelayedBackend {
	d := x.target.Value()
	if d == nil {
		if w := x.watch.Load(); w != nil {
			w.Unwatch()
		}
	}
	return d
}

func (x *delayedListener) Changed(key string, origin Origin) {
	if d := x.get(); d != nil && !d.isSelf(origin) {
		d.Changed(key, origin)
	}
}

func (x *delayedListener) PathChanged(path string, origin Origin) {
	if d := x.get(); d != nil && !d.isSelf(origin) {
		d.PathChanged(path, origin)
	}
}

func (x *delayedListener) KeysChanged(path string, items []string, origin Origin) {
	if d := x.get(); d != nil && !d.isSelf(origin) {
		d.KeysChanged(path, items, origin)
	}
}

func (x *delayedListener) WritableChanged(key string) {
	d := x.get()
	if d == nil {
		return
	}
	d.dropReadOnly(func(k string) bool { return k == key })
	d.WritableChanged(key)
}

func (x *delayedListener) PathWritableChanged(path string) {
	d := x.get()
	if d == nil {
		return
	}
	d.dropReadOnly(func(k string) bool { return hasPrefix(k, path) })
	d.PathWritableChanged(path)
}
