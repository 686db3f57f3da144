package mainloop

import (
	"reflect"
	"slices"
	"sync/atomic"
)

// Source priorities. Lower values are dispatched first.
const (
	PriorityHigh        = -100
	PriorityDefault     = 0
	PriorityHighIdle    = 100
	PriorityDefaultIdle = 200
	PriorityLow         = 300
)

// Return values for [SourceFunc], and [SourceFuncs.Dispatch].
const (
	SourceContinue = true
	SourceRemove   = false
)

// SourceFunc is the callback type of idle, timeout and signal sources.
// Returning false destroys the source.
type SourceFunc func() bool

// SourceFuncs implements the behavior of a kind of source.
//
// Dispatch is called with the callback set via [Source.SetCallback], or nil.
// Returning false destroys the source. It is called without the context lock
// held, and may re-enter the context.
//
// Implementations may also implement any of [SourcePreparer],
// [SourceChecker], [SourceFinalizer], and [SourceDisposer].
type SourceFuncs interface {
	Dispatch(source *Source, callback any) bool
}

// SourcePreparer is an optional extension of [SourceFuncs]. Prepare is called
// before polling, and reports whether the source is ready, plus the maximum
// time to poll for, in milliseconds (-1 for no limit). It is never called for
// a source that is already ready.
type SourcePreparer interface {
	Prepare(source *Source) (ready bool, timeout int)
}

// SourceChecker is an optional extension of [SourceFuncs]. Check is called
// after polling, for sources that are not already ready. Sources without a
// checker are ready if any of their poll records reported events.
type SourceChecker interface {
	Check(source *Source) bool
}

// SourceFinalizer is an optional extension of [SourceFuncs]. Finalize is
// called exactly once, after the last reference to the source is dropped.
type SourceFinalizer interface {
	Finalize(source *Source)
}

// SourceDisposer is an optional extension of [SourceFuncs]. Dispose is called
// when the reference count is about to reach zero, and may resurrect the
// source by taking a new reference.
type SourceDisposer interface {
	Dispose(source *Source)
}

type sourceFlags uint32

const (
	flagActive sourceFlags = 1 << iota
	flagInCall
	flagCanRecurse
	flagBlocked
	flagReady
)

// Source is an event source, dispatched by the [MainContext] it is attached
// to. Sources are created with a reference count of one, which the creator
// drops with [Source.Unref], typically right after [Source.Attach].
//
// Setters are safe to call from any goroutine.
type Source struct {
	funcs SourceFuncs

	// set once, on attach
	context atomic.Pointer[MainContext]

	callback *sourceCallback
	list     *sourceList
	parent   *Source

	name     string
	pollFDs  []*PollFD
	children []*Source

	priority  int
	readyTime int64

	refCount atomic.Int32
	flags    atomic.Uint32

	id uint32
}

// sourceCallback holds a callback and its destroy notification. It is
// reference counted so a dispatch in progress keeps it alive across a
// [Source.SetCallback] or [Source.Destroy].
type sourceCallback struct {
	fn       any
	userData any
	notify   func()
	refs     atomic.Int32
}

func newSourceCallback(fn, userData any, notify func()) *sourceCallback {
	cb := &sourceCallback{fn: fn, userData: userData, notify: notify}
	cb.refs.Store(1)
	return cb
}

func (x *sourceCallback) ref() {
	x.refs.Add(1)
}

func (x *sourceCallback) unref() {
	if x.refs.Add(-1) == 0 && x.notify != nil {
		x.notify()
	}
}

// NewSource creates a new, unattached source, with a reference count of one.
func NewSource(funcs SourceFuncs) *Source {
	if funcs == nil {
		violation("nil source funcs")
	}
	s := &Source{
		funcs:     funcs,
		priority:  PriorityDefault,
		readyTime: ReadyTimeNever,
	}
	s.refCount.Store(1)
	s.flags.Store(uint32(flagActive))
	return s
}

func (s *Source) hasFlag(f sourceFlags) bool { return sourceFlags(s.flags.Load())&f != 0 }

func (s *Source) setFlag(f sourceFlags) { s.flags.Or(uint32(f)) }

func (s *Source) clearFlag(f sourceFlags) { s.flags.And(^uint32(f)) }

func (s *Source) isBlocked() bool { return s.hasFlag(flagBlocked) }

// lock locks the context the source is attached to, if any, returning it.
func (s *Source) lock() *MainContext {
	c := s.context.Load()
	if c != nil {
		c.mu.Lock()
	}
	return c
}

func unlock(c *MainContext) {
	if c != nil {
		c.mu.Unlock()
	}
}

// Funcs returns the implementation the source was created with.
func (s *Source) Funcs() SourceFuncs { return s.funcs }

// Context returns the context the source was attached to, or nil. The result
// remains valid after the source is destroyed.
func (s *Source) Context() *MainContext { return s.context.Load() }

// IsDestroyed reports whether the source has been destroyed.
func (s *Source) IsDestroyed() bool { return !s.hasFlag(flagActive) }

// ID returns the ID assigned when the source was attached, or 0.
func (s *Source) ID() uint32 {
	c := s.lock()
	defer unlock(c)
	return s.id
}

// Name returns the name of the source, used in log output.
func (s *Source) Name() string {
	c := s.lock()
	defer unlock(c)
	return s.name
}

// SetName sets the name of the source.
func (s *Source) SetName(name string) {
	c := s.lock()
	defer unlock(c)
	s.name = name
}

// Ref takes a new reference to the source, returning it.
func (s *Source) Ref() *Source {
	if s.refCount.Add(1) <= 1 {
		violation("ref of a finalized source")
	}
	return s
}

// Unref drops a reference. The source is finalized when the last reference is
// dropped.
func (s *Source) Unref() {
	c := s.context.Load()
	s.unref(c, false)
}

// unref drops a reference, finalizing the source if it was the last. If
// haveLock is true the caller holds c.mu, which is temporarily released to
// call the dispose and finalize hooks, and the callback notification.
func (s *Source) unref(c *MainContext, haveLock bool) {
	if c != nil && !haveLock {
		c.mu.Lock()
		defer c.mu.Unlock()
	}

	disposed := false
	for {
		old := s.refCount.Load()
		if old > 1 {
			if s.refCount.CompareAndSwap(old, old-1) {
				return
			}
			continue
		}
		if old <= 0 {
			violation("unref of a finalized source")
		}
		if d, ok := s.funcs.(SourceDisposer); ok && !disposed {
			disposed = true
			if c != nil {
				c.unlocked(func() { d.Dispose(s) })
			} else {
				d.Dispose(s)
			}
			continue
		}
		if s.refCount.CompareAndSwap(1, 0) {
			break
		}
	}

	if c != nil {
		if !s.IsDestroyed() {
			sourceWarningLocked(s, "finalize", "source finalized while still attached")
		}
		c.removeSourceFromList(s)
		delete(c.sources, s.id)
	}

	if f, ok := s.funcs.(SourceFinalizer); ok {
		// nominal reference, so the finalizer may call methods
		s.refCount.Add(1)
		if c != nil {
			c.unlocked(func() { f.Finalize(s) })
		} else {
			f.Finalize(s)
		}
		s.refCount.Add(-1)
	}

	if cb := s.callback; cb != nil {
		s.callback = nil
		if c != nil {
			c.unlocked(cb.unref)
		} else {
			cb.unref()
		}
	}

	// children of a source that was never attached are still referenced here
	for len(s.children) != 0 {
		child := s.children[0]
		s.children = s.children[1:]
		child.parent = nil
		child.unref(c, true)
	}
	s.children = nil
	s.pollFDs = nil
}

// Attach attaches the source to a context, returning its ID. A nil context
// means [Default]. The context takes its own reference to the source.
func (s *Source) Attach(c *MainContext) uint32 {
	if c == nil {
		c = Default()
	}
	if s.parent != nil {
		violation("cannot attach a child source directly")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attachUnlocked(s, true)
}

// Destroy removes the source from its context, and releases its callback. A
// destroyed source is never dispatched again, though it stays allocated while
// it is referenced. Destroying a destroyed source is a no-op. It is safe to
// call from the source's own dispatch.
func (s *Source) Destroy() {
	c := s.context.Load()
	if c == nil {
		s.clearFlag(flagActive)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyUnlocked(s)
}

// Priority returns the priority of the source.
func (s *Source) Priority() int {
	c := s.lock()
	defer unlock(c)
	return s.priority
}

// SetPriority sets the priority of the source. Child sources always have the
// priority of their parent, and calling this on one panics.
func (s *Source) SetPriority(priority int) {
	c := s.lock()
	defer unlock(c)
	if s.parent != nil {
		violation("cannot change the priority of a child source")
	}
	if s.IsDestroyed() {
		sourceWarningLocked(s, "destroyed", "set priority of a destroyed source")
		return
	}
	c.setPriorityUnlocked(s, priority)
}

// setPriorityUnlocked sets the priority of a source and its children. The
// receiver may be nil, for unattached sources.
func (c *MainContext) setPriorityUnlocked(s *Source, priority int) {
	if c != nil {
		c.removeSourceFromList(s)
	}
	s.priority = priority
	if c != nil {
		c.addSourceToList(s)
		if !s.isBlocked() {
			for _, fd := range s.pollFDs {
				c.removePollUnlocked(fd)
				c.addPollUnlocked(priority, fd)
			}
		}
	}
	for _, child := range s.children {
		c.setPriorityUnlocked(child, priority)
	}
}

// CanRecurse reports whether the source may be dispatched while it is
// already being dispatched, from a nested iteration.
func (s *Source) CanRecurse() bool { return s.hasFlag(flagCanRecurse) }

// SetCanRecurse sets whether the source may be dispatched recursively. By
// default it is blocked, for the duration of its dispatch.
func (s *Source) SetCanRecurse(canRecurse bool) {
	c := s.lock()
	defer unlock(c)
	if canRecurse {
		s.setFlag(flagCanRecurse)
	} else {
		s.clearFlag(flagCanRecurse)
	}
}

// ReadyTime returns the monotonic time (see [MonotonicTime]) at which the
// source becomes ready, or [ReadyTimeNever].
func (s *Source) ReadyTime() int64 {
	c := s.lock()
	defer unlock(c)
	return s.readyTime
}

// SetReadyTime sets the monotonic time at which the source unconditionally
// becomes ready. Zero means ready on every iteration, and [ReadyTimeNever]
// disables it. The ready time is not reset by dispatch.
func (s *Source) SetReadyTime(readyTime int64) {
	c := s.lock()
	defer unlock(c)
	if s.IsDestroyed() {
		sourceWarningLocked(s, "destroyed", "set ready time of a destroyed source")
		return
	}
	if readyTime < ReadyTimeNever {
		readyTime = ReadyTimeNever
	}
	if s.readyTime == readyTime {
		return
	}
	s.readyTime = readyTime
	if c != nil && !s.isBlocked() {
		// the poll timeout may need to shrink
		c.wake.Signal()
	}
}

// Time returns the cached time of the current iteration of the context the
// source is attached to, see [MainContext.Now].
func (s *Source) Time() int64 {
	c := s.context.Load()
	if c == nil {
		violation("time of an unattached source")
	}
	return c.Now()
}

// SetCallback sets the value passed to the dispatch of the source, with an
// optional notify function, called once the callback is released. The
// callback is released when it is replaced, the source is destroyed, or the
// source is finalized, after any dispatch in progress completes.
func (s *Source) SetCallback(fn any, notify func()) {
	s.SetCallbackFull(fn, nil, notify)
}

// SetCallbackFull is [Source.SetCallback], with user data identifying the
// callback, for [MainContext.FindSourceByUserData] and friends. The user data
// must be comparable, and is released along with the callback.
func (s *Source) SetCallbackFull(fn, userData any, notify func()) {
	checkComparable(userData)
	c := s.lock()
	if s.IsDestroyed() {
		sourceWarningLocked(s, "destroyed", "set callback of a destroyed source")
		unlock(c)
		if notify != nil {
			notify()
		}
		return
	}
	old := s.callback
	s.callback = newSourceCallback(fn, userData, notify)
	unlock(c)
	if old != nil {
		old.unref()
	}
}

// UserData returns the user data of the callback, or nil.
func (s *Source) UserData() any {
	c := s.lock()
	defer unlock(c)
	if s.callback == nil {
		return nil
	}
	return s.callback.userData
}

func checkComparable(v any) {
	if v != nil && !reflect.TypeOf(v).Comparable() {
		violation("uncomparable user data of type %T", v)
	}
}

// AddPoll adds a caller-owned poll record to the source. The record's Revents
// are set by the context after each poll. The record must not be modified
// while it is registered, except through [Source.ModifyUnixFD].
func (s *Source) AddPoll(fd *PollFD) {
	if fd == nil {
		violation("nil poll record")
	}
	c := s.lock()
	defer unlock(c)
	if s.IsDestroyed() {
		sourceWarningLocked(s, "destroyed", "add poll to a destroyed source")
		return
	}
	s.pollFDs = append(s.pollFDs, fd)
	if c != nil && !s.isBlocked() {
		c.addPollUnlocked(s.priority, fd)
	}
}

// RemovePoll removes a poll record added via [Source.AddPoll].
func (s *Source) RemovePoll(fd *PollFD) {
	c := s.lock()
	defer unlock(c)
	if s.IsDestroyed() {
		sourceWarningLocked(s, "destroyed", "remove poll from a destroyed source")
		return
	}
	i := slices.Index(s.pollFDs, fd)
	if i < 0 {
		return
	}
	s.pollFDs = slices.Delete(s.pollFDs, i, i+1)
	if c != nil && !s.isBlocked() {
		c.removePollUnlocked(fd)
	}
}

// AddUnixFD watches fd for the given conditions, returning a tag for use with
// [Source.ModifyUnixFD], [Source.QueryUnixFD] and [Source.RemoveUnixFD].
func (s *Source) AddUnixFD(fd int, events IOCondition) *PollFD {
	tag := &PollFD{FD: fd, Events: events}
	s.AddPoll(tag)
	return tag
}

// ModifyUnixFD changes the conditions watched for a tag from
// [Source.AddUnixFD].
func (s *Source) ModifyUnixFD(tag *PollFD, events IOCondition) {
	c := s.lock()
	defer unlock(c)
	if !slices.Contains(s.pollFDs, tag) {
		violation("modify of an unknown unix fd tag")
	}
	tag.Events = events
	if c != nil {
		c.pollChanged = true
		c.wake.Signal()
	}
}

// RemoveUnixFD stops watching a tag from [Source.AddUnixFD].
func (s *Source) RemoveUnixFD(tag *PollFD) {
	s.RemovePoll(tag)
}

// QueryUnixFD returns the conditions observed for a tag from
// [Source.AddUnixFD], during the last poll.
func (s *Source) QueryUnixFD(tag *PollFD) IOCondition {
	c := s.lock()
	defer unlock(c)
	return tag.Revents
}

// AddChildSource adds a child to the source. The child must not be attached.
// It takes the priority of the parent, is attached along with it, and is
// destroyed along with it. A ready child makes the parent ready, and the
// child is dispatched first.
func (s *Source) AddChildSource(child *Source) {
	if child == nil || child == s {
		violation("invalid child source")
	}
	c := s.lock()
	defer unlock(c)
	if s.IsDestroyed() || child.IsDestroyed() {
		violation("add child source with a destroyed source")
	}
	if child.context.Load() != nil || child.parent != nil {
		violation("child source is already attached")
	}
	s.children = append(s.children, child.Ref())
	child.parent = s
	(*MainContext)(nil).setPriorityUnlocked(child, s.priority)
	if s.isBlocked() {
		(*MainContext)(nil).blockSource(child)
	}
	if c != nil {
		c.attachUnlocked(child, true)
	}
}

// RemoveChildSource detaches and destroys a child of the source.
func (s *Source) RemoveChildSource(child *Source) {
	c := s.lock()
	defer unlock(c)
	if child == nil || child.parent != s {
		violation("not a child of this source")
	}
	if s.IsDestroyed() {
		violation("remove child source from a destroyed source")
	}
	c.removeChildUnlocked(s, child)
}

// removeChildUnlocked removes child from parent, destroying it and dropping
// the parent's reference. The receiver may be nil.
func (c *MainContext) removeChildUnlocked(parent, child *Source) {
	if i := slices.Index(parent.children, child); i >= 0 {
		parent.children = slices.Delete(parent.children, i, i+1)
	}
	child.parent = nil
	if c != nil {
		c.destroyUnlocked(child)
	} else {
		child.clearFlag(flagActive)
	}
	child.unref(c, true)
}

// blockSource removes the source and its children from the poll set. The
// receiver may be nil.
func (c *MainContext) blockSource(s *Source) {
	if s.isBlocked() {
		return
	}
	s.setFlag(flagBlocked)
	if c != nil {
		for _, fd := range s.pollFDs {
			c.removePollUnlocked(fd)
		}
	}
	for _, child := range s.children {
		c.blockSource(child)
	}
}

// unblockSource reverses blockSource, skipping destroyed sources, whose poll
// records were already removed.
func (c *MainContext) unblockSource(s *Source) {
	if !s.isBlocked() || s.IsDestroyed() {
		return
	}
	s.clearFlag(flagBlocked)
	for _, fd := range s.pollFDs {
		c.addPollUnlocked(s.priority, fd)
	}
	for _, child := range s.children {
		c.unblockSource(child)
	}
}

// markReady flags the source and its ancestors as ready.
func markReady(s *Source) {
	for ; s != nil; s = s.parent {
		s.setFlag(flagReady)
	}
}
