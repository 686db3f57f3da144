package mainloop

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/joeycumines/go-mainloop/goroutineid"
	"github.com/joeycumines/go-mainloop/wakeup"
)

// wakeupPriority ensures the wakeup record is included in every query.
const wakeupPriority = math.MinInt

// MainContext is a set of sources, dispatched by the goroutine that owns it.
// See the package documentation for the iteration model.
type MainContext struct {
	mu   sync.Mutex
	cond *sync.Cond

	warner   *warner
	pollFunc PollFunc
	wake     *wakeup.Wakeup
	pending  *queue.Queue
	sources  map[uint32]*Source
	name     string
	waiters  []*sync.Cond

	sourceLists     []*sourceList
	pollRecords     []pollRecord
	cachedPollArray []PollFD
	snapshot        []*Source

	wakeRecord PollFD

	owner      uint64
	ownerCount int

	// timeout is the poll timeout computed by prepare, in microseconds
	timeout int64
	// time is the cached time of the current iteration
	time             int64
	inCheckOrPrepare int

	nextID uint32

	pollChanged bool
	timeIsFresh bool
	closed      bool
}

// sourceList holds the sources of a single priority, in dispatch order.
type sourceList struct {
	sources  []*Source
	priority int
}

// pollRecord is a poll record registered by a source, sorted by descriptor.
type pollRecord struct {
	fd       *PollFD
	priority int
}

var (
	defaultContext     atomic.Pointer[MainContext]
	defaultContextOnce sync.Once
)

// Default returns the process-wide default context, creating it on first
// use. It is never closed.
func Default() *MainContext {
	defaultContextOnce.Do(func() {
		c, err := NewContext(WithName("default"))
		if err != nil {
			panic(fmt.Errorf("mainloop: default context: %w", err))
		}
		defaultContext.Store(c)
	})
	return defaultContext.Load()
}

// NewContext creates a new context, which must be closed with
// [MainContext.Close] once it is no longer used.
func NewContext(opts ...ContextOption) (*MainContext, error) {
	cfg, err := resolveContextOptions(opts)
	if err != nil {
		return nil, err
	}

	wake, err := wakeup.New()
	if err != nil {
		return nil, fmt.Errorf("mainloop: create wakeup: %w", err)
	}

	c := &MainContext{
		warner:   newWarner(cfg.logger, cfg.name),
		pollFunc: cfg.pollFunc,
		wake:     wake,
		pending:  queue.New(),
		sources:  make(map[uint32]*Source),
		name:     cfg.name,
		timeout:  -1,
		nextID:   1,
		wakeRecord: PollFD{
			FD:     wake.FD(),
			Events: IOCondition(wake.Events()),
		},
	}
	c.cond = sync.NewCond(&c.mu)
	c.addPollUnlocked(wakeupPriority, &c.wakeRecord)

	return c, nil
}

// Name returns the name set by [WithName].
func (c *MainContext) Name() string { return c.name }

// unlocked calls fn with c.mu released, reacquiring it even if fn panics.
func (c *MainContext) unlocked(fn func()) {
	c.mu.Unlock()
	defer c.mu.Lock()
	fn()
}

// Close destroys every source attached to the context, then releases its
// resources. The context must not be in use by any other goroutine.
func (c *MainContext) Close() error {
	self := goroutineid.Get()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrContextClosed
	}
	if c.owner != 0 && c.owner != self {
		violation("close of a context owned by another goroutine")
	}

	for c.pending.Length() != 0 {
		c.pending.Remove().(*Source).unref(c, true)
	}

	var sources []*Source
	for _, list := range c.sourceLists {
		for _, s := range list.sources {
			sources = append(sources, s.Ref())
		}
	}
	for _, s := range sources {
		c.destroyUnlocked(s)
	}
	for _, s := range sources {
		s.unref(c, true)
	}

	c.closed = true
	c.cachedPollArray = nil
	c.cond.Broadcast()

	return c.wake.Close()
}

// Acquire attempts to make the calling goroutine the owner of the context,
// returning false if another goroutine owns it. Ownership is recursive, and
// each successful call must be paired with [MainContext.Release].
func (c *MainContext) Acquire() bool {
	self := goroutineid.Get()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquireUnlocked(self)
}

func (c *MainContext) acquireUnlocked(self uint64) bool {
	if c.owner == 0 {
		c.owner = self
	}
	if c.owner != self {
		return false
	}
	c.ownerCount++
	return true
}

// Release releases ownership taken by [MainContext.Acquire], waking one
// goroutine waiting on ownership, if any, once the last is released.
func (c *MainContext) Release() {
	self := goroutineid.Get()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseUnlocked(self)
}

func (c *MainContext) releaseUnlocked(self uint64) {
	if c.owner != self || c.ownerCount == 0 {
		violation("release of a context not owned by the calling goroutine")
	}
	c.ownerCount--
	if c.ownerCount != 0 {
		return
	}
	c.owner = 0
	if len(c.waiters) == 0 {
		return
	}
	cond := c.waiters[0]
	c.waiters[0] = nil
	c.waiters = c.waiters[1:]
	if cond == c.cond {
		cond.Signal()
		return
	}
	// locking cond.L here would invert the lock order used by Wait
	go func() {
		cond.L.Lock()
		cond.Signal()
		cond.L.Unlock()
	}()
}

// IsOwner reports whether the calling goroutine owns the context.
func (c *MainContext) IsOwner() bool {
	self := goroutineid.Get()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner == self
}

// Wait acquires the context, if it is not owned by another goroutine, or
// waits on cond until the owner releases it, then tries once more. The caller
// must hold cond.L, which is released while waiting. It returns whether the
// context was acquired.
func (c *MainContext) Wait(cond *sync.Cond) bool {
	if cond == nil {
		violation("wait with a nil cond")
	}
	self := goroutineid.Get()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitUnlocked(self, cond)
}

func (c *MainContext) waitUnlocked(self uint64, cond *sync.Cond) bool {
	if c.owner != 0 && c.owner != self && !c.closed {
		c.waiters = append(c.waiters, cond)
		if cond == c.cond {
			cond.Wait()
		} else {
			c.mu.Unlock()
			cond.Wait()
			c.mu.Lock()
		}
		if i := slices.Index(c.waiters, cond); i >= 0 {
			c.waiters = slices.Delete(c.waiters, i, i+1)
		}
	}
	return c.acquireUnlocked(self)
}

// Wakeup interrupts the poll of the context, if it is blocked in one. It is
// safe to call from any goroutine.
func (c *MainContext) Wakeup() {
	c.wake.Signal()
}

// Now returns the time at which the current iteration started, refreshing it
// after any blocking poll. See [MonotonicTime].
func (c *MainContext) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowUnlocked()
}

func (c *MainContext) nowUnlocked() int64 {
	if !c.timeIsFresh {
		c.time = MonotonicTime()
		c.timeIsFresh = true
	}
	return c.time
}

// PollFunc returns the function used to poll.
func (c *MainContext) PollFunc() PollFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pollFunc
}

// SetPollFunc sets the function used to poll. A nil func restores [Poll].
func (c *MainContext) SetPollFunc(fn PollFunc) {
	if fn == nil {
		fn = Poll
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pollFunc = fn
}

// AddPoll adds a poll record to the context itself, not associated with any
// source. It is polled whenever sources of the given priority would be.
func (c *MainContext) AddPoll(fd *PollFD, priority int) {
	if fd == nil {
		violation("nil poll record")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addPollUnlocked(priority, fd)
}

// RemovePoll removes a record added via [MainContext.AddPoll].
func (c *MainContext) RemovePoll(fd *PollFD) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removePollUnlocked(fd)
}

func (c *MainContext) addPollUnlocked(priority int, fd *PollFD) {
	// stable, so records for the same descriptor keep their insertion order
	i, _ := slices.BinarySearchFunc(c.pollRecords, fd.FD+1, func(r pollRecord, target int) int {
		if r.fd.FD < target {
			return -1
		}
		return 1
	})
	c.pollRecords = slices.Insert(c.pollRecords, i, pollRecord{fd: fd, priority: priority})
	c.pollChanged = true
	if fd != &c.wakeRecord {
		c.wake.Signal()
	}
}

func (c *MainContext) removePollUnlocked(fd *PollFD) {
	i := slices.IndexFunc(c.pollRecords, func(r pollRecord) bool { return r.fd == fd })
	if i < 0 {
		return
	}
	c.pollRecords = slices.Delete(c.pollRecords, i, i+1)
	c.pollChanged = true
	c.wake.Signal()
}

// attachUnlocked registers a source and its children, returning its ID.
func (c *MainContext) attachUnlocked(s *Source, wake bool) uint32 {
	if c.closed {
		violation("attach to a closed context")
	}
	if s.context.Load() != nil {
		violation("source is already attached")
	}
	if s.IsDestroyed() {
		violation("attach of a destroyed source")
	}

	s.context.Store(c)
	s.id = c.allocID()
	s.refCount.Add(1)
	c.sources[s.id] = s
	c.addSourceToList(s)

	if !s.isBlocked() {
		for _, fd := range s.pollFDs {
			c.addPollUnlocked(s.priority, fd)
		}
	}

	for _, child := range s.children {
		c.attachUnlocked(child, false)
	}

	if wake && c.owner != 0 && c.owner != goroutineid.Get() {
		c.wake.Signal()
	}

	return s.id
}

// allocID returns the next unused ID, skipping zero and live IDs, after
// wrapping around.
func (c *MainContext) allocID() uint32 {
	for {
		id := c.nextID
		c.nextID++
		if id == 0 {
			continue
		}
		if _, ok := c.sources[id]; ok {
			continue
		}
		return id
	}
}

// destroyUnlocked deactivates a source, releasing its callback, poll records,
// children, and the context's reference.
func (c *MainContext) destroyUnlocked(s *Source) {
	if s.IsDestroyed() {
		return
	}
	s.clearFlag(flagActive)

	if cb := s.callback; cb != nil {
		s.callback = nil
		c.unlocked(cb.unref)
	}

	if !s.isBlocked() {
		for _, fd := range s.pollFDs {
			c.removePollUnlocked(fd)
		}
	}

	for len(s.children) != 0 {
		c.removeChildUnlocked(s, s.children[0])
	}

	if s.parent != nil {
		c.removeChildUnlocked(s.parent, s)
	}

	s.unref(c, true)
}

// addSourceToList inserts the source at the end of its priority band, or,
// for a child, immediately before its parent.
func (c *MainContext) addSourceToList(s *Source) {
	if s.parent != nil && s.parent.list != nil {
		list := s.parent.list
		i := slices.Index(list.sources, s.parent)
		list.sources = slices.Insert(list.sources, i, s)
		s.list = list
		return
	}

	i, found := slices.BinarySearchFunc(c.sourceLists, s.priority, func(l *sourceList, priority int) int {
		switch {
		case l.priority < priority:
			return -1
		case l.priority > priority:
			return 1
		default:
			return 0
		}
	})
	if !found {
		c.sourceLists = slices.Insert(c.sourceLists, i, &sourceList{priority: s.priority})
	}
	list := c.sourceLists[i]
	list.sources = append(list.sources, s)
	s.list = list
}

func (c *MainContext) removeSourceFromList(s *Source) {
	list := s.list
	if list == nil {
		return
	}
	s.list = nil
	if i := slices.Index(list.sources, s); i >= 0 {
		list.sources = slices.Delete(list.sources, i, i+1)
	}
	if len(list.sources) == 0 {
		if i := slices.Index(c.sourceLists, list); i >= 0 {
			c.sourceLists = slices.Delete(c.sourceLists, i, i+1)
		}
	}
}

// snapshotSources returns every source, in dispatch order. The result is
// reused, and must be cleared with releaseSnapshot.
func (c *MainContext) snapshotSources() []*Source {
	snap := c.snapshot[:0]
	for _, list := range c.sourceLists {
		snap = append(snap, list.sources...)
	}
	c.snapshot = nil
	return snap
}

func (c *MainContext) releaseSnapshot(snap []*Source) {
	clear(snap)
	c.snapshot = snap[:0]
}

// FindSourceByID returns the live source with the given ID, or nil.
func (c *MainContext) FindSourceByID(id uint32) *Source {
	if c == nil {
		c = Default()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.sources[id]; s != nil && !s.IsDestroyed() {
		return s
	}
	return nil
}

// RemoveSource destroys the live source with the given ID, returning false if
// there was none.
func (c *MainContext) RemoveSource(id uint32) bool {
	if c == nil {
		c = Default()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sources[id]
	if s == nil || s.IsDestroyed() {
		return false
	}
	c.destroyUnlocked(s)
	return true
}

// FindSourceByUserData returns the first live source, in dispatch order, whose
// callback has the given user data, see [Source.SetCallbackFull]. Nil user
// data matches nothing. A nil receiver means [Default].
func (c *MainContext) FindSourceByUserData(userData any) *Source {
	return c.findSource(nil, userData)
}

// FindSourceByFuncsUserData is [MainContext.FindSourceByUserData], only
// matching sources created with funcs, compared with ==.
func (c *MainContext) FindSourceByFuncsUserData(funcs SourceFuncs, userData any) *Source {
	if funcs == nil {
		violation("find source by nil funcs")
	}
	return c.findSource(funcs, userData)
}

// RemoveSourceByUserData destroys the source found by
// [MainContext.FindSourceByUserData], returning false if there was none.
func (c *MainContext) RemoveSourceByUserData(userData any) bool {
	return c.removeSource(nil, userData)
}

// RemoveSourceByFuncsUserData destroys the source found by
// [MainContext.FindSourceByFuncsUserData], returning false if there was none.
func (c *MainContext) RemoveSourceByFuncsUserData(funcs SourceFuncs, userData any) bool {
	if funcs == nil {
		violation("remove source by nil funcs")
	}
	return c.removeSource(funcs, userData)
}

func (c *MainContext) removeSource(funcs SourceFuncs, userData any) bool {
	if c == nil {
		c = Default()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.findSourceUnlocked(funcs, userData)
	if s == nil {
		return false
	}
	c.destroyUnlocked(s)
	return true
}

func (c *MainContext) findSource(funcs SourceFuncs, userData any) *Source {
	if c == nil {
		c = Default()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findSourceUnlocked(funcs, userData)
}

func (c *MainContext) findSourceUnlocked(funcs SourceFuncs, userData any) *Source {
	checkComparable(userData)
	checkComparable(funcs)
	if userData == nil {
		return nil
	}
	for _, list := range c.sourceLists {
		for _, s := range list.sources {
			if s.IsDestroyed() || s.callback == nil || s.callback.userData != userData {
				continue
			}
			if funcs != nil && s.funcs != funcs {
				continue
			}
			return s
		}
	}
	return nil
}
