package mainloop

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSource_AttachAssignsUniqueIDs(t *testing.T) {
	c := newTestContext(t)

	seen := make(map[uint32]bool)
	for range 10 {
		s := NewSource(&testFuncs{})
		id := s.Attach(c)
		s.Unref()
		require.NotZero(t, id)
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
		require.Same(t, s, c.FindSourceByID(id))
	}
}

func TestSource_AllocIDSkipsZeroAndLive(t *testing.T) {
	c := newTestContext(t)

	live := NewSource(&testFuncs{})
	defer live.Unref()
	liveID := live.Attach(c)

	c.mu.Lock()
	c.nextID = ^uint32(0)
	c.mu.Unlock()

	s1 := NewSource(&testFuncs{})
	defer s1.Unref()
	require.Equal(t, ^uint32(0), s1.Attach(c))

	c.mu.Lock()
	require.Equal(t, uint32(0), c.nextID)
	c.mu.Unlock()

	s2 := NewSource(&testFuncs{})
	defer s2.Unref()
	id := s2.Attach(c)
	require.NotZero(t, id)
	require.NotEqual(t, liveID, id)
}

func TestSource_AttachTwicePanics(t *testing.T) {
	c := newTestContext(t)
	s := NewSource(&testFuncs{})
	defer s.Unref()
	s.Attach(c)
	require.PanicsWithValue(t, "mainloop: source is already attached", func() { s.Attach(c) })
}

func TestSource_AttachDestroyedPanics(t *testing.T) {
	c := newTestContext(t)
	s := NewSource(&testFuncs{})
	defer s.Unref()
	s.Destroy()
	require.True(t, s.IsDestroyed())
	require.PanicsWithValue(t, "mainloop: attach of a destroyed source", func() { s.Attach(c) })
}

func TestSource_DestroyIsIdempotent(t *testing.T) {
	c := newTestContext(t)
	funcs := &testFuncs{}
	s := NewSource(funcs)
	id := s.Attach(c)

	var notified atomic.Int32
	s.SetCallback(SourceFunc(func() bool { return SourceContinue }), func() { notified.Add(1) })

	s.Destroy()
	s.Destroy()
	require.True(t, s.IsDestroyed())
	require.Nil(t, c.FindSourceByID(id))
	require.False(t, c.RemoveSource(id))
	require.Equal(t, int32(1), notified.Load())

	// still referenced by the caller
	require.Zero(t, funcs.finalized.Load())
	s.Unref()
	require.Equal(t, int32(1), funcs.finalized.Load())

	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotContains(t, c.sources, id)
	require.Empty(t, c.sourceLists)
}

func TestSource_FinalizeAfterDestroy(t *testing.T) {
	c := newTestContext(t)
	funcs := &testFuncs{}
	s := NewSource(funcs)
	id := s.Attach(c)
	s.Unref()
	require.Zero(t, funcs.finalized.Load())

	require.True(t, c.RemoveSource(id))
	require.Equal(t, int32(1), funcs.finalized.Load())
}

func TestSource_FinalizeUnattached(t *testing.T) {
	funcs := &testFuncs{}
	s := NewSource(funcs)
	var notified bool
	s.SetCallback(nil, func() { notified = true })
	s.Unref()
	require.Equal(t, int32(1), funcs.finalized.Load())
	require.True(t, notified)
}

type disposeFuncs struct {
	testFuncs
	resurrect *Source
	disposed  int
}

func (x *disposeFuncs) Dispose(s *Source) {
	x.disposed++
	if x.disposed == 1 {
		x.resurrect = s.Ref()
	}
}

func TestSource_DisposeMayResurrect(t *testing.T) {
	funcs := &disposeFuncs{}
	s := NewSource(funcs)
	s.Unref()
	require.Equal(t, 1, funcs.disposed)
	require.Zero(t, funcs.finalized.Load())
	require.Same(t, s, funcs.resurrect)

	funcs.resurrect.Unref()
	require.Equal(t, 2, funcs.disposed)
	require.Equal(t, int32(1), funcs.finalized.Load())
}

func TestSource_SetCallbackReleasesPrevious(t *testing.T) {
	s := NewSource(&testFuncs{})
	var first, second int
	s.SetCallback(nil, func() { first++ })
	s.SetCallback(nil, func() { second++ })
	require.Equal(t, 1, first)
	require.Zero(t, second)
	s.Unref()
	require.Equal(t, 1, first)
	require.Equal(t, 1, second)
}

func TestSource_ChildSources(t *testing.T) {
	c := newTestContext(t)

	parentFuncs := &testFuncs{}
	childFuncs := &testFuncs{}
	parent := NewSource(parentFuncs)
	child := NewSource(childFuncs)
	parent.SetPriority(PriorityHigh)
	parent.AddChildSource(child)
	child.Unref()

	require.Equal(t, PriorityHigh, child.Priority())
	require.PanicsWithValue(t, "mainloop: cannot change the priority of a child source", func() {
		child.SetPriority(PriorityLow)
	})

	parent.Attach(c)
	require.NotZero(t, child.ID())
	require.Same(t, c, child.Context())

	// children are dispatched first
	c.mu.Lock()
	require.Len(t, c.sourceLists, 1)
	require.Equal(t, []*Source{child, parent}, c.sourceLists[0].sources)
	c.mu.Unlock()

	parent.SetPriority(PriorityLow)
	require.Equal(t, PriorityLow, child.Priority())
	c.mu.Lock()
	require.Equal(t, []*Source{child, parent}, c.sourceLists[0].sources)
	require.Equal(t, PriorityLow, c.sourceLists[0].priority)
	c.mu.Unlock()

	parent.Destroy()
	require.True(t, child.IsDestroyed())
	require.Equal(t, int32(1), childFuncs.finalized.Load())
	require.Zero(t, parentFuncs.finalized.Load())
	parent.Unref()
	require.Equal(t, int32(1), parentFuncs.finalized.Load())
}

func TestSource_RemoveChildSource(t *testing.T) {
	c := newTestContext(t)

	parent := NewSource(&testFuncs{})
	defer parent.Unref()
	childFuncs := &testFuncs{}
	child := NewSource(childFuncs)
	parent.Attach(c)
	parent.AddChildSource(child)
	child.Unref()
	require.Same(t, c, child.Context())

	parent.RemoveChildSource(child)
	require.True(t, child.IsDestroyed())
	require.False(t, parent.IsDestroyed())
	require.Equal(t, int32(1), childFuncs.finalized.Load())

	require.PanicsWithValue(t, "mainloop: not a child of this source", func() {
		parent.RemoveChildSource(child)
	})
}

func TestSource_ChildReadinessDispatchesParent(t *testing.T) {
	c := newTestContext(t)

	var order []string
	parent := NewSource(&testFuncs{dispatch: func(*Source, any) bool {
		order = append(order, "parent")
		return SourceContinue
	}})
	defer parent.Unref()
	child := NewSource(&testFuncs{dispatch: func(s *Source, _ any) bool {
		order = append(order, "child")
		s.SetReadyTime(ReadyTimeNever)
		return SourceContinue
	}})
	child.SetReadyTime(0)
	parent.AddChildSource(child)
	child.Unref()
	parent.Attach(c)

	require.True(t, c.Iteration(false))
	require.Equal(t, []string{"child", "parent"}, order)

	require.False(t, c.Iteration(false))
	require.Equal(t, []string{"child", "parent"}, order)
}

func TestSource_PollRecordsFollowBlockAndPriority(t *testing.T) {
	c := newTestContext(t)
	r, _ := newPipe(t)

	s := NewSource(&testFuncs{})
	defer s.Unref()
	tag := s.AddUnixFD(r, IOIn)
	s.Attach(c)

	records := func() []pollRecord {
		c.mu.Lock()
		defer c.mu.Unlock()
		var out []pollRecord
		for _, rec := range c.pollRecords {
			if rec.fd != &c.wakeRecord {
				out = append(out, rec)
			}
		}
		return out
	}

	require.Equal(t, []pollRecord{{fd: tag, priority: PriorityDefault}}, records())

	s.SetPriority(PriorityHigh)
	require.Equal(t, []pollRecord{{fd: tag, priority: PriorityHigh}}, records())

	c.mu.Lock()
	c.blockSource(s)
	c.mu.Unlock()
	require.Empty(t, records())

	// recorded on the source, polled once unblocked
	second := s.AddUnixFD(r, IOOut)
	require.Empty(t, records())

	c.mu.Lock()
	c.unblockSource(s)
	c.mu.Unlock()
	require.Len(t, records(), 2)

	s.RemoveUnixFD(second)
	require.Equal(t, []pollRecord{{fd: tag, priority: PriorityHigh}}, records())

	s.Destroy()
	require.Empty(t, records())
}

func TestSource_ModifyUnixFD(t *testing.T) {
	c := newTestContext(t)
	r, w := newPipe(t)

	s := NewSource(&testFuncs{dispatch: func(*Source, any) bool { return SourceContinue }})
	defer s.Unref()
	tag := s.AddUnixFD(w, IOIn)
	s.Attach(c)

	s.ModifyUnixFD(tag, IOOut)
	require.True(t, c.Iteration(false))
	require.Equal(t, IOOut, s.QueryUnixFD(tag)&IOOut)

	require.Panics(t, func() { s.ModifyUnixFD(&PollFD{FD: r}, IOIn) })
}

func TestSource_MutateDestroyedWarns(t *testing.T) {
	events, logger := newLogRecorder()
	c := newTestContext(t, WithLogger(logger), WithName("test"))

	s := NewSource(&testFuncs{})
	defer s.Unref()
	s.Attach(c)
	s.Destroy()

	s.SetPriority(PriorityHigh)
	require.Equal(t, PriorityDefault, s.Priority())

	select {
	case event := <-events:
		assert.True(t, strings.Contains(event, `"msg":"set priority of a destroyed source"`), event)
		assert.True(t, strings.Contains(event, `"context":"test"`), event)
	case <-time.After(time.Second):
		t.Fatal("expected a warning")
	}

	var notified bool
	s.SetCallback(nil, func() { notified = true })
	require.True(t, notified)

	s.AddPoll(&PollFD{FD: 0, Events: IOIn})
	c.mu.Lock()
	require.Len(t, c.pollRecords, 1)
	c.mu.Unlock()
}

type userDataKey struct{ name string }

func TestFindSourceByUserData(t *testing.T) {
	c := newTestContext(t)
	keyA, keyB := &userDataKey{"a"}, &userDataKey{"b"}

	idle := NewIdleSource()
	idle.SetCallbackFull(SourceFunc(func() bool { return SourceContinue }), keyA, nil)
	idleID := idle.Attach(c)
	idle.Unref()

	timeout := NewTimeoutSource(60_000)
	timeout.SetCallbackFull(SourceFunc(func() bool { return SourceContinue }), keyB, nil)
	timeout.SetPriority(PriorityHigh)
	timeout.Attach(c)
	timeout.Unref()

	require.Same(t, keyA, idle.UserData())
	require.Same(t, idle, c.FindSourceByUserData(keyA))
	require.Same(t, timeout, c.FindSourceByUserData(keyB))
	require.Nil(t, c.FindSourceByUserData(&userDataKey{"a"}))
	require.Nil(t, c.FindSourceByUserData(nil))

	require.Same(t, idle, c.FindSourceByFuncsUserData(idleFuncs{}, keyA))
	require.Nil(t, c.FindSourceByFuncsUserData(idleFuncs{}, keyB))

	// only idle sources are removed by user data
	require.False(t, c.IdleRemoveByUserData(keyB))
	require.True(t, c.IdleRemoveByUserData(keyA))
	require.False(t, c.IdleRemoveByUserData(keyA))
	require.Nil(t, c.FindSourceByID(idleID))

	require.True(t, c.RemoveSourceByUserData(keyB))
	require.False(t, c.RemoveSourceByUserData(keyB))
	require.True(t, timeout.IsDestroyed())
}

func TestFindSourceByUserData_FirstInDispatchOrder(t *testing.T) {
	c := newTestContext(t)
	key := &userDataKey{"shared"}

	var sources []*Source
	for _, priority := range []int{PriorityLow, PriorityHigh, PriorityHigh} {
		s := NewSource(&testFuncs{})
		s.SetPriority(priority)
		s.SetCallbackFull(nil, key, nil)
		s.Attach(c)
		s.Unref()
		sources = append(sources, s)
	}

	require.Same(t, sources[1], c.FindSourceByUserData(key))
	require.True(t, c.RemoveSourceByFuncsUserData(sources[1].Funcs(), key))
	require.Same(t, sources[2], c.FindSourceByUserData(key))
	sources[2].Destroy()
	require.Same(t, sources[0], c.FindSourceByUserData(key))
}

func TestSetCallbackFull_UncomparableUserDataPanics(t *testing.T) {
	s := NewIdleSource()
	defer s.Unref()
	require.PanicsWithValue(t, "mainloop: uncomparable user data of type []int", func() {
		s.SetCallbackFull(SourceFunc(func() bool { return SourceRemove }), []int{1}, nil)
	})
}

func TestUserData_ReleasedWithCallback(t *testing.T) {
	c := newTestContext(t)
	key := &userDataKey{"k"}
	var notified int
	s := NewIdleSource()
	s.SetCallbackFull(SourceFunc(func() bool { return SourceContinue }), key, func() { notified++ })
	s.Attach(c)
	defer s.Unref()

	s.SetCallback(SourceFunc(func() bool { return SourceContinue }), nil)
	require.Equal(t, 1, notified)
	require.Nil(t, s.UserData())
	require.Nil(t, c.FindSourceByUserData(key))
}
