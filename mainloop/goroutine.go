package mainloop

import (
	"sync"

	"github.com/joeycumines/go-mainloop/goroutineid"
)

// goroutineState is the per-goroutine dispatch and thread-default state. It
// is only accessed by the goroutine it belongs to.
type goroutineState struct {
	source   *Source
	defaults []*MainContext
	depth    int
	id       uint64
}

var goroutineStates sync.Map // map[uint64]*goroutineState

func currentState(create bool) *goroutineState {
	id := goroutineid.Get()
	if v, ok := goroutineStates.Load(id); ok {
		return v.(*goroutineState)
	}
	if !create {
		return nil
	}
	st := &goroutineState{id: id}
	goroutineStates.Store(id, st)
	return st
}

// gc drops the state once it is empty, so exited goroutines do not leak.
func (st *goroutineState) gc() {
	if st.depth == 0 && len(st.defaults) == 0 {
		goroutineStates.Delete(st.id)
	}
}

// dispatchFrame restores the previous dispatch state.
type dispatchFrame struct {
	st   *goroutineState
	prev *Source
}

func enterDispatch(s *Source) dispatchFrame {
	st := currentState(true)
	frame := dispatchFrame{st: st, prev: st.source}
	st.source = s
	st.depth++
	return frame
}

func (x dispatchFrame) leaveDispatch() {
	x.st.source = x.prev
	x.st.depth--
	x.st.gc()
}

// Depth returns the number of dispatches in progress on the calling
// goroutine, including recursive iterations from within a dispatch.
func Depth() int {
	if st := currentState(false); st != nil {
		return st.depth
	}
	return 0
}

// CurrentSource returns the source being dispatched by the calling goroutine,
// or nil.
func CurrentSource() *Source {
	if st := currentState(false); st != nil {
		return st.source
	}
	return nil
}

// PushThreadDefault acquires the context, and makes it the default for the
// calling goroutine, for [ThreadDefault] and [MainContext.Invoke]. It panics
// if another goroutine owns the context.
func (c *MainContext) PushThreadDefault() {
	if c == nil {
		c = Default()
	}
	if !c.Acquire() {
		violation("push of a thread default context owned by another goroutine")
	}
	st := currentState(true)
	st.defaults = append(st.defaults, c)
}

// PopThreadDefault reverses [MainContext.PushThreadDefault], which must have
// been the last push on the calling goroutine.
func (c *MainContext) PopThreadDefault() {
	if c == nil {
		c = Default()
	}
	st := currentState(false)
	if st == nil || len(st.defaults) == 0 || st.defaults[len(st.defaults)-1] != c {
		violation("pop of a context that is not the thread default")
	}
	st.defaults[len(st.defaults)-1] = nil
	st.defaults = st.defaults[:len(st.defaults)-1]
	st.gc()
	c.Release()
}

// ThreadDefault returns the context pushed by the calling goroutine, or nil
// if none was pushed, or the [Default] context was.
func ThreadDefault() *MainContext {
	st := currentState(false)
	if st == nil || len(st.defaults) == 0 {
		return nil
	}
	c := st.defaults[len(st.defaults)-1]
	if c == defaultContext.Load() {
		return nil
	}
	return c
}

// RefThreadDefault is [ThreadDefault], but returns [Default] instead of nil.
func RefThreadDefault() *MainContext {
	if c := ThreadDefault(); c != nil {
		return c
	}
	return Default()
}
