package mainloop

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ChildWatchFunc is the callback type of child watch sources, called once,
// with the wait status of the terminated child.
type ChildWatchFunc func(pid int, status unix.WaitStatus)

type childWatchFuncs struct {
	source *Source
	pid    int
	status unix.WaitStatus
	// maybeExited is set on SIGCHLD, and initially, since the child may have
	// exited before the watch existed
	maybeExited atomic.Bool
	exited      bool
}

// poll reaps the child if it has terminated. Only called by the owner.
func (x *childWatchFuncs) poll(s *Source) bool {
	if x.exited {
		return true
	}
	if !x.maybeExited.Swap(false) {
		return false
	}
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(x.pid, &status, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			// reaped by someone else, the status is lost
			sourceWarning(s, "child", fmt.Sprintf("wait for child %d failed: %v", x.pid, err))
			x.exited = true
			return true
		case pid == x.pid:
			x.exited = true
			x.status = status
			return true
		default:
			return false
		}
	}
}

func (x *childWatchFuncs) Prepare(s *Source) (bool, int) {
	return x.poll(s), -1
}

func (x *childWatchFuncs) Check(s *Source) bool {
	return x.poll(s)
}

func (x *childWatchFuncs) Dispatch(s *Source, callback any) bool {
	var fn ChildWatchFunc
	switch cb := callback.(type) {
	case ChildWatchFunc:
		fn = cb
	case func(int, unix.WaitStatus):
		fn = cb
	}
	if fn == nil {
		sourceWarning(s, "callback", "child watch source dispatched without a callback")
		return SourceRemove
	}
	fn(x.pid, x.status)
	return SourceRemove
}

func (x *childWatchFuncs) Finalize(*Source) {
	signals.mu.Lock()
	defer signals.mu.Unlock()
	if i := slices.Index(signals.children, x); i >= 0 {
		signals.children = slices.Delete(signals.children, i, i+1)
	}
	unrefSignalLocked(sigchldIndex)
}

// NewChildWatchSource creates a source that is ready once the child process
// pid has terminated, which the source reaps. Its callback is a
// [ChildWatchFunc], and it is only dispatched once. The child must not be
// waited on by anything else, such as [os.Process.Wait].
func NewChildWatchSource(pid int) (*Source, error) {
	if pid <= 0 {
		violation("child watch of invalid pid %d", pid)
	}
	if err := startSignalWorker(); err != nil {
		return nil, err
	}

	x := &childWatchFuncs{pid: pid}
	x.maybeExited.Store(true)
	s := NewSource(x)
	s.SetName(fmt.Sprintf("child watch %d", pid))
	x.source = s

	signals.mu.Lock()
	signals.children = append(signals.children, x)
	refSignalLocked(sigchldIndex)
	signals.mu.Unlock()

	return s, nil
}

// ChildWatchAdd attaches a child watch source calling fn, returning its ID.
// A nil receiver means [Default].
func (c *MainContext) ChildWatchAdd(pid int, fn ChildWatchFunc) (uint32, error) {
	return c.ChildWatchAddFull(PriorityDefault, pid, fn, nil)
}

// ChildWatchAddFull is [MainContext.ChildWatchAdd] with a priority, and a
// notify func called once the source is destroyed.
func (c *MainContext) ChildWatchAddFull(priority int, pid int, fn ChildWatchFunc, notify func()) (uint32, error) {
	if fn == nil {
		violation("child watch add of a nil func")
	}
	s, err := NewChildWatchSource(pid)
	if err != nil {
		return 0, err
	}
	if priority != PriorityDefault {
		s.SetPriority(priority)
	}
	s.SetCallback(fn, notify)
	id := s.Attach(c)
	s.Unref()
	return id, nil
}
