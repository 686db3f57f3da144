package mainloop

import (
	"errors"
	"math"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-mainloop/goroutineid"
)

func (c *MainContext) assertOwnerUnlocked(op string) {
	if c.owner == 0 || c.owner != goroutineid.Get() {
		violation("%s called by a goroutine that does not own the context", op)
	}
}

// Prepare runs the prepare phase of an iteration, reporting whether any
// source is ready, and the priority of the most urgent ready source
// ([math.MaxInt] if none). The caller must own the context.
func (c *MainContext) Prepare() (ready bool, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assertOwnerUnlocked("Prepare")
	return c.prepareUnlocked()
}

func (c *MainContext) prepareUnlocked() (bool, int) {
	c.timeIsFresh = false

	if c.inCheckOrPrepare != 0 {
		if b := c.warner.warning("recursion"); b.Enabled() {
			b.Log("prepare called recursively from within a source's check or prepare")
		}
		return false, math.MaxInt
	}

	// a dispatch that never completed, due to recursion or a panic
	for c.pending.Length() != 0 {
		c.pending.Remove().(*Source).unref(c, true)
	}

	c.timeout = -1
	nReady := 0
	currentPriority := math.MaxInt

	snap := c.snapshotSources()
	defer c.releaseSnapshot(snap)

	for _, s := range snap {
		if s.IsDestroyed() || s.isBlocked() {
			continue
		}
		if nReady > 0 && s.priority > currentPriority {
			break
		}

		sourceTimeout := int64(-1)
		if !s.hasFlag(flagReady) {
			var result bool
			if p, ok := s.funcs.(SourcePreparer); ok {
				var timeout int
				c.callPrepareOrCheck(func() { result, timeout = p.Prepare(s) })
				sourceTimeout = timeoutToUsec(timeout)
			}

			if !result && s.readyTime != ReadyTimeNever {
				now := c.nowUnlocked()
				if s.readyTime <= now {
					sourceTimeout = 0
					result = true
				} else if remaining := s.readyTime - now; sourceTimeout < 0 || remaining < sourceTimeout {
					sourceTimeout = remaining
				}
			}

			if result {
				markReady(s)
			}
		}

		if s.hasFlag(flagReady) {
			nReady++
			currentPriority = s.priority
			c.timeout = 0
		}

		if sourceTimeout >= 0 && (c.timeout < 0 || sourceTimeout < c.timeout) {
			c.timeout = sourceTimeout
		}
	}

	return nReady > 0, currentPriority
}

// callPrepareOrCheck calls fn with the lock released, and recursion into
// prepare or check detected.
func (c *MainContext) callPrepareOrCheck(fn func()) {
	c.inCheckOrPrepare++
	defer func() { c.inCheckOrPrepare-- }()
	c.unlocked(fn)
}

// Query fills fds with the records to poll for sources of at most
// maxPriority, coalescing records for the same descriptor. It returns the
// poll timeout in milliseconds (-1 for none), and the number of records
// required, which may exceed len(fds), in which case the caller should retry
// with a larger slice. The caller must own the context.
func (c *MainContext) Query(maxPriority int, fds []PollFD) (timeout int, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assertOwnerUnlocked("Query")
	return c.queryUnlocked(maxPriority, fds)
}

func (c *MainContext) queryUnlocked(maxPriority int, fds []PollFD) (int, int) {
	n := 0
	var last *PollFD
	for _, r := range c.pollRecords {
		if r.priority > maxPriority {
			continue
		}
		// always reported, so never requested
		events := r.fd.Events &^ ioAlwaysReported
		if last != nil && last.FD == r.fd.FD {
			if n-1 < len(fds) {
				fds[n-1].Events |= events
			}
		} else {
			if n < len(fds) {
				fds[n] = PollFD{FD: r.fd.FD, Events: events}
			}
			n++
		}
		last = r.fd
	}

	c.pollChanged = false

	timeout := usecToTimeout(c.timeout)
	if timeout != 0 {
		c.timeIsFresh = false
	}
	return timeout, n
}

// Check runs the check phase of an iteration, given the results of polling
// the records from [MainContext.Query], queuing ready sources of at most
// maxPriority for [MainContext.Dispatch]. It returns false, discarding all
// results, if the poll records changed since the query. The caller must own
// the context.
func (c *MainContext) Check(maxPriority int, fds []PollFD) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assertOwnerUnlocked("Check")
	return c.checkUnlocked(maxPriority, fds)
}

func (c *MainContext) checkUnlocked(maxPriority int, fds []PollFD) bool {
	if c.inCheckOrPrepare != 0 {
		if b := c.warner.warning("recursion"); b.Enabled() {
			b.Log("check called recursively from within a source's check or prepare")
		}
		return false
	}

	for i := range fds {
		if fds[i].FD == c.wakeRecord.FD {
			if fds[i].Revents != 0 {
				c.wake.Acknowledge()
			}
			break
		}
	}

	// results for a stale set of records
	if c.pollChanged {
		return false
	}

	// both are sorted by descriptor
	ri, i := 0, 0
	for ri < len(c.pollRecords) && i < len(fds) {
		r := c.pollRecords[ri]
		switch {
		case r.fd.FD == fds[i].FD:
			if r.priority <= maxPriority {
				r.fd.Revents = fds[i].Revents & (r.fd.Events | ioAlwaysReported)
			}
			ri++
		case r.fd.FD < fds[i].FD:
			ri++
		default:
			i++
		}
	}

	nReady := 0

	snap := c.snapshotSources()
	defer c.releaseSnapshot(snap)

	for _, s := range snap {
		if s.IsDestroyed() || s.isBlocked() {
			continue
		}
		if nReady > 0 && s.priority > maxPriority {
			break
		}

		if !s.hasFlag(flagReady) {
			var result bool
			if ch, ok := s.funcs.(SourceChecker); ok {
				c.callPrepareOrCheck(func() { result = ch.Check(s) })
			}

			if !result {
				for _, fd := range s.pollFDs {
					if fd.Revents != 0 {
						result = true
						break
					}
				}
			}

			if !result && s.readyTime != ReadyTimeNever && s.readyTime <= c.nowUnlocked() {
				result = true
			}

			if result {
				markReady(s)
			}
		}

		if s.hasFlag(flagReady) {
			s.refCount.Add(1)
			c.pending.Add(s)
			nReady++
			maxPriority = s.priority
		}
	}

	return nReady > 0
}

// Dispatch dispatches the sources queued by [MainContext.Check]. The caller
// must own the context.
func (c *MainContext) Dispatch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assertOwnerUnlocked("Dispatch")
	c.dispatchUnlocked()
}

func (c *MainContext) dispatchUnlocked() {
	for c.pending.Length() != 0 {
		c.dispatchSource(c.pending.Remove().(*Source))
	}
}

// dispatchSource dispatches a single source, consuming the reference taken
// when it was queued.
func (c *MainContext) dispatchSource(s *Source) {
	defer s.unref(c, true)

	s.clearFlag(flagReady)
	if s.IsDestroyed() {
		return
	}

	funcs := s.funcs
	cb := s.callback
	var fn any
	if cb != nil {
		cb.ref()
		fn = cb.fn
	}

	blocked := !s.CanRecurse() && !s.isBlocked()
	if blocked {
		c.blockSource(s)
	}

	wasInCall := s.hasFlag(flagInCall)
	s.setFlag(flagInCall)

	keep := true

	defer func() {
		if !wasInCall {
			s.clearFlag(flagInCall)
		}
		if blocked {
			c.unblockSource(s)
		}
		if cb != nil {
			c.unlocked(cb.unref)
		}
		if !keep {
			c.destroyUnlocked(s)
		}
	}()

	c.unlocked(func() {
		st := enterDispatch(s)
		defer st.leaveDispatch()
		keep = funcs.Dispatch(s, fn)
	})
}

// Iteration runs a single iteration of the context, returning whether any
// source was dispatched. If mayBlock is true the poll may block until a
// source is ready, and if another goroutine owns the context, Iteration waits
// to acquire it. Otherwise it returns false if the context is not available.
func (c *MainContext) Iteration(mayBlock bool) bool {
	if c == nil {
		c = Default()
	}
	self := goroutineid.Get()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iterateUnlocked(mayBlock, true, self)
}

// Pending reports whether any source is ready, without dispatching it.
func (c *MainContext) Pending() bool {
	if c == nil {
		c = Default()
	}
	self := goroutineid.Get()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iterateUnlocked(false, false, self)
}

func (c *MainContext) iterateUnlocked(block, dispatch bool, self uint64) bool {
	if c.closed {
		return false
	}

	if !c.acquireUnlocked(self) {
		if !block {
			return false
		}
		if !c.waitUnlocked(self, c.cond) {
			return false
		}
	}
	defer c.releaseUnlocked(self)

	_, maxPriority := c.prepareUnlocked()

	fds := c.cachedPollArray
	c.cachedPollArray = nil
	var timeout, n int
	for {
		timeout, n = c.queryUnlocked(maxPriority, fds)
		if n <= len(fds) {
			break
		}
		fds = make([]PollFD, n)
	}

	if !block {
		timeout = 0
	}

	c.pollUnlocked(timeout, fds[:n])

	someReady := c.checkUnlocked(maxPriority, fds[:n])

	// nested iterations may have replaced it
	if c.cachedPollArray == nil || len(c.cachedPollArray) < len(fds) {
		c.cachedPollArray = fds
	}

	if dispatch {
		c.dispatchUnlocked()
	}

	return someReady
}

func (c *MainContext) pollUnlocked(timeout int, fds []PollFD) {
	if len(fds) == 0 && timeout == 0 {
		return
	}
	pollFunc := c.pollFunc
	var err error
	c.unlocked(func() { _, err = pollFunc(fds, timeout) })
	if err != nil && !errors.Is(err, unix.EINTR) {
		if b := c.warner.warning("poll"); b.Enabled() {
			b.Err(err).Log("poll failed")
		}
	}
}
