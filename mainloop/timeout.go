package mainloop

import (
	"time"
)

const usecPerSecond = int64(time.Second / time.Microsecond)

type timeoutFuncs struct {
	// interval is in microseconds
	interval int64
	seconds  bool
}

func (x *timeoutFuncs) Dispatch(s *Source, callback any) bool {
	fn, ok := asSourceFunc(callback)
	if !ok {
		sourceWarning(s, "callback", "timeout source dispatched without a callback")
		return SourceRemove
	}
	again := fn()
	if again && !s.IsDestroyed() {
		s.SetReadyTime(x.next(s.ReadyTime(), MonotonicTime()))
	}
	return again
}

// next returns the deadline following prev, one interval on, skipping any
// intervals that were missed entirely, so repeated dispatch does not drift.
func (x *timeoutFuncs) next(prev, now int64) int64 {
	if x.interval <= 0 || prev < 0 {
		return x.first(now)
	}
	next := prev + x.interval
	if next <= now {
		next += ((now-next)/x.interval + 1) * x.interval
	}
	if x.seconds {
		next = roundUpToSecond(next)
	}
	return next
}

func (x *timeoutFuncs) first(now int64) int64 {
	next := now + max(x.interval, 0)
	if x.seconds {
		next = roundUpToSecond(next)
	}
	return next
}

func roundUpToSecond(t int64) int64 {
	return (t + usecPerSecond - 1) / usecPerSecond * usecPerSecond
}

// NewTimeoutSource creates a source that is ready every interval
// milliseconds, at [PriorityDefault]. Its callback is a [SourceFunc], and
// returning true schedules the next interval, relative to the end of the
// previous one.
func NewTimeoutSource(interval uint) *Source {
	return newTimeoutSource("timeout", &timeoutFuncs{
		interval: int64(interval) * 1000,
	})
}

// NewTimeoutSecondsSource is [NewTimeoutSource] with an interval in seconds.
// Deadlines are rounded up to a whole second, so timers of the same
// granularity fire together.
func NewTimeoutSecondsSource(interval uint) *Source {
	return newTimeoutSource("timeout seconds", &timeoutFuncs{
		interval: int64(interval) * usecPerSecond,
		seconds:  true,
	})
}

func newTimeoutSource(name string, funcs *timeoutFuncs) *Source {
	s := NewSource(funcs)
	s.SetName(name)
	s.SetReadyTime(funcs.first(MonotonicTime()))
	return s
}

// TimeoutAdd attaches a timeout source calling fn every interval
// milliseconds, returning its ID. A nil receiver means [Default].
func (c *MainContext) TimeoutAdd(interval uint, fn SourceFunc) uint32 {
	return c.TimeoutAddFull(PriorityDefault, interval, fn, nil)
}

// TimeoutAddFull is [MainContext.TimeoutAdd] with a priority, and a notify
// func called once the source is destroyed.
func (c *MainContext) TimeoutAddFull(priority int, interval uint, fn SourceFunc, notify func()) uint32 {
	return c.addTimeout(NewTimeoutSource(interval), priority, fn, notify)
}

// TimeoutAddSeconds attaches a timeout source calling fn every interval
// seconds, returning its ID.
func (c *MainContext) TimeoutAddSeconds(interval uint, fn SourceFunc) uint32 {
	return c.TimeoutAddSecondsFull(PriorityDefault, interval, fn, nil)
}

// TimeoutAddSecondsFull is [MainContext.TimeoutAddSeconds] with a priority,
// and a notify func called once the source is destroyed.
func (c *MainContext) TimeoutAddSecondsFull(priority int, interval uint, fn SourceFunc, notify func()) uint32 {
	return c.addTimeout(NewTimeoutSecondsSource(interval), priority, fn, notify)
}

func (c *MainContext) addTimeout(s *Source, priority int, fn SourceFunc, notify func()) uint32 {
	if fn == nil {
		violation("timeout add of a nil func")
	}
	if priority != PriorityDefault {
		s.SetPriority(priority)
	}
	s.SetCallback(fn, notify)
	id := s.Attach(c)
	s.Unref()
	return id
}
