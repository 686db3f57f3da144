package mainloop

// UnixFDFunc is the callback type of unix fd sources, called with the
// conditions observed. Returning false destroys the source.
type UnixFDFunc func(fd int, condition IOCondition) bool

type unixFDFuncs struct {
	tag *PollFD
	fd  int
}

func (x *unixFDFuncs) Dispatch(s *Source, callback any) bool {
	var fn UnixFDFunc
	switch cb := callback.(type) {
	case UnixFDFunc:
		fn = cb
	case func(int, IOCondition) bool:
		fn = cb
	}
	if fn == nil {
		sourceWarning(s, "callback", "unix fd source dispatched without a callback")
		return SourceRemove
	}
	return fn(x.fd, s.QueryUnixFD(x.tag))
}

// NewUnixFDSource creates a source that is ready when fd reports any of the
// given conditions, or an error or hang up. Its callback is a [UnixFDFunc].
// The descriptor is not closed by the source.
func NewUnixFDSource(fd int, condition IOCondition) *Source {
	x := &unixFDFuncs{fd: fd}
	s := NewSource(x)
	s.SetName("unix fd")
	x.tag = s.AddUnixFD(fd, condition)
	return s
}

// UnixFDAdd attaches a unix fd source calling fn, returning its ID. A nil
// receiver means [Default].
func (c *MainContext) UnixFDAdd(fd int, condition IOCondition, fn UnixFDFunc) uint32 {
	return c.UnixFDAddFull(PriorityDefault, fd, condition, fn, nil)
}

// UnixFDAddFull is [MainContext.UnixFDAdd] with a priority, and a notify
// func called once the source is destroyed.
func (c *MainContext) UnixFDAddFull(priority int, fd int, condition IOCondition, fn UnixFDFunc, notify func()) uint32 {
	if fn == nil {
		violation("unix fd add of a nil func")
	}
	s := NewUnixFDSource(fd, condition)
	if priority != PriorityDefault {
		s.SetPriority(priority)
	}
	s.SetCallback(fn, notify)
	id := s.Attach(c)
	s.Unref()
	return id
}
