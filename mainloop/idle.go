package mainloop

type idleFuncs struct{}

func (idleFuncs) Dispatch(s *Source, callback any) bool {
	fn, ok := asSourceFunc(callback)
	if !ok {
		sourceWarning(s, "callback", "idle source dispatched without a callback")
		return SourceRemove
	}
	return fn()
}

// asSourceFunc accepts a [SourceFunc] or an equivalent func literal.
func asSourceFunc(callback any) (SourceFunc, bool) {
	switch fn := callback.(type) {
	case SourceFunc:
		return fn, fn != nil
	case func() bool:
		return fn, fn != nil
	default:
		return nil, false
	}
}

// NewIdleSource creates a source that is ready on every iteration, at
// [PriorityDefaultIdle], so it is dispatched when nothing more urgent is
// ready. Its callback is a [SourceFunc].
func NewIdleSource() *Source {
	s := NewSource(idleFuncs{})
	s.SetName("idle")
	s.SetPriority(PriorityDefaultIdle)
	s.SetReadyTime(0)
	return s
}

// IdleAdd attaches an idle source calling fn, returning its ID. A nil
// receiver means [Default].
func (c *MainContext) IdleAdd(fn SourceFunc) uint32 {
	return c.IdleAddFull(PriorityDefaultIdle, fn, nil)
}

// IdleAddFull is [MainContext.IdleAdd] with a priority, and a notify func
// called once the source is destroyed.
func (c *MainContext) IdleAddFull(priority int, fn SourceFunc, notify func()) uint32 {
	if fn == nil {
		violation("idle add of a nil func")
	}
	s := NewIdleSource()
	if priority != PriorityDefaultIdle {
		s.SetPriority(priority)
	}
	s.SetCallback(fn, notify)
	id := s.Attach(c)
	s.Unref()
	return id
}

// IdleRemoveByUserData destroys an idle source whose callback has the given
// user data, returning false if there was none.
func (c *MainContext) IdleRemoveByUserData(userData any) bool {
	return c.RemoveSourceByFuncsUserData(idleFuncs{}, userData)
}
