package mainloop

// Invoke calls fn as the owner of the context, at [PriorityDefault]. See
// [MainContext.InvokeFull].
func (c *MainContext) Invoke(fn SourceFunc) {
	c.InvokeFull(PriorityDefault, fn, nil)
}

// InvokeFull calls fn as the owner of the context, or [Default] if nil.
//
// If the calling goroutine owns the context, fn is called immediately.
// Otherwise, if the context is the thread default of the calling goroutine
// (see [MainContext.PushThreadDefault]) and it can be acquired, fn is called
// immediately, with the context acquired. Otherwise fn is scheduled via an
// idle source of the given priority, to be called by whichever goroutine
// iterates the context. In all cases fn is called repeatedly while it
// returns true, and notify, if non-nil, is called once fn is done with.
func (c *MainContext) InvokeFull(priority int, fn SourceFunc, notify func()) {
	c.invoke(priority, fn, notify, false)
}

// TryInvoke is [MainContext.Invoke], but drops fn, returning false, if the
// context is closed, instead of panicking.
func (c *MainContext) TryInvoke(fn SourceFunc) bool {
	return c.TryInvokeFull(PriorityDefault, fn, nil)
}

// TryInvokeFull is [MainContext.InvokeFull], but drops fn, returning false,
// if the context is closed, instead of panicking. Notify is still called.
func (c *MainContext) TryInvokeFull(priority int, fn SourceFunc, notify func()) bool {
	return c.invoke(priority, fn, notify, true)
}

func (c *MainContext) invoke(priority int, fn SourceFunc, notify func(), dropIfClosed bool) bool {
	if fn == nil {
		violation("invoke of a nil func")
	}
	if c == nil {
		c = Default()
	}

	if dropIfClosed && c.isClosed() {
		if notify != nil {
			notify()
		}
		return false
	}

	if c.IsOwner() {
		invokeInline(fn, notify)
		return true
	}

	if c == RefThreadDefault() && c.Acquire() {
		func() {
			defer c.Release()
			invokeInline(fn, notify)
		}()
		return true
	}

	s := NewIdleSource()
	s.SetName("invoke")
	s.SetPriority(priority)
	s.SetCallback(fn, notify)
	// the last reference, if dropped, releases the callback, calling notify
	defer s.Unref()

	c.mu.Lock()
	defer c.mu.Unlock()
	if dropIfClosed && c.closed {
		return false
	}
	c.attachUnlocked(s, true)
	return true
}

func (c *MainContext) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func invokeInline(fn SourceFunc, notify func()) {
	if notify != nil {
		defer notify()
	}
	for fn() {
	}
}
