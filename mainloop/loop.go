package mainloop

import (
	"context"
	"sync/atomic"

	"github.com/joeycumines/go-mainloop/goroutineid"
)

// MainLoop runs a [MainContext] until it is told to quit.
type MainLoop struct {
	context *MainContext
	running atomic.Bool
}

// NewMainLoop creates a loop for the given context, or [Default] if nil.
// If isRunning is true, a [MainLoop.Run] that is waiting on ownership of the
// context keeps waiting after a [MainLoop.Quit] made before it started.
func NewMainLoop(c *MainContext, isRunning bool) *MainLoop {
	if c == nil {
		c = Default()
	}
	l := &MainLoop{context: c}
	l.running.Store(isRunning)
	return l
}

// Context returns the context the loop runs.
func (l *MainLoop) Context() *MainContext { return l.context }

// IsRunning reports whether the loop is running.
func (l *MainLoop) IsRunning() bool { return l.running.Load() }

// Run iterates the context until [MainLoop.Quit] is called, or ctx is done,
// in which case it returns the error of ctx. If another goroutine owns the
// context, Run waits for it to be released. Run may be called recursively,
// from within a dispatch.
func (l *MainLoop) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, l.Quit)
	defer stop()

	self := goroutineid.Get()
	c := l.context

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.acquireUnlocked(self) {
		l.running.Store(true)
		acquired := false
		for l.running.Load() && !acquired && !c.closed {
			acquired = c.waitUnlocked(self, c.cond)
		}
		if !acquired {
			return ctx.Err()
		}
		if !l.running.Load() {
			c.releaseUnlocked(self)
			return ctx.Err()
		}
	}
	defer c.releaseUnlocked(self)

	if c.inCheckOrPrepare != 0 {
		if b := c.warner.warning("recursion"); b.Enabled() {
			b.Log("main loop run from within a source's check or prepare")
		}
		return nil
	}

	l.running.Store(true)
	for l.running.Load() && !c.closed {
		c.iterateUnlocked(true, true, self)
	}

	return ctx.Err()
}

// Quit stops the loop, causing [MainLoop.Run] to return once the current
// iteration completes. It is safe to call from any goroutine.
func (l *MainLoop) Quit() {
	c := l.context
	c.mu.Lock()
	defer c.mu.Unlock()
	l.running.Store(false)
	c.wake.Signal()
	c.cond.Broadcast()
}
