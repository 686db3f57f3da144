package mainloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestContext(t *testing.T, opts ...ContextOption) *MainContext {
	t.Helper()
	c, err := NewContext(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// testFuncs is a source implementation with every optional capability.
type testFuncs struct {
	prepare   func(s *Source) (bool, int)
	check     func(s *Source) bool
	dispatch  func(s *Source, callback any) bool
	finalized atomic.Int32
}

func (x *testFuncs) Prepare(s *Source) (bool, int) {
	if x.prepare == nil {
		return false, -1
	}
	return x.prepare(s)
}

func (x *testFuncs) Check(s *Source) bool {
	if x.check == nil {
		return false
	}
	return x.check(s)
}

func (x *testFuncs) Dispatch(s *Source, callback any) bool {
	if x.dispatch == nil {
		if fn, ok := asSourceFunc(callback); ok {
			return fn()
		}
		return SourceRemove
	}
	return x.dispatch(s, callback)
}

func (x *testFuncs) Finalize(*Source) {
	x.finalized.Add(1)
}

// runLoop runs a loop on c until it quits, failing after a timeout.
func runLoop(t *testing.T, loop *MainLoop, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	require.NoError(t, loop.Run(ctx))
}

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	require.NoError(t, unix.SetNonblock(p[0], true))
	t.Cleanup(func() {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
	})
	return p[0], p[1]
}

// newLogRecorder returns a logger, and a channel receiving each event,
// encoded as JSON.
func newLogRecorder() (<-chan string, *logiface.Logger[logiface.Event]) {
	events := make(chan string, 64)
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithTimeField(``)),
		stumpy.L.WithWriter(logiface.WriterFunc[*stumpy.Event](func(e *stumpy.Event) error {
			select {
			case events <- string(e.Bytes()):
			default:
			}
			return nil
		})),
	)
	return events, logger.Logger()
}
