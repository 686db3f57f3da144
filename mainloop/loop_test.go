package mainloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMainLoop_RunQuit(t *testing.T) {
	c := newTestContext(t)
	loop := NewMainLoop(c, false)
	require.Same(t, c, loop.Context())
	require.False(t, loop.IsRunning())

	var calls int
	c.IdleAdd(func() bool {
		calls++
		assert.True(t, loop.IsRunning())
		if calls == 3 {
			loop.Quit()
			return SourceRemove
		}
		return SourceContinue
	})

	runLoop(t, loop, 5*time.Second)
	require.Equal(t, 3, calls)
	require.False(t, loop.IsRunning())
	require.False(t, c.IsOwner())
}

func TestMainLoop_ContextCancel(t *testing.T) {
	c := newTestContext(t)
	loop := NewMainLoop(c, false)

	ctx, cancel := context.WithCancel(context.Background())
	c.TimeoutAdd(10, func() bool {
		cancel()
		return SourceRemove
	})

	err := loop.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, loop.IsRunning())
}

func TestMainLoop_RunDoneContext(t *testing.T) {
	c := newTestContext(t)
	loop := NewMainLoop(c, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran bool
	c.IdleAdd(func() bool {
		ran = true
		return SourceRemove
	})
	require.ErrorIs(t, loop.Run(ctx), context.Canceled)
	require.False(t, ran)
}

func TestMainLoop_Recursive(t *testing.T) {
	c := newTestContext(t)
	outer := NewMainLoop(c, false)
	inner := NewMainLoop(c, false)

	var steps []string
	c.IdleAddFull(PriorityDefault, func() bool {
		steps = append(steps, "outer")
		c.TimeoutAdd(1, func() bool {
			steps = append(steps, "inner")
			inner.Quit()
			return SourceRemove
		})
		runLoop(t, inner, 5*time.Second)
		steps = append(steps, "returned")
		outer.Quit()
		return SourceRemove
	}, nil)

	runLoop(t, outer, 5*time.Second)
	require.Equal(t, []string{"outer", "inner", "returned"}, steps)
}

func TestMainLoop_WaitsForOwner(t *testing.T) {
	c := newTestContext(t)
	require.True(t, c.Acquire())

	loop := NewMainLoop(c, false)
	var ran bool
	c.IdleAdd(func() bool {
		ran = true
		loop.Quit()
		return SourceRemove
	})

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	assert.Eventually(t, loop.IsRunning, 5*time.Second, time.Millisecond)
	c.Release()

	select {
	case err := <-done:
		require.NoError(t, err)
		require.True(t, ran)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}
}

func TestMainLoop_QuitWhileWaiting(t *testing.T) {
	c := newTestContext(t)
	require.True(t, c.Acquire())
	defer c.Release()

	loop := NewMainLoop(c, false)
	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	assert.Eventually(t, loop.IsRunning, 5*time.Second, time.Millisecond)
	loop.Quit()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}
}

func TestMainLoop_RunFromPrepareWarns(t *testing.T) {
	events, logger := newLogRecorder()
	c := newTestContext(t, WithLogger(logger))
	loop := NewMainLoop(c, false)

	var nested error
	s := NewSource(&testFuncs{prepare: func(*Source) (bool, int) {
		nested = loop.Run(context.Background())
		return true, -1
	}, dispatch: func(*Source, any) bool {
		return SourceRemove
	}})
	s.Attach(c)
	s.Unref()

	require.True(t, c.Iteration(false))
	require.NoError(t, nested)

	select {
	case event := <-events:
		assert.Contains(t, event, `"msg":"main loop run from within a source's check or prepare"`)
	case <-time.After(time.Second):
		t.Fatal("expected a warning")
	}
}

func TestNewMainLoop_NilIsDefault(t *testing.T) {
	require.Same(t, Default(), NewMainLoop(nil, false).Context())
}
