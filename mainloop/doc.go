// Package mainloop provides a priority-ordered, poll-driven main loop with a
// pluggable event source abstraction, modeled on the classic
// prepare/query/poll/check/dispatch cycle.
//
// # Architecture
//
// A [MainContext] owns a set of [Source] values, grouped into bands by
// priority (lower values run first). Each iteration of the context:
//
//  1. Prepare: every eligible source reports whether it is already ready,
//     and an optional timeout. Sources past their ready time are ready.
//  2. Query: the file descriptors of all sources at or above the highest
//     ready priority are collected, coalesced per descriptor.
//  3. Poll: the context blocks in [PollFunc] (default [Poll]) until a
//     descriptor is ready, the timeout elapses, or the context is woken.
//  4. Check: poll results are distributed back to the sources, and those
//     that are ready are queued, in priority order.
//  5. Dispatch: queued sources are dispatched, in order, with the context
//     lock released.
//
// A [MainLoop] repeatedly iterates a context until [MainLoop.Quit] is called
// or the Go context passed to [MainLoop.Run] is done.
//
// # Ownership
//
// Iteration requires ownership of the context. Ownership is held by a single
// goroutine at a time, is recursive, and is taken with [MainContext.Acquire]
// or [MainContext.Wait]. All other operations, including attaching and
// destroying sources, [MainContext.Wakeup], and [MainContext.Invoke], are safe
// from any goroutine.
//
// # Built-in sources
//
//   - [NewIdleSource], dispatched whenever nothing of higher priority is ready
//   - [NewTimeoutSource] and [NewTimeoutSecondsSource], drift-free intervals
//   - [NewUnixFDSource], readiness of a file descriptor
//   - [NewUnixSignalSource], delivery of a unix signal
//   - [NewChildWatchSource], termination of a child process
//
// Custom sources implement [SourceFuncs], plus any of [SourcePreparer],
// [SourceChecker], [SourceFinalizer], and [SourceDisposer].
//
// # Usage
//
//	ctx, err := mainloop.NewContext(mainloop.WithName("worker"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ctx.Close()
//
//	loop := mainloop.NewMainLoop(ctx, false)
//	ctx.TimeoutAdd(100, func() bool {
//	    loop.Quit()
//	    return mainloop.SourceRemove
//	})
//	if err := loop.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
// # Programmer errors
//
// Contract violations, such as releasing a context that is not owned, or
// attaching a source twice, panic with a message prefixed by "mainloop: ".
// Softer misuse, such as mutating a destroyed source, is logged as a warning
// (see [WithLogger]) and otherwise ignored.
package mainloop
