package mainloop

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-mainloop/wakeup"
)

// ErrUnsupportedSignal is returned for signals that cannot be watched.
var ErrUnsupportedSignal = errors.New("mainloop: unsupported signal")

// supportedSignals are the signals that may be watched. SIGCHLD is reserved
// for child watches.
var supportedSignals = [...]syscall.Signal{
	unix.SIGHUP,
	unix.SIGINT,
	unix.SIGTERM,
	unix.SIGUSR1,
	unix.SIGUSR2,
	unix.SIGWINCH,
	unix.SIGCHLD,
}

const sigchldIndex = len(supportedSignals) - 1

// signals is the process-wide signal state. Delivery only ever sets a
// pending flag and signals the wakeup, which the worker context watches, and
// the worker fans pending signals out to the sources watching them.
var signals struct {
	wake     *wakeup.Wakeup
	worker   *MainContext
	err      error
	watchers []*unixSignalFuncs
	children []*childWatchFuncs
	channels [len(supportedSignals)]chan os.Signal
	pending  [len(supportedSignals)]atomic.Bool
	refs     [len(supportedSignals)]int
	mu       sync.Mutex
	once     sync.Once
}

func signalIndex(sig syscall.Signal) int {
	for i, s := range supportedSignals[:sigchldIndex] {
		if s == sig {
			return i
		}
	}
	return -1
}

// startSignalWorker starts the worker goroutine on first use. The worker
// runs for the life of the process.
func startSignalWorker() error {
	signals.once.Do(func() {
		wake, err := wakeup.New()
		if err != nil {
			signals.err = fmt.Errorf("mainloop: create signal wakeup: %w", err)
			return
		}
		worker, err := NewContext(WithName("signal worker"))
		if err != nil {
			_ = wake.Close()
			signals.err = err
			return
		}

		s := NewUnixFDSource(wake.FD(), IOCondition(wake.Events()))
		s.SetName("signal dispatch")
		s.SetPriority(PriorityHigh)
		s.SetCallback(UnixFDFunc(func(int, IOCondition) bool {
			dispatchSignals()
			return SourceContinue
		}), nil)
		s.Attach(worker)
		s.Unref()

		signals.wake = wake
		signals.worker = worker

		go func() {
			for {
				worker.Iteration(true)
			}
		}()
	})
	return signals.err
}

func refSignalLocked(i int) {
	signals.refs[i]++
	if signals.refs[i] != 1 {
		return
	}
	ch := make(chan os.Signal, 1)
	signals.channels[i] = ch
	signal.Notify(ch, supportedSignals[i])
	go func() {
		for range ch {
			signals.pending[i].Store(true)
			signals.wake.Signal()
		}
	}()
}

func unrefSignalLocked(i int) {
	signals.refs[i]--
	if signals.refs[i] != 0 {
		return
	}
	ch := signals.channels[i]
	signals.channels[i] = nil
	// no further sends once Stop returns
	signal.Stop(ch)
	close(ch)
}

// dispatchSignals runs on the worker goroutine.
func dispatchSignals() {
	signals.wake.Acknowledge()

	var fired [len(supportedSignals)]bool
	anyFired := false
	for i := range signals.pending {
		if signals.pending[i].Swap(false) {
			fired[i] = true
			anyFired = true
		}
	}
	if !anyFired {
		return
	}

	var wake []*MainContext
	signals.mu.Lock()
	for _, w := range signals.watchers {
		if fired[w.index] {
			w.pending.Store(true)
			if c := w.source.Context(); c != nil {
				wake = append(wake, c)
			}
		}
	}
	if fired[sigchldIndex] {
		for _, w := range signals.children {
			w.maybeExited.Store(true)
			if c := w.source.Context(); c != nil {
				wake = append(wake, c)
			}
		}
	}
	signals.mu.Unlock()

	for _, c := range wake {
		c.Wakeup()
	}
}

type unixSignalFuncs struct {
	source  *Source
	index   int
	pending atomic.Bool
}

func (x *unixSignalFuncs) Prepare(*Source) (bool, int) {
	return x.pending.Load(), -1
}

func (x *unixSignalFuncs) Check(*Source) bool {
	return x.pending.Load()
}

func (x *unixSignalFuncs) Dispatch(s *Source, callback any) bool {
	fn, ok := asSourceFunc(callback)
	if !ok {
		sourceWarning(s, "callback", "unix signal source dispatched without a callback")
		return SourceRemove
	}
	x.pending.Store(false)
	return fn()
}

func (x *unixSignalFuncs) Finalize(*Source) {
	signals.mu.Lock()
	defer signals.mu.Unlock()
	if i := slices.Index(signals.watchers, x); i >= 0 {
		signals.watchers = slices.Delete(signals.watchers, i, i+1)
	}
	unrefSignalLocked(x.index)
}

// NewUnixSignalSource creates a source that is ready after sig is delivered
// to the process. Signals delivered before dispatch are coalesced. Its
// callback is a [SourceFunc]. The supported signals are SIGHUP, SIGINT,
// SIGTERM, SIGUSR1, SIGUSR2 and SIGWINCH. While any source for a signal
// exists, its default action is suppressed.
func NewUnixSignalSource(sig syscall.Signal) (*Source, error) {
	i := signalIndex(sig)
	if i < 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedSignal, sig)
	}
	if err := startSignalWorker(); err != nil {
		return nil, err
	}

	x := &unixSignalFuncs{index: i}
	s := NewSource(x)
	s.SetName("unix signal " + sig.String())
	x.source = s

	signals.mu.Lock()
	signals.watchers = append(signals.watchers, x)
	refSignalLocked(i)
	signals.mu.Unlock()

	return s, nil
}

// UnixSignalAdd attaches a unix signal source calling fn, returning its ID.
// A nil receiver means [Default].
func (c *MainContext) UnixSignalAdd(sig syscall.Signal, fn SourceFunc) (uint32, error) {
	return c.UnixSignalAddFull(PriorityDefault, sig, fn, nil)
}

// UnixSignalAddFull is [MainContext.UnixSignalAdd] with a priority, and a
// notify func called once the source is destroyed.
func (c *MainContext) UnixSignalAddFull(priority int, sig syscall.Signal, fn SourceFunc, notify func()) (uint32, error) {
	if fn == nil {
		violation("unix signal add of a nil func")
	}
	s, err := NewUnixSignalSource(sig)
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
