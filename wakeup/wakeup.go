// Package wakeup implements a coalescing, level-triggered wake-up signal that
// can be watched by poll(2), alongside other file descriptors.
//
// A [Wakeup] is either quiescent or signaled. [Wakeup.Signal] may be called
// from any goroutine, at any time, and never blocks, allocates, or locks.
// Multiple signals before an [Wakeup.Acknowledge] are indistinguishable from a
// single signal. While signaled, the descriptor returned by [Wakeup.FD] polls
// as readable.
package wakeup

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by operations attempted on a closed Wakeup.
var ErrClosed = errors.New("wakeup: closed")

// Wakeup is a poll-integrated cross-goroutine signal. Instances must be
// created using New, and released using Close.
type Wakeup struct {
	// readFD is watched for POLLIN, writeFD is written by Signal, they are the
	// same descriptor for eventfd
	readFD  int
	writeFD int
	closed  atomic.Bool
	drain   [16]byte
}

// signalValue is the (native endian) eventfd increment, the pipe
// implementation writes only the first byte
var signalValue uint64 = 1

// New creates a new Wakeup, in the quiescent state.
func New() (*Wakeup, error) {
	readFD, writeFD, err := createFDs()
	if err != nil {
		return nil, err
	}
	return &Wakeup{readFD: readFD, writeFD: writeFD}, nil
}

// FD returns the descriptor to watch, for the events given by Events.
func (x *Wakeup) FD() int {
	return x.readFD
}

// Events returns the poll(2) event mask to watch FD for.
func (x *Wakeup) Events() int16 {
	return unix.POLLIN
}

// Signal transitions the Wakeup to the signaled state. It is safe to call
// concurrently, and on a closed Wakeup (it is then a no-op).
func (x *Wakeup) Signal() {
	if x.closed.Load() {
		return
	}
	buf := (*[8]byte)(unsafe.Pointer(&signalValue))[:signalSize]
	for {
		_, err := unix.Write(x.writeFD, buf)
		if err == unix.EINTR {
			continue
		}
		// EAGAIN means it's already signaled (the pipe is full, or the
		// eventfd counter is saturated), other errors only occur on close
		return
	}
}

// Acknowledge transitions the Wakeup back to the quiescent state. It is a
// no-op if the Wakeup is not signaled.
func (x *Wakeup) Acknowledge() {
	if x.closed.Load() {
		return
	}
	for {
		_, err := unix.Read(x.readFD, x.drain[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return
		}
		if signalSize == 8 {
			// eventfd reads reset the counter in one go
			return
		}
	}
}

// Close releases the underlying descriptors. The caller must guarantee there
// is no poll in progress, on FD. Subsequent calls return ErrClosed.
func (x *Wakeup) Close() error {
	if !x.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	err := unix.Close(x.readFD)
	if x.writeFD != x.readFD {
		if e := unix.Close(x.writeFD); err == nil {
			err = e
		}
	}
	return err
}
