package mainloop

import (
	"golang.org/x/sys/unix"
)

// IOCondition is a set of poll(2) event bits.
type IOCondition uint16

const (
	// IOIn indicates there is data to read.
	IOIn IOCondition = unix.POLLIN
	// IOOut indicates data can be written without blocking.
	IOOut IOCondition = unix.POLLOUT
	// IOPri indicates there is urgent data to read.
	IOPri IOCondition = unix.POLLPRI
	// IOErr indicates an error condition. Always reported, never requested.
	IOErr IOCondition = unix.POLLERR
	// IOHup indicates a hang up. Always reported, never requested.
	IOHup IOCondition = unix.POLLHUP
	// IONval indicates an invalid request (the descriptor is not open).
	// Always reported, never requested.
	IONval IOCondition = unix.POLLNVAL
)

// ioAlwaysReported are the bits poll reports regardless of the request.
const ioAlwaysReported = IOErr | IOHup | IONval

// PollFD is a single poll record. Sources register pointers to PollFD via
// [Source.AddPoll], and the context fills Revents after each poll, for
// records at or above the priority being dispatched.
type PollFD struct {
	FD      int
	Events  IOCondition
	Revents IOCondition
}

// PollFunc polls the given records, for at most timeout milliseconds (-1
// meaning indefinitely), filling each Revents. It returns the number of
// records with nonzero Revents. Implementations may return [unix.EINTR],
// which is not logged.
type PollFunc func(fds []PollFD, timeout int) (int, error)

// pollStackSize is the number of records converted without allocating.
const pollStackSize = 16

// Poll is the default [PollFunc], implemented using poll(2).
func Poll(fds []PollFD, timeout int) (int, error) {
	var stack [pollStackSize]unix.PollFd
	var native []unix.PollFd
	if len(fds) <= len(stack) {
		native = stack[:len(fds)]
	} else {
		native = make([]unix.PollFd, len(fds))
	}
	for i := range fds {
		native[i] = unix.PollFd{
			Fd:     int32(fds[i].FD),
			Events: int16(fds[i].Events),
		}
	}

	n, err := unix.Poll(native, timeout)

	for i := range fds {
		if err != nil {
			fds[i].Revents = 0
		} else {
			fds[i].Revents = IOCondition(uint16(native[i].Revents))
		}
	}
	return n, err
}
