//go:build linux

package wakeup

import (
	"golang.org/x/sys/unix"
)

const signalSize = 8

// createFDs creates an eventfd, which is used as both the read and write end.
func createFDs() (int, int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, -1, err
	}
	return fd, fd, nil
}
