// Package goroutineid exposes the runtime's goroutine identifiers, which are
// used as the unit of ownership wherever a "thread" would be in a C API.
package goroutineid

import (
	"runtime"
)

// Get returns the calling goroutine's ID. The value is never 0 for a live
// goroutine, which allows 0 to be used as "no goroutine".
func Get() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
