package mainloop

import (
	"math"
	"time"
)

// ReadyTimeNever is the ready time of a source with no scheduled readiness.
const ReadyTimeNever int64 = -1

var monotonicEpoch = time.Now()

// MonotonicTime returns the current monotonic time in microseconds, since an
// arbitrary process-wide epoch. It is never negative.
func MonotonicTime() int64 {
	return int64(time.Since(monotonicEpoch) / time.Microsecond)
}

// usecToTimeout converts a timeout in microseconds to poll milliseconds,
// rounding up. Negative inputs mean no timeout.
func usecToTimeout(usec int64) int {
	if usec < 0 {
		return -1
	}
	ms := (usec + 999) / 1000
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}

// timeoutToUsec converts a prepare timeout in milliseconds to microseconds.
func timeoutToUsec(ms int) int64 {
	if ms < 0 {
		return -1
	}
	return int64(ms) * 1000
}
