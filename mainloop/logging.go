package mainloop

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

var (
	// ErrContextClosed is returned by [MainContext.Close] if the context was
	// already closed.
	ErrContextClosed = errors.New("mainloop: context closed")

	errNilPollFunc = errors.New("mainloop: nil poll func")
)

// defaultLogger is used by contexts created without [WithLogger], and for
// warnings about sources that are not attached to any context.
var defaultLogger atomic.Pointer[logiface.Logger[logiface.Event]]

// warningRates bounds the warnings logged per category. The same misuse
// typically repeats every iteration.
var warningRates = map[time.Duration]int{
	time.Second: 1,
	time.Minute: 10,
}

// SetDefaultLogger sets the package logger. Contexts capture it at creation.
func SetDefaultLogger(logger *logiface.Logger[logiface.Event]) {
	defaultLogger.Store(logger)
}

// warner emits rate limited warnings.
type warner struct {
	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
	name    string
}

func newWarner(logger *logiface.Logger[logiface.Event], name string) *warner {
	w := &warner{logger: logger, name: name}
	if logger != nil {
		w.limiter = catrate.NewLimiter(warningRates)
	}
	return w
}

// warning returns a builder for a warning in the given category, or nil if
// logging is disabled or the category is currently limited.
func (x *warner) warning(category string) *logiface.Builder[logiface.Event] {
	if x == nil || x.logger == nil {
		return nil
	}
	if _, ok := x.limiter.Allow(category); !ok {
		return nil
	}
	b := x.logger.Warning().Str("category", category)
	if x.name != "" {
		b = b.Str("context", x.name)
	}
	return b
}

var unattachedWarnings = struct {
	limiter *catrate.Limiter
}{catrate.NewLimiter(warningRates)}

// sourceWarning logs a warning about a source, using its context's logger if
// it is attached. The context lock must not be held.
func sourceWarning(s *Source, category, msg string) {
	c := s.context.Load()
	if c != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	sourceWarningLocked(s, category, msg)
}

// sourceWarningLocked is sourceWarning, for callers holding the context lock
// (or with an unattached source).
func sourceWarningLocked(s *Source, category, msg string) {
	var b *logiface.Builder[logiface.Event]
	if c := s.context.Load(); c != nil {
		b = c.warner.warning(category)
	} else if logger := defaultLogger.Load(); logger != nil {
		if _, ok := unattachedWarnings.limiter.Allow(category); ok {
			b = logger.Warning().Str("category", category)
		}
	}
	if !b.Enabled() {
		return
	}
	if s.name != "" {
		b = b.Str("source", s.name)
	}
	b.Uint64("source_id", uint64(s.id)).
		Int("priority", s.priority).
		Log(msg)
}

// violation panics for a contract violation.
func violation(format string, args ...any) {
	panic(fmt.Sprintf("mainloop: "+format, args...))
}
