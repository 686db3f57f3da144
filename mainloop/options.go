package mainloop

import (
	"github.com/joeycumines/logiface"
)

// contextOptions holds configuration options for MainContext creation.
type contextOptions struct {
	logger   *logiface.Logger[logiface.Event]
	pollFunc PollFunc
	name     string
}

// ContextOption configures a MainContext instance.
type ContextOption interface {
	applyContext(*contextOptions) error
}

// contextOptionImpl implements ContextOption.
type contextOptionImpl struct {
	applyContextFunc func(*contextOptions) error
}

func (c *contextOptionImpl) applyContext(opts *contextOptions) error {
	return c.applyContextFunc(opts)
}

// WithLogger sets the logger used for warnings raised by the context, and by
// sources attached to it. Defaults to the package logger, see
// [SetDefaultLogger]. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) ContextOption {
	return &contextOptionImpl{func(opts *contextOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithName sets the name of the context, included in log output.
func WithName(name string) ContextOption {
	return &contextOptionImpl{func(opts *contextOptions) error {
		opts.name = name
		return nil
	}}
}

// WithPollFunc overrides the function used to poll. Defaults to [Poll].
func WithPollFunc(fn PollFunc) ContextOption {
	return &contextOptionImpl{func(opts *contextOptions) error {
		if fn == nil {
			return errNilPollFunc
		}
		opts.pollFunc = fn
		return nil
	}}
}

// resolveContextOptions applies ContextOption instances to contextOptions.
func resolveContextOptions(opts []ContextOption) (*contextOptions, error) {
	cfg := &contextOptions{
		logger:   defaultLogger.Load(),
		pollFunc: Poll,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyContext(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
