package settings

import (
	"errors"
	"fmt"
	"maps"

	"github.com/joeycumines/logiface"
)

// ErrInvalidKey is returned for malformed keys in configuration, such as
// [WithDefaults].
var ErrInvalidKey = errors.New("settings: invalid key")

// options holds configuration options for backends and overlays.
type options struct {
	logger   *logiface.Logger[logiface.Event]
	defaults map[string]any
}

// Option configures a [MemoryBackend] or [DelayedBackend].
type Option interface {
	applyOption(*options) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyOptionFunc func(*options) error
}

func (x *optionImpl) applyOption(opts *options) error {
	return x.applyOptionFunc(opts)
}

// WithLogger sets the logger. A nil logger, the default, disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *options) error {
		opts.logger = logger
		return nil
	}}
}

// WithDefaults sets the default values of a [MemoryBackend], read when a key
// has no stored value. Ignored by [DelayedBackend].
func WithDefaults(defaults map[string]any) Option {
	return &optionImpl{func(opts *options) error {
		for key := range defaults {
			if !IsKey(key) {
				return fmt.Errorf("%w: %q", ErrInvalidKey, key)
			}
		}
		opts.defaults = maps.Clone(defaults)
		return nil
	}}
}

// resolveOptions applies Option instances to options.
func resolveOptions(opts []Option) (*options, error) {
	cfg := &options{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyOption(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
