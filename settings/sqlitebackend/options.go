package sqlitebackend

import (
	"fmt"
	"maps"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-mainloop/settings"
)

// backendOptions holds configuration options for Open.
type backendOptions struct {
	logger   *logiface.Logger[logiface.Event]
	defaults map[string]any
	types    []any
	watch    bool
}

// Option configures a [Backend].
type Option interface {
	applyBackend(*backendOptions) error
}

// backendOptionImpl implements Option.
type backendOptionImpl struct {
	applyBackendFunc func(*backendOptions) error
}

func (x *backendOptionImpl) applyBackend(opts *backendOptions) error {
	return x.applyBackendFunc(opts)
}

// WithLogger sets the logger. A nil logger, the default, disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &backendOptionImpl{func(opts *backendOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithDefaults sets the default values, read when a key has no stored
// value. Defaults are not persisted.
func WithDefaults(defaults map[string]any) Option {
	return &backendOptionImpl{func(opts *backendOptions) error {
		for key := range defaults {
			if !settings.IsKey(key) {
				return fmt.Errorf("%w: %q", settings.ErrInvalidKey, key)
			}
		}
		opts.defaults = maps.Clone(defaults)
		return nil
	}}
}

// WithTypes registers the types of the given values, so stored values of
// those types decode to them when read without a type hint, including values
// written by other processes. Types written through the backend, and those of
// defaults, are registered automatically.
func WithTypes(values ...any) Option {
	return &backendOptionImpl{func(opts *backendOptions) error {
		opts.types = append(opts.types, values...)
		return nil
	}}
}

// WithWatch enables detection of changes made to the database by other
// processes, or other backends, which are then notified with a nil origin.
func WithWatch(enabled bool) Option {
	return &backendOptionImpl{func(opts *backendOptions) error {
		opts.watch = enabled
		return nil
	}}
}

// resolveBackendOptions applies Option instances to backendOptions.
func resolveBackendOptions(opts []Option) (*backendOptions, error) {
	cfg := &backendOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyBackend(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
