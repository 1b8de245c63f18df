// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package dispatchqueue

import (
	"math"
	"time"

	"github.com/joeycumines/logiface"
)

// dispatcherOptions holds configuration resolved at construction.
type dispatcherOptions struct {
	logger          *logiface.Logger[logiface.Event]
	defaultPriority int
	defaultOptions  CaptureOptions
	watchdogTimeout time.Duration
	catchExceptions bool
}

// Option configures a Dispatcher instance.
type Option interface {
	apply(*dispatcherOptions) error
}

type optionImpl struct {
	applyFunc func(*dispatcherOptions) error
}

func (o *optionImpl) apply(opts *dispatcherOptions) error {
	return o.applyFunc(opts)
}

// WithCatchExceptions controls whether the worker keeps running after a body
// exception. When disabled (default), a body exception terminates the run
// loop and surfaces the wrapped error out of [Dispatcher.Run]. The Exception
// event fires either way.
func WithCatchExceptions(enabled bool) Option {
	return &optionImpl{func(opts *dispatcherOptions) error {
		opts.catchExceptions = enabled
		return nil
	}}
}

// WithDefaultPriority sets the priority that [PriorityDefault] submissions
// resolve to. Defaults to the middle of the non-negative range.
func WithDefaultPriority(priority int) Option {
	return &optionImpl{func(opts *dispatcherOptions) error {
		if priority < 0 {
			return ErrInvalidPriority
		}
		opts.defaultPriority = priority
		return nil
	}}
}

// WithDefaultOptions sets the capture options that [OptionsDefault]
// submissions resolve to. Defaults to [CaptureNothing].
func WithDefaultOptions(options CaptureOptions) Option {
	return &optionImpl{func(opts *dispatcherOptions) error {
		if !options.valid() {
			return ErrInvalidOptions
		}
		opts.defaultOptions = options
		return nil
	}}
}

// WithWatchdogTimeout enables slow-operation surveillance: whenever an
// executing body accumulates more than timeout since the last firing, the
// Watchdog event is raised. Zero (the default) disables surveillance;
// negative values are rejected.
func WithWatchdogTimeout(timeout time.Duration) Option {
	return &optionImpl{func(opts *dispatcherOptions) error {
		if timeout < 0 {
			return ErrInvalidWatchdogTimeout
		}
		opts.watchdogTimeout = timeout
		return nil
	}}
}

// WithLogger sets the structured log sink. A nil logger (the default)
// disables logging; the sink is never written to reentrantly from inside a
// log call.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *dispatcherOptions) error {
		opts.logger = logger
		return nil
	}}
}

// resolveOptions applies Option values over the defaults.
func resolveOptions(opts []Option) (*dispatcherOptions, error) {
	cfg := &dispatcherOptions{
		defaultPriority: math.MaxInt32 / 2,
		defaultOptions:  CaptureNothing,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
