package iomultiplex

import "time"

// engineOptions holds the resolved configuration for an IOHandler.
type engineOptions struct {
	logger        Logger
	signalNum     int
	maxEvents     int
	pollTimeoutCap time.Duration
}

// Option configures an IOHandler constructed via [New].
type Option interface {
	apply(*engineOptions) error
}

type optionFunc func(*engineOptions) error

func (f optionFunc) apply(o *engineOptions) error { return f(o) }

// WithLogger overrides the package-level default [Logger] for one engine.
func WithLogger(logger Logger) Option {
	return optionFunc(func(o *engineOptions) error {
		o.logger = logger
		return nil
	})
}

// WithSignalNum selects the real-time signal (relative to SIGRTMIN, so 0
// selects SIGRTMIN itself) used to interrupt a blocked kernel-readiness
// wait. The default is 0. Multiple engines in the same process may safely
// share a signal number; installation is refcounted.
func WithSignalNum(n int) Option {
	return optionFunc(func(o *engineOptions) error {
		if n < 0 {
			return &EngineError{Kind: ErrInvalidArgument, Op: "WithSignalNum", Message: "signal number must be >= 0"}
		}
		o.signalNum = n
		return nil
	})
}

// WithMaxEventsPerPoll bounds how many readiness events a single poll
// syscall returns. The default is 256, matching typical epoll/kqueue
// batch sizes.
func WithMaxEventsPerPoll(n int) Option {
	return optionFunc(func(o *engineOptions) error {
		if n <= 0 {
			return &EngineError{Kind: ErrInvalidArgument, Op: "WithMaxEventsPerPoll", Message: "must be > 0"}
		}
		o.maxEvents = n
		return nil
	})
}

// WithMaxPollTimeout caps how long a single kernel-readiness wait may
// block even when no timer is pending, bounding how promptly Stop is
// observed by a worker that is otherwise idle. Zero (the default) means
// no cap: the worker waits indefinitely for I/O or a control signal.
func WithMaxPollTimeout(d time.Duration) Option {
	return optionFunc(func(o *engineOptions) error {
		o.pollTimeoutCap = d
		return nil
	})
}

func resolveOptions(opts []Option) (*engineOptions, error) {
	cfg := &engineOptions{
		logger:    getGlobalLogger(),
		maxEvents: 256,
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
