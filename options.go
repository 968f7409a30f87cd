package asyncctx

import (
	"time"

	"github.com/joeycumines/logiface"
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger          *logiface.Logger[logiface.Event]
	clampDepth      int
	clampMin        time.Duration
	runToCompletion bool
}

// LoopOption configures a [Loop] instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLoopLogger attaches a structured logger used for panic isolation and
// diagnostic output. A nil logger falls back to the standard library log
// package for panic reports only.
func WithLoopLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithRunToCompletion makes [Loop.Run] return once no refed handles and no
// pending work remain, instead of blocking until shutdown. Schedule the
// initial work before calling Run: an empty loop is immediately quiescent.
func WithRunToCompletion(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.runToCompletion = enabled
		return nil
	}}
}

// WithNestedTimerClamp configures the HTML5 nested-timer policy: when a
// submission's nesting depth exceeds depth, delays below minDelay are
// raised to minDelay. Defaults are depth 5 and 4ms.
func WithNestedTimerClamp(depth int, minDelay time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if depth < 0 || minDelay < 0 {
			return &InvalidArgumentError{Name: "clamp"}
		}
		opts.clampDepth = depth
		opts.clampMin = minDelay
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		clampDepth: 5,
		clampMin:   4 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
