package asyncctx

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// TimerCallback is the tagged callback variant accepted by the timer
// facade: either a callable, or legacy source text that is evaluated
// through the configured [Evaluator] when the timer fires. The distinction
// is preserved through scheduling; both forms execute under the context
// captured at scheduling time.
type TimerCallback struct {
	fn       func(args ...any)
	source   string
	isSource bool
}

// Callable wraps fn as a timer callback.
func Callable(fn func(args ...any)) TimerCallback {
	return TimerCallback{fn: fn}
}

// SourceText wraps legacy string-callback source text as a timer callback.
func SourceText(src string) TimerCallback {
	return TimerCallback{source: src, isSource: true}
}

// timersOptions holds configuration options for Timers creation.
type timersOptions struct {
	evaluator Evaluator
	logger    *logiface.Logger[logiface.Event]
}

// TimersOption configures a [Timers] instance.
type TimersOption interface {
	applyTimers(*timersOptions) error
}

type timersOptionImpl struct {
	applyTimersFunc func(*timersOptions) error
}

func (o *timersOptionImpl) applyTimers(opts *timersOptions) error {
	return o.applyTimersFunc(opts)
}

// WithEvaluator configures the evaluator used for legacy string callbacks.
// Without one, scheduling a [SourceText] callback fails with an
// [InvalidArgumentError].
func WithEvaluator(ev Evaluator) TimersOption {
	return &timersOptionImpl{func(opts *timersOptions) error {
		opts.evaluator = ev
		return nil
	}}
}

// WithTimersLogger attaches a structured logger used for scheduling
// diagnostics. A nil logger disables logging.
func WithTimersLogger(logger *logiface.Logger[logiface.Event]) TimersOption {
	return &timersOptionImpl{func(opts *timersOptions) error {
		opts.logger = logger
		return nil
	}}
}

func resolveTimersOptions(opts []TimersOption) (*timersOptions, error) {
	cfg := &timersOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyTimers(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Timers schedules one-shot, repeating, and immediate callbacks on a
// [Reactor], wrapping every delayed callback so that it executes under the
// context that was ambient at scheduling time and restores the prior
// context afterward regardless of how the callback exits.
//
// Timers also tracks the nesting depth of timers-within-timers: a timer
// scheduled from inside a firing timer callback carries a depth one greater
// than its scheduler's. The depth is submitted to the reactor for policy
// consumption and is not otherwise user-visible.
type Timers struct {
	stack     *Stack
	reactor   Reactor
	evaluator Evaluator
	log       *logiface.Logger[logiface.Event]

	// depth is the nesting depth of the timer callback currently executing
	// on the reactor goroutine, 0 if none. Atomic so that scheduling from
	// other goroutines reads a coherent value.
	depth atomic.Int32
}

// NewTimers creates a timer facade over the given stack and reactor.
func NewTimers(stack *Stack, reactor Reactor, opts ...TimersOption) (*Timers, error) {
	if stack == nil {
		return nil, &InvalidArgumentError{Name: "stack"}
	}
	if reactor == nil {
		return nil, &InvalidArgumentError{Name: "reactor"}
	}
	cfg, err := resolveTimersOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Timers{
		stack:     stack,
		reactor:   reactor,
		evaluator: cfg.evaluator,
		log:       cfg.logger,
	}, nil
}

// SetTimeout schedules cb to fire once, no earlier than delayMs
// milliseconds from now, with args bound into the callback. The ambient
// context is captured now and restored around the firing. The delay is
// coerced to the signed 32-bit integer domain; negative results are treated
// as 0.
//
// Returns an opaque handle id for [Timers.ClearTimeout],
// [Timers.RefTimer], and [Timers.UnrefTimer].
func (t *Timers) SetTimeout(cb TimerCallback, delayMs int64, args ...any) (TimerID, error) {
	if t == nil {
		return 0, &IllegalInvocationError{Op: "SetTimeout"}
	}
	return t.schedule("SetTimeout", cb, delayMs, false, args)
}

// SetInterval schedules cb to fire repeatedly with a fixed delay until the
// returned handle is cancelled. Semantics otherwise match
// [Timers.SetTimeout].
func (t *Timers) SetInterval(cb TimerCallback, delayMs int64, args ...any) (TimerID, error) {
	if t == nil {
		return 0, &IllegalInvocationError{Op: "SetInterval"}
	}
	return t.schedule("SetInterval", cb, delayMs, true, args)
}

func (t *Timers) schedule(op string, cb TimerCallback, delayMs int64, repeating bool, args []any) (TimerID, error) {
	if cb.isSource {
		if t.evaluator == nil {
			return 0, &InvalidArgumentError{Name: "callback"}
		}
	} else if cb.fn == nil {
		return 0, &InvalidArgumentError{Name: "callback"}
	}

	delay := time.Duration(coerceDelay(delayMs)) * time.Millisecond
	if delay < 0 {
		delay = 0
	}

	snap := t.stack.Snapshot()
	depth := int(t.depth.Load()) + 1

	run := func() {
		prev := t.stack.Swap(snap)
		prevDepth := t.depth.Load()
		t.depth.Store(int32(depth))
		defer func() {
			t.depth.Store(prevDepth)
			t.stack.Swap(prev)
		}()
		t.invoke(cb, args)
	}

	id, err := t.reactor.Submit(run, delay, repeating, depth)
	if err != nil {
		return 0, err
	}
	t.log.Debug().
		Str("op", op).
		Uint64("timer", uint64(id)).
		Dur("delay", delay).
		Int("depth", depth).
		Bool("repeating", repeating).
		Log("timer scheduled")
	return id, nil
}

// invoke runs the callback body. Context and depth bookkeeping is already
// in place; failures propagate so restoration happens via the caller's
// defers before the failure escapes.
func (t *Timers) invoke(cb TimerCallback, args []any) {
	if cb.isSource {
		if err := t.evaluator.Evaluate(cb.source); err != nil {
			panic(err)
		}
		return
	}
	cb.fn(args...)
}

// ClearTimeout requests cancellation of a one-shot timer. Cancelling an
// already-fired or unknown id is a no-op, not a failure.
func (t *Timers) ClearTimeout(id TimerID) error {
	if t == nil {
		return &IllegalInvocationError{Op: "ClearTimeout"}
	}
	return t.cancel(id)
}

// ClearInterval requests cancellation of a repeating timer. Cancelling an
// unknown id is a no-op, not a failure.
func (t *Timers) ClearInterval(id TimerID) error {
	if t == nil {
		return &IllegalInvocationError{Op: "ClearInterval"}
	}
	return t.cancel(id)
}

func (t *Timers) cancel(id TimerID) error {
	if err := t.reactor.Cancel(id); err != nil && !errors.Is(err, ErrTimerNotFound) {
		return err
	}
	return nil
}

// RefTimer marks the handle as keeping the loop alive. Purely delegated to
// the reactor; stale ids are tolerated silently.
func (t *Timers) RefTimer(id TimerID) error {
	if t == nil {
		return &IllegalInvocationError{Op: "RefTimer"}
	}
	if err := t.reactor.Ref(id); err != nil && !errors.Is(err, ErrTimerNotFound) {
		return err
	}
	return nil
}

// UnrefTimer marks the handle as not keeping the loop alive. Purely
// delegated to the reactor; stale ids are tolerated silently.
func (t *Timers) UnrefTimer(id TimerID) error {
	if t == nil {
		return &IllegalInvocationError{Op: "UnrefTimer"}
	}
	if err := t.reactor.Unref(id); err != nil && !errors.Is(err, ErrTimerNotFound) {
		return err
	}
	return nil
}

// SetImmediate schedules fn for the next loop turn with no delay semantics
// and no context-capture wrapping beyond binding args. Depth and ref
// behavior are reactor-defined.
func (t *Timers) SetImmediate(fn func(args ...any), args ...any) (TimerID, error) {
	if t == nil {
		return 0, &IllegalInvocationError{Op: "SetImmediate"}
	}
	if fn == nil {
		return 0, &InvalidArgumentError{Name: "callback"}
	}
	return t.reactor.SubmitImmediate(func() {
		fn(args...)
	})
}

// ClearImmediate requests cancellation of a pending immediate. Unknown ids
// are tolerated silently.
func (t *Timers) ClearImmediate(id TimerID) error {
	if t == nil {
		return &IllegalInvocationError{Op: "ClearImmediate"}
	}
	return t.cancel(id)
}

// Defer schedules fn to run exactly once after the current microtask queue
// drains, in the immediate (macrotask) fairness class rather than the
// microtask class, so neither class can starve the other. Fire-and-forget:
// the outcome is not observed, and if the reactor terminates before the
// yield point resolves, fn is dropped.
func (t *Timers) Defer(fn func()) {
	if t == nil || fn == nil {
		return
	}
	yield := t.reactor.YieldPoint()
	go func() {
		<-yield
		if _, err := t.reactor.SubmitImmediate(fn); err != nil {
			t.log.Debug().Err(err).Log("deferred callback dropped")
		}
	}()
}

// coerceDelay reduces a millisecond delay to the signed 32-bit integer
// domain using modular truncation, matching the ToInt32 coercion applied by
// web timer APIs.
func coerceDelay(ms int64) int32 {
	return int32(uint32(uint64(ms))) //nolint:gosec // intentional modular wrap
}
