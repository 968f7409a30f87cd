package asyncctx

import "time"

// TimerID identifies one scheduled unit of work. Ids are opaque to callers
// and are only meaningful for cancellation and ref/unref against the
// reactor that issued them. Zero is never a valid id.
type TimerID uint64

// Reactor is the external scheduling collaborator consumed by [Timers]. It
// fires submitted callbacks no earlier than the requested delay, in
// due-time order, and owns ref/unref semantics for loop-exit accounting.
//
// The depth parameter is the scheduling-time nesting depth of
// timers-within-timers. It is reactor-consumed state: policy layers may use
// it (for example, minimum-delay clamping of deeply nested timers) but it
// is not user-visible.
type Reactor interface {
	// Submit schedules fn after delay. A repeating submission persists
	// across firings until cancelled; a one-shot handle is destroyed when
	// it fires.
	Submit(fn func(), delay time.Duration, repeating bool, depth int) (TimerID, error)

	// SubmitImmediate schedules fn for the next loop turn, with no delay
	// semantics. Depth and ref behavior are reactor-defined.
	SubmitImmediate(fn func()) (TimerID, error)

	// Cancel requests cancellation of a handle. Cancelling an already-fired
	// one-shot or an unknown id returns ErrTimerNotFound; a callback
	// already in progress runs to completion.
	Cancel(id TimerID) error

	// Ref marks the handle as sufficient, on its own, to keep the loop
	// alive. Handles are refed by default.
	Ref(id TimerID) error

	// Unref marks the handle as not keeping the loop alive.
	Unref(id TimerID) error

	// Now returns the reactor's monotonic timestamp.
	Now() time.Time

	// YieldPoint returns a channel that is closed once the reactor has
	// drained its current microtask queue and is about to yield. Used by
	// the deferral primitive.
	YieldPoint() <-chan struct{}
}

// Evaluator executes legacy string-callback source text. It is invoked
// under the already-restored captured context, so evaluated code observes
// the same ambient state a callable would have. Errors propagate as
// ordinary callback failures.
type Evaluator interface {
	Evaluate(src string) error
}
