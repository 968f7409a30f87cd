// Package asyncctx provides asynchronous execution-context propagation and a
// JavaScript-compatible timer scheduling facade for Go hosted runtimes.
//
// # Architecture
//
// The package is built around a [Stack] of immutable context snapshots.
// [AsyncResource] and [AsyncLocalStorage] capture and restore snapshots
// across callback boundaries, and [Timers] schedules one-shot, repeating,
// and immediate callbacks such that each callback runs under the context
// that was ambient when it was scheduled.
//
// Scheduling is delegated to a [Reactor]. A production-quality built-in
// reactor ([Loop]) is included: a single-threaded event loop with a timer
// min-heap, a microtask queue, per-handle ref/unref accounting, and yield
// points used by [Timers.Defer].
//
// # Context Discipline
//
// Every context swap is paired with a restoring swap on every exit path,
// including panics. A callback scheduled while some store is active will
// observe that store when it eventually fires, regardless of what has run
// in between:
//
//	stack := asyncctx.NewStack()
//	store := asyncctx.NewAsyncLocalStorage(stack, "request")
//
//	_, _ = store.Run("req-1", func(...any) (any, error) {
//	    id, _ := timers.SetTimeout(asyncctx.Callable(func(...any) {
//	        fmt.Println(store.GetStore()) // "req-1", even if fired much later
//	    }), 100)
//	    _ = id
//	    return nil, nil
//	})
//
// # Thread Safety
//
// The [Stack] and everything layered on it ([AsyncResource],
// [AsyncLocalStorage], [Timers]) are confined to the reactor goroutine;
// callbacks always execute there. The built-in [Loop]'s submission APIs
// ([Loop.Submit], [Loop.SubmitImmediate], [Loop.Cancel], [Loop.Ref],
// [Loop.Unref], [Loop.ScheduleMicrotask]) are safe to call from any
// goroutine.
//
// # Error Types
//
//   - [IllegalInvocationError]: a facade entry point was called on an
//     invalid receiver
//   - [InvalidArgumentError]: a non-callable value was passed where a
//     function is required
//   - [ErrTimerNotFound], [ErrLoopTerminated]: reactor sentinels
//
// Callback failures are never swallowed: errors are returned unchanged and
// panics propagate, in both cases after the prior context has been
// restored.
package asyncctx
