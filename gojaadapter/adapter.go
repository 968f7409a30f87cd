// Package gojaadapter binds the asyncctx timer facade to the Goja
// JavaScript runtime.
//
// After [Adapter.Bind], the following globals are available in JavaScript:
//
//   - setTimeout(callback, delay?, ...args) returning a timer id
//   - clearTimeout(id)
//   - setInterval(callback, delay?, ...args) returning a timer id
//   - clearInterval(id)
//   - setImmediate(callback, ...args) returning a handle id
//   - clearImmediate(id)
//
// The legacy string-callback form (setTimeout("code", delay)) is supported:
// the source text is evaluated through the runtime when the timer fires,
// under the context captured at scheduling time.
//
// # Thread Safety
//
// The Goja runtime is not thread-safe. After binding, JavaScript callbacks
// execute on the event loop goroutine; the runtime should only be accessed
// from that goroutine, typically via [asyncctx.Loop.SubmitImmediate] or from
// within callbacks.
package gojaadapter

import (
	"fmt"

	"github.com/dop251/goja"

	asyncctx "github.com/loopkit/go-asyncctx"
)

// Adapter bridges a Goja runtime to an [asyncctx.Timers] facade over an
// [asyncctx.Loop].
type Adapter struct {
	runtime *goja.Runtime
	loop    *asyncctx.Loop
	stack   *asyncctx.Stack
	timers  *asyncctx.Timers
}

// New creates an adapter for the given loop and runtime, with a fresh
// context stack and a string evaluator backed by the runtime itself.
func New(loop *asyncctx.Loop, runtime *goja.Runtime) (*Adapter, error) {
	if loop == nil {
		return nil, fmt.Errorf("gojaadapter: loop cannot be nil")
	}
	if runtime == nil {
		return nil, fmt.Errorf("gojaadapter: runtime cannot be nil")
	}

	stack := asyncctx.NewStack()
	timers, err := asyncctx.NewTimers(stack, loop,
		asyncctx.WithEvaluator(&runtimeEvaluator{runtime: runtime}),
	)
	if err != nil {
		return nil, fmt.Errorf("gojaadapter: failed to create timer facade: %w", err)
	}

	return &Adapter{
		runtime: runtime,
		loop:    loop,
		stack:   stack,
		timers:  timers,
	}, nil
}

// Loop returns the event loop.
func (a *Adapter) Loop() *asyncctx.Loop {
	return a.loop
}

// Runtime returns the Goja runtime.
func (a *Adapter) Runtime() *goja.Runtime {
	return a.runtime
}

// Stack returns the adapter's context stack.
func (a *Adapter) Stack() *asyncctx.Stack {
	return a.stack
}

// Timers returns the timer facade.
func (a *Adapter) Timers() *asyncctx.Timers {
	return a.timers
}

// Bind creates the timer bindings in the Goja global scope. It must be
// called before executing JavaScript code that uses timer APIs.
func (a *Adapter) Bind() error {
	a.runtime.Set("setTimeout", a.setTimeout)
	a.runtime.Set("clearTimeout", a.clearTimeout)
	a.runtime.Set("setInterval", a.setInterval)
	a.runtime.Set("clearInterval", a.clearInterval)
	a.runtime.Set("setImmediate", a.setImmediate)
	a.runtime.Set("clearImmediate", a.clearImmediate)
	return nil
}

func (a *Adapter) setTimeout(call goja.FunctionCall) goja.Value {
	return a.scheduleTimer("setTimeout", call, false)
}

func (a *Adapter) setInterval(call goja.FunctionCall) goja.Value {
	return a.scheduleTimer("setInterval", call, true)
}

func (a *Adapter) scheduleTimer(op string, call goja.FunctionCall, repeating bool) goja.Value {
	cb := a.timerCallback(op, call)
	delayMs := call.Argument(1).ToInteger()

	var id asyncctx.TimerID
	var err error
	if repeating {
		id, err = a.timers.SetInterval(cb, delayMs)
	} else {
		id, err = a.timers.SetTimeout(cb, delayMs)
	}
	if err != nil {
		panic(a.runtime.NewGoError(err))
	}

	return a.runtime.ToValue(uint64(id))
}

// timerCallback converts the first call argument into the tagged callback
// variant: callable, or legacy source text for anything string-convertible.
func (a *Adapter) timerCallback(op string, call goja.FunctionCall) asyncctx.TimerCallback {
	v := call.Argument(0)
	if fn, ok := goja.AssertFunction(v); ok {
		var extra []goja.Value
		if len(call.Arguments) > 2 {
			extra = append(extra, call.Arguments[2:]...)
		}
		return asyncctx.Callable(func(...any) {
			_, _ = fn(goja.Undefined(), extra...)
		})
	}
	if goja.IsUndefined(v) || goja.IsNull(v) {
		panic(a.runtime.NewTypeError("%s requires a function or source text as first argument", op))
	}
	return asyncctx.SourceText(v.String())
}

// clearTimeout binding for Goja.
func (a *Adapter) clearTimeout(call goja.FunctionCall) goja.Value {
	id := uint64(call.Argument(0).ToInteger())
	_ = a.timers.ClearTimeout(asyncctx.TimerID(id)) // Silently ignore unknown ids (matches browser behavior)
	return goja.Undefined()
}

// clearInterval binding for Goja.
func (a *Adapter) clearInterval(call goja.FunctionCall) goja.Value {
	id := uint64(call.Argument(0).ToInteger())
	_ = a.timers.ClearInterval(asyncctx.TimerID(id))
	return goja.Undefined()
}

// setImmediate binding for Goja.
func (a *Adapter) setImmediate(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(a.runtime.NewTypeError("setImmediate requires a function as first argument"))
	}

	var extra []goja.Value
	if len(call.Arguments) > 1 {
		extra = append(extra, call.Arguments[1:]...)
	}

	id, err := a.timers.SetImmediate(func(...any) {
		_, _ = fn(goja.Undefined(), extra...)
	})
	if err != nil {
		panic(a.runtime.NewGoError(err))
	}

	return a.runtime.ToValue(uint64(id))
}

// clearImmediate binding for Goja.
func (a *Adapter) clearImmediate(call goja.FunctionCall) goja.Value {
	id := uint64(call.Argument(0).ToInteger())
	_ = a.timers.ClearImmediate(asyncctx.TimerID(id))
	return goja.Undefined()
}

// runtimeEvaluator implements [asyncctx.Evaluator] on the Goja runtime.
// Evaluation happens on the loop goroutine when the timer fires.
type runtimeEvaluator struct {
	runtime *goja.Runtime
}

func (e *runtimeEvaluator) Evaluate(src string) error {
	_, err := e.runtime.RunString(src)
	return err
}
