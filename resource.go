package asyncctx

import (
	"reflect"
	"runtime"
	"strings"
	"sync/atomic"
)

// Callback is a unit of user work that can be run under, or bound to, a
// captured context. The args are whatever positional values were supplied
// at the call or bind site.
type Callback func(args ...any) (any, error)

// asyncIDCounter is process-wide. Async ids exist for identity and
// diagnostics only; they have no effect on scheduling.
var asyncIDCounter atomic.Uint64

// DefaultResourceType is the type tag used when none is supplied and the
// bound function's name cannot be resolved.
const DefaultResourceType = "AsyncResource"

// AsyncResource captures the ambient context at construction and can later
// re-enter that exact context to run arbitrary work, or produce a
// context-preserving wrapper around a function.
//
// Resources are never destroyed explicitly; [AsyncResource.EmitDestroy] is a
// reserved lifecycle hook.
type AsyncResource struct {
	stack    *Stack
	typ      string
	snapshot Snapshot
	asyncID  uint64
}

// NewAsyncResource creates a resource of the given type, capturing the
// stack's current context exactly once. The type tag is a free-form label
// for diagnostics; an empty typ defaults to [DefaultResourceType].
func NewAsyncResource(stack *Stack, typ string) *AsyncResource {
	if typ == "" {
		typ = DefaultResourceType
	}
	return &AsyncResource{
		stack:    stack,
		typ:      typ,
		snapshot: stack.Snapshot(),
		asyncID:  asyncIDCounter.Add(1),
	}
}

// Type returns the resource's diagnostic type tag.
func (r *AsyncResource) Type() string {
	return r.typ
}

// AsyncID returns the resource's unique, monotonically assigned id.
func (r *AsyncResource) AsyncID() uint64 {
	return r.asyncID
}

// RunInAsyncScope swaps in the context captured at construction, invokes fn
// with args, and swaps the old context back on every exit path. Errors and
// panics from fn propagate unchanged, after restoration.
func (r *AsyncResource) RunInAsyncScope(fn Callback, args ...any) (any, error) {
	if err := validateCallable(fn, "fn"); err != nil {
		return nil, err
	}
	prev := r.stack.Swap(r.snapshot)
	defer r.stack.Swap(prev)
	return fn(args...)
}

// EmitDestroy is a reserved hook for future lifecycle tracking. It is a
// no-op and never fails.
func (r *AsyncResource) EmitDestroy() {}

// Bind captures a fresh snapshot of the ambient context (not the resource's
// construction-time one) and returns a callable that always executes fn
// under that snapshot, restoring the prior context on every exit path.
//
// Fails with an [InvalidArgumentError] if fn is nil.
func (r *AsyncResource) Bind(fn Callback) (*BoundCallback, error) {
	if err := validateCallable(fn, "fn"); err != nil {
		return nil, err
	}
	snap := r.stack.Snapshot()
	stack := r.stack
	return &BoundCallback{
		name:  funcName(fn),
		arity: funcArity(fn),
		call: func(args ...any) (any, error) {
			prev := stack.Swap(snap)
			defer stack.Swap(prev)
			return fn(args...)
		},
	}, nil
}

// BindFunc constructs a resource and binds fn to it in one step. The
// resource type defaults to typ, then to fn's name, then to
// [DefaultResourceType].
func BindFunc(stack *Stack, fn Callback, typ string) (*BoundCallback, error) {
	if err := validateCallable(fn, "fn"); err != nil {
		return nil, err
	}
	if typ == "" {
		typ = funcName(fn)
	}
	return NewAsyncResource(stack, typ).Bind(fn)
}

// BoundCallback is a context-preserving wrapper produced by
// [AsyncResource.Bind]. It exposes the wrapped function's name and arity as
// immutable metadata for introspection.
type BoundCallback struct {
	call  Callback
	name  string
	arity int
}

// Call invokes the wrapped function under the context captured at bind
// time, with the prior context restored on every exit path. The outcome of
// the wrapped function is returned or propagated unchanged.
func (b *BoundCallback) Call(args ...any) (any, error) {
	return b.call(args...)
}

// Name returns the wrapped function's name.
func (b *BoundCallback) Name() string {
	return b.name
}

// Arity returns the wrapped function's declared parameter count.
func (b *BoundCallback) Arity() int {
	return b.arity
}

// funcName resolves fn's symbol name, trimmed to its final path element.
// Closures come back as names like "pkg.Parent.func1", which is still more
// useful than nothing for diagnostics.
func funcName(fn any) string {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return ""
	}
	pc := runtime.FuncForPC(v.Pointer())
	if pc == nil {
		return ""
	}
	name := pc.Name()
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// funcArity returns fn's declared parameter count, counting a variadic
// parameter as one.
func funcArity(fn any) int {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func {
		return 0
	}
	return v.Type().NumIn()
}
