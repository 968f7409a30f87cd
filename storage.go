package asyncctx

// AsyncLocalStorage is a named logical storage slot built on a single
// context-stack binding. Instances are independent: each owns its own slot
// and there is no cross-instance interaction.
//
// Run and Exit are scoped: they restore the previous state on every exit
// path. EnterWith is an unscoped mutation for call sites that cannot use
// the scoped form. Disable permanently shuts the slot down.
type AsyncLocalStorage struct {
	stack *Stack
	name  string

	// enabled gates whether Run/Exit/EnterWith observe changes. Cleared by
	// Disable, never set again: disablement is terminal.
	enabled bool
}

// NewAsyncLocalStorage creates an enabled storage slot on the given stack.
// The name is a free-form diagnostic label.
func NewAsyncLocalStorage(stack *Stack, name string) *AsyncLocalStorage {
	return &AsyncLocalStorage{stack: stack, name: name, enabled: true}
}

// Name returns the slot's diagnostic label.
func (s *AsyncLocalStorage) Name() string {
	return s.name
}

// Run sets the slot's value to store for the duration of fn only, restoring
// the previous value afterward on every exit path, and returns or
// propagates fn's outcome. A disabled slot degenerates to a plain
// invocation.
func (s *AsyncLocalStorage) Run(store any, fn Callback, args ...any) (any, error) {
	if err := validateCallable(fn, "fn"); err != nil {
		return nil, err
	}
	if !s.enabled {
		return fn(args...)
	}
	prev := s.stack.Swap(Snapshot{frame: &frame{
		parent: s.stack.current,
		slot:   s,
		value:  store,
	}})
	defer s.stack.Swap(prev)
	return fn(args...)
}

// Exit temporarily disables the slot for the duration of fn, so GetStore
// observes no value inside, restoring the previous state afterward on every
// exit path. If the slot is already disabled this is a plain invocation.
func (s *AsyncLocalStorage) Exit(fn Callback, args ...any) (any, error) {
	if err := validateCallable(fn, "fn"); err != nil {
		return nil, err
	}
	if !s.enabled {
		return fn(args...)
	}
	prev := s.stack.Swap(Snapshot{frame: &frame{
		parent:  s.stack.current,
		slot:    s,
		cleared: true,
	}})
	defer s.stack.Swap(prev)
	return fn(args...)
}

// GetStore returns the slot's current value, or nil if the slot has no
// value in the ambient context or has been disabled. Pure read.
func (s *AsyncLocalStorage) GetStore() any {
	if !s.enabled {
		return nil
	}
	v, _ := s.stack.current.lookup(s)
	return v
}

// EnterWith sets the slot's current value with no corresponding
// restoration. The value persists until the next Run, EnterWith, or an
// enclosing scope's restoration boundary. Prefer Run wherever the call site
// permits scoping. No-op on a disabled slot.
func (s *AsyncLocalStorage) EnterWith(store any) {
	if !s.enabled {
		return
	}
	s.stack.current = &frame{
		parent: s.stack.current,
		slot:   s,
		value:  store,
	}
}

// Disable permanently disables the slot. There is no undo; subsequent Run
// and Exit calls degenerate to plain invocations and GetStore returns nil.
func (s *AsyncLocalStorage) Disable() {
	s.enabled = false
}

// BindCallback is the storage-level static bind: it produces a callable
// that, on each call, restores the context snapshot captured now. The
// resource type defaults to fn's name.
func BindCallback(stack *Stack, fn Callback) (*BoundCallback, error) {
	return BindFunc(stack, fn, "")
}

// ScopedRunner runs a callback with the supplied arguments under some
// previously captured context.
type ScopedRunner func(fn Callback, args ...any) (any, error)

// SnapshotScope reifies "run this under today's ambient context" as a
// portable value. The returned runner can be handed to code executing under
// a different ambient context later; each invocation applies fn with args
// under the context captured here, restoring the caller's context
// afterward on every exit path.
func SnapshotScope(stack *Stack) ScopedRunner {
	snap := stack.Snapshot()
	return func(fn Callback, args ...any) (any, error) {
		if err := validateCallable(fn, "fn"); err != nil {
			return nil, err
		}
		prev := stack.Swap(snap)
		defer stack.Swap(prev)
		return fn(args...)
	}
}
