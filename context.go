package asyncctx

// Snapshot is an opaque, immutable capture of the ambient context at a point
// in time. Snapshots are cheap to copy and taking one never mutates the
// owning [Stack].
type Snapshot struct {
	frame *frame
}

// frame is one immutable binding in a persistent chain. Each scoped write
// prepends a frame; lookups walk toward the root and stop at the nearest
// binding for the slot. Frames are never mutated after construction, which
// is what makes snapshots safe to hold across arbitrary re-entrancy.
type frame struct {
	parent *frame
	slot   *AsyncLocalStorage
	value  any

	// cleared marks a binding that shadows the slot with "no value", used
	// by AsyncLocalStorage.Exit.
	cleared bool
}

// lookup returns the value bound to slot in the nearest enclosing frame.
func (f *frame) lookup(slot *AsyncLocalStorage) (any, bool) {
	for ; f != nil; f = f.parent {
		if f.slot == slot {
			if f.cleared {
				return nil, false
			}
			return f.value, true
		}
	}
	return nil, false
}

// Stack is the context-propagation service: it holds the currently ambient
// [Snapshot] and exposes exactly two operations, Snapshot and Swap.
//
// A Stack is an explicit, injectable object rather than a process-wide
// singleton so that independent hosts (and tests) can own independent
// context domains. It is confined to a single goroutine, conventionally the
// reactor goroutine; no locking is performed.
//
// Contract: every Swap call site must be paired with exactly one restoring
// Swap on every exit path of the protected region, typically:
//
//	prev := stack.Swap(snap)
//	defer stack.Swap(prev)
//
// Failing to restore leaks context into unrelated work, which is a
// correctness bug, not a resource leak.
type Stack struct {
	current *frame
}

// NewStack creates an empty context stack. The initial ambient context has
// no bindings.
func NewStack() *Stack {
	return &Stack{}
}

// Snapshot captures the current context. It has no side effects and is O(1).
func (s *Stack) Snapshot() Snapshot {
	return Snapshot{frame: s.current}
}

// Swap installs snap as the current context and returns the previously
// current one, making every swap invertible. It is a pure handle exchange
// and cannot fail.
func (s *Stack) Swap(snap Snapshot) Snapshot {
	prev := s.current
	s.current = snap.frame
	return Snapshot{frame: prev}
}
