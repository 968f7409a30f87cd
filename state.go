package asyncctx

import (
	"sync/atomic"
)

// LoopState represents the current state of the built-in reactor loop.
//
// State Machine:
//
//	StateAwake → StateRunning          [Run()]
//	StateRunning → StateSleeping       [sleep() via CAS]
//	StateRunning → StateTerminating    [Shutdown()]
//	StateSleeping → StateRunning       [wake via CAS]
//	StateSleeping → StateTerminating   [Shutdown()]
//	StateTerminating → StateTerminated [shutdown complete]
//	StateTerminated → (terminal)
//
// Use TryTransition (CAS) for the reversible states (Running, Sleeping) and
// Store only for the irreversible Terminated state.
type LoopState uint64

const (
	// StateAwake indicates the loop has been created but not started.
	StateAwake LoopState = iota
	// StateTerminated indicates the loop has been stopped and is fully shut down.
	StateTerminated
	// StateSleeping indicates the loop is blocked waiting for work or a due timer.
	StateSleeping
	// StateRunning indicates the loop is actively processing tasks.
	StateRunning
	// StateTerminating indicates shutdown has been requested but not completed.
	StateTerminating
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// loopStateMachine is a lock-free state machine built on atomic CAS.
type loopStateMachine struct {
	v atomic.Uint64
}

func newLoopStateMachine() *loopStateMachine {
	s := &loopStateMachine{}
	s.v.Store(uint64(StateAwake))
	return s
}

// Load returns the current state atomically.
func (s *loopStateMachine) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store atomically stores a new state, without transition validation.
func (s *loopStateMachine) Store(state LoopState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to
// another, reporting whether the CAS succeeded.
func (s *loopStateMachine) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// IsTerminal returns true if the current state is Terminated.
func (s *loopStateMachine) IsTerminal() bool {
	return s.Load() == StateTerminated
}
