package asyncctx

import (
	"container/heap"
	"context"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// immediateIDBase keeps immediate handle ids in a separate namespace from
// timer ids, so the two systems never collide as they grow.
const immediateIDBase = 1 << 48

// timerHandle is one scheduled unit of work owned by the built-in reactor.
type timerHandle struct {
	fn     func()
	when   time.Time
	period time.Duration
	id     TimerID
	depth  int
	// heapIdx is the handle's position in the timer heap, -1 while the
	// handle is not resident (immediates, and repeating timers mid-fire).
	heapIdx   int
	repeating bool
	immediate bool
	refed     bool
	canceled  bool
}

// timerHeap is a min-heap of handles ordered by due time. It maintains
// heapIdx so cancellation can remove a handle in place.
type timerHeap []*timerHandle

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timerHandle)
	t.heapIdx = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIdx = -1
	*h = old[:n-1]
	return t
}

// Loop is the built-in single-threaded reactor. It implements [Reactor]:
// due-time-ordered timer firing no earlier than the requested delay, handle
// cancellation, ref/unref loop-exit accounting, a microtask queue, and
// yield points for the deferral primitive.
//
// All callbacks execute on the goroutine that called [Loop.Run]. Submission
// and cancellation are safe from any goroutine.
//
// The loop applies the HTML5 nested-timer policy to submissions: when the
// scheduling-time nesting depth exceeds the clamp threshold (default 5),
// delays below the clamp minimum (default 4ms) are raised to it.
type Loop struct {
	// Prevent copying
	_ [0]func()

	state *loopStateMachine
	log   *logiface.Logger[logiface.Event]

	mu           sync.Mutex
	timers       timerHeap
	handles      map[TimerID]*timerHandle
	ingress      []*timerHandle
	microtasks   []func()
	yieldCh      chan struct{}
	refCount     int
	microtaskBuf []func()
	ingressBuf   []*timerHandle

	nextTimerID     atomic.Uint64
	nextImmediateID atomic.Uint64
	loopGoroutineID atomic.Uint64

	// Timing: tickAnchor is the monotonic reference point, tickElapsed the
	// nanosecond offset advanced once per tick.
	tickAnchor  time.Time
	tickElapsed atomic.Int64

	wake     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once

	runToCompletion bool
	clampDepth      int
	clampMin        time.Duration
}

// NewLoop creates a built-in reactor loop.
func NewLoop(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}
	l := &Loop{
		state:           newLoopStateMachine(),
		log:             cfg.logger,
		handles:         make(map[TimerID]*timerHandle),
		yieldCh:         make(chan struct{}),
		wake:            make(chan struct{}, 1),
		loopDone:        make(chan struct{}),
		tickAnchor:      time.Now(),
		runToCompletion: cfg.runToCompletion,
		clampDepth:      cfg.clampDepth,
		clampMin:        cfg.clampMin,
	}
	l.nextImmediateID.Store(immediateIDBase)
	return l, nil
}

// Run runs the loop on the calling goroutine and blocks until it
// terminates: via [Loop.Shutdown], [Loop.Close], ctx cancellation, or,
// when the loop was built with [WithRunToCompletion], when no refed
// handles and no pending work remain.
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}
	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}
	defer close(l.loopDone)

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	// Wake the loop when ctx is cancelled so it can observe Done promptly.
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.wakeLoop()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for {
		select {
		case <-ctx.Done():
			l.state.Store(StateTerminating)
			l.drainAndTerminate()
			return ctx.Err()
		default:
		}

		if s := l.state.Load(); s == StateTerminating || s == StateTerminated {
			l.drainAndTerminate()
			return nil
		}

		l.tick()

		if l.runToCompletion && l.isQuiescent() {
			l.drainAndTerminate()
			return nil
		}

		l.sleep(ctx)
	}
}

// tick is a single iteration of the loop: expired timers, then pending
// immediates, then a full microtask drain, then the yield-point broadcast.
func (l *Loop) tick() {
	l.tickElapsed.Store(int64(time.Since(l.tickAnchor)))
	l.runDueTimers()
	l.runImmediates()
	l.drainMicrotasks()
	l.broadcastYield()
}

// runDueTimers fires every timer whose due time is at or before the current
// tick time, earliest first. Callbacks run without the loop lock held, so
// re-entrant scheduling and cancellation are safe.
func (l *Loop) runDueTimers() {
	now := l.Now()
	for {
		l.mu.Lock()
		if len(l.timers) == 0 || l.timers[0].when.After(now) {
			l.mu.Unlock()
			return
		}
		h := heap.Pop(&l.timers).(*timerHandle)
		if h.canceled {
			l.mu.Unlock()
			continue
		}
		if !h.repeating {
			delete(l.handles, h.id)
			if h.refed {
				l.refCount--
			}
		}
		l.mu.Unlock()

		l.safeExecute(h)

		if h.repeating {
			l.mu.Lock()
			// Cancelled mid-fire: Cancel already removed the handle.
			if !h.canceled {
				h.when = l.Now().Add(h.period)
				heap.Push(&l.timers, h)
			}
			l.mu.Unlock()
		}
	}
}

// runImmediates executes the immediates pending at the start of the tick.
// Immediates scheduled by an immediate land in the next loop turn.
func (l *Loop) runImmediates() {
	l.mu.Lock()
	if len(l.ingress) == 0 {
		l.mu.Unlock()
		return
	}
	batch := l.ingress
	l.ingress = l.ingressBuf[:0]
	l.ingressBuf = batch
	l.mu.Unlock()

	for i, h := range batch {
		batch[i] = nil
		l.mu.Lock()
		canceled := h.canceled
		if !canceled {
			delete(l.handles, h.id)
			if h.refed {
				l.refCount--
			}
		}
		l.mu.Unlock()
		if canceled {
			continue
		}
		l.safeExecute(h)
	}
}

// drainMicrotasks runs the microtask queue to exhaustion; microtasks
// scheduled by microtasks run within the same tick.
func (l *Loop) drainMicrotasks() {
	for {
		l.mu.Lock()
		if len(l.microtasks) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.microtasks
		l.microtasks = l.microtaskBuf[:0]
		l.microtaskBuf = batch
		l.mu.Unlock()

		for i, fn := range batch {
			batch[i] = nil
			l.safeExecuteFn(fn)
		}
	}
}

// broadcastYield resolves the current yield point and installs a fresh one.
func (l *Loop) broadcastYield() {
	l.mu.Lock()
	close(l.yieldCh)
	l.yieldCh = make(chan struct{})
	l.mu.Unlock()
}

// isQuiescent reports whether no refed handles and no pending work remain.
func (l *Loop) isQuiescent() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refCount == 0 && len(l.ingress) == 0 && len(l.microtasks) == 0
}

// sleep blocks until the next timer is due, work arrives, or ctx is done.
func (l *Loop) sleep(ctx context.Context) {
	timeout := l.calculateTimeout()
	if timeout == 0 {
		return
	}

	if !l.state.TryTransition(StateRunning, StateSleeping) {
		return
	}
	defer l.state.TryTransition(StateSleeping, StateRunning)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l.wake:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// calculateTimeout determines how long the loop may block. Zero means work
// is already pending and the loop must not sleep.
func (l *Loop) calculateTimeout() time.Duration {
	maxDelay := 10 * time.Second

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ingress) > 0 || len(l.microtasks) > 0 {
		return 0
	}
	if len(l.timers) > 0 {
		delay := l.timers[0].when.Sub(l.Now())
		if delay <= 0 {
			return 0
		}
		if delay < maxDelay {
			maxDelay = delay
		}
	}
	return maxDelay
}

// wakeLoop nudges a sleeping loop. The channel is buffered so the signal
// coalesces; a send never blocks.
func (l *Loop) wakeLoop() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Submit implements [Reactor]. The handle is refed by default.
func (l *Loop) Submit(fn func(), delay time.Duration, repeating bool, depth int) (TimerID, error) {
	if fn == nil {
		return 0, &InvalidArgumentError{Name: "fn"}
	}
	if l.state.Load() == StateTerminated {
		return 0, ErrLoopTerminated
	}
	if delay < time.Millisecond {
		// Sub-millisecond (and zero) delays are raised to 1ms, which also
		// guarantees a zero-delay timer scheduled from inside a firing
		// callback lands in a later tick instead of re-firing immediately.
		delay = time.Millisecond
	}
	if depth > l.clampDepth && delay < l.clampMin {
		delay = l.clampMin
	}

	h := &timerHandle{
		fn:        fn,
		when:      l.freshNow().Add(delay),
		period:    delay,
		id:        TimerID(l.nextTimerID.Add(1)),
		depth:     depth,
		heapIdx:   -1,
		repeating: repeating,
		refed:     true,
	}

	l.mu.Lock()
	heap.Push(&l.timers, h)
	l.handles[h.id] = h
	l.refCount++
	l.mu.Unlock()

	l.wakeLoop()
	return h.id, nil
}

// SubmitImmediate implements [Reactor]: fn runs in the next loop turn.
// Immediate handles are refed until they execute or are cancelled.
func (l *Loop) SubmitImmediate(fn func()) (TimerID, error) {
	if fn == nil {
		return 0, &InvalidArgumentError{Name: "fn"}
	}
	if l.state.Load() == StateTerminated {
		return 0, ErrLoopTerminated
	}

	h := &timerHandle{
		fn:        fn,
		id:        TimerID(l.nextImmediateID.Add(1)),
		heapIdx:   -1,
		immediate: true,
		refed:     true,
	}

	l.mu.Lock()
	l.ingress = append(l.ingress, h)
	l.handles[h.id] = h
	l.refCount++
	l.mu.Unlock()

	l.wakeLoop()
	return h.id, nil
}

// Cancel implements [Reactor]. Returns [ErrTimerNotFound] for unknown or
// already-fired ids. A callback already in progress runs to completion.
func (l *Loop) Cancel(id TimerID) error {
	l.mu.Lock()
	h, ok := l.handles[id]
	if !ok {
		l.mu.Unlock()
		return ErrTimerNotFound
	}
	h.canceled = true
	delete(l.handles, id)
	if h.refed {
		l.refCount--
	}
	if h.heapIdx >= 0 {
		heap.Remove(&l.timers, h.heapIdx)
	}
	l.mu.Unlock()

	// Wake so a run-to-completion loop can observe quiescence.
	l.wakeLoop()
	return nil
}

// Ref implements [Reactor].
func (l *Loop) Ref(id TimerID) error {
	return l.setRef(id, true)
}

// Unref implements [Reactor].
func (l *Loop) Unref(id TimerID) error {
	return l.setRef(id, false)
}

func (l *Loop) setRef(id TimerID, refed bool) error {
	l.mu.Lock()
	h, ok := l.handles[id]
	if !ok {
		l.mu.Unlock()
		return ErrTimerNotFound
	}
	if h.refed != refed {
		h.refed = refed
		if refed {
			l.refCount++
		} else {
			l.refCount--
		}
	}
	l.mu.Unlock()

	l.wakeLoop()
	return nil
}

// ScheduleMicrotask schedules fn to run before any pending timer or
// immediate callbacks, in FIFO order, within the current or next tick.
func (l *Loop) ScheduleMicrotask(fn func()) error {
	if fn == nil {
		return nil
	}
	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}
	l.mu.Lock()
	l.microtasks = append(l.microtasks, fn)
	l.mu.Unlock()
	l.wakeLoop()
	return nil
}

// YieldPoint implements [Reactor]: the returned channel is closed after the
// loop next drains its microtask queue, or when the loop terminates.
func (l *Loop) YieldPoint() <-chan struct{} {
	l.mu.Lock()
	ch := l.yieldCh
	l.mu.Unlock()
	return ch
}

// Now implements [Reactor]: the cached monotonic time for the current tick.
func (l *Loop) Now() time.Time {
	return l.tickAnchor.Add(time.Duration(l.tickElapsed.Load()))
}

// freshNow reads the monotonic clock directly, bypassing the per-tick cache.
// Due times must be computed from it: the cached clock only advances at tick
// start, so a submission from another goroutine while the loop sleeps would
// otherwise inherit a stale clock and produce a due time already in the
// past, firing the callback earlier than the requested delay.
func (l *Loop) freshNow() time.Time {
	return l.tickAnchor.Add(time.Since(l.tickAnchor))
}

// State returns the current loop state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// Shutdown gracefully shuts the loop down: remaining immediates and
// microtasks are drained, pending timers are abandoned. Blocks until
// termination completes or ctx expires. Safe to call concurrently; every
// caller waits for termination, not only the first.
func (l *Loop) Shutdown(ctx context.Context) error {
	l.stopOnce.Do(l.beginShutdown)

	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// beginShutdown requests termination without waiting for it.
func (l *Loop) beginShutdown() {
	for {
		current := l.state.Load()
		if current == StateTerminated || current == StateTerminating {
			return
		}
		if l.state.TryTransition(current, StateTerminating) {
			if current == StateAwake {
				l.terminateIdle()
				return
			}
			l.wakeLoop()
			return
		}
	}
}

// Close terminates the loop without draining. Safe from any goroutine.
func (l *Loop) Close() error {
	for {
		current := l.state.Load()
		if current == StateTerminated {
			return ErrLoopTerminated
		}
		if l.state.TryTransition(current, StateTerminating) {
			if current == StateAwake {
				l.terminateIdle()
				return nil
			}
			l.wakeLoop()
			return nil
		}
	}
}

// terminateIdle finalizes termination of a loop that never ran. Run never
// started, so loopDone and the yield point must be resolved here; exactly
// one caller reaches this, via the Awake to Terminating CAS.
func (l *Loop) terminateIdle() {
	l.state.Store(StateTerminated)
	l.releaseYieldWaiters()
	close(l.loopDone)
}

// drainAndTerminate runs the shutdown sequence on the loop goroutine:
// execute remaining immediates and microtasks, release yield waiters, and
// mark the loop terminated.
func (l *Loop) drainAndTerminate() {
	l.state.Store(StateTerminated)

	l.runImmediates()
	l.drainMicrotasks()

	l.releaseYieldWaiters()
}

// releaseYieldWaiters permanently resolves the current yield point and hands
// out a pre-resolved channel from then on, so deferral chains against a
// terminated loop resolve instead of leaking goroutines.
func (l *Loop) releaseYieldWaiters() {
	l.mu.Lock()
	if l.yieldCh != closedYield {
		close(l.yieldCh)
		l.yieldCh = closedYield
	}
	l.mu.Unlock()
}

// closedYield is handed out by terminated loops so deferral chains resolve
// instead of leaking.
var closedYield = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// safeExecute executes a handle's callback with panic isolation.
func (l *Loop) safeExecute(h *timerHandle) {
	defer func() {
		if r := recover(); r != nil {
			if b := l.log.Err(); b.Enabled() {
				b.Any("panic", r).
					Uint64("timer", uint64(h.id)).
					Int("depth", h.depth).
					Log("timer callback panicked")
			} else {
				log.Printf("ERROR: asyncctx: timer %d callback panicked: %v", h.id, r)
			}
		}
	}()
	h.fn()
}

// safeExecuteFn executes a microtask with panic isolation.
func (l *Loop) safeExecuteFn(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if b := l.log.Err(); b.Enabled() {
				b.Any("panic", r).Log("microtask panicked")
			} else {
				log.Printf("ERROR: asyncctx: microtask panicked: %v", r)
			}
		}
	}()
	fn()
}

// isLoopThread checks if we're on the loop goroutine.
func (l *Loop) isLoopThread() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
