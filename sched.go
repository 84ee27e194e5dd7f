package neon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// Kernel is the top-level handle owning the scheduler context, the ready
// queue, and the timer wheel. Exactly one instance exists per simulated
// system; all kernel services are methods on it.
//
// The scheduler maintains the current thread (whose context is loaded)
// and the pending thread (the one that should run next). After any
// operation that modifies the ready queue, pending equals the head of
// the ready queue; dispatch happens whenever the two differ and the
// scheduler is neither locked nor inside an ISR.
type Kernel struct {
	// Prevent copying
	_ [0]func()

	port Port
	log  *logiface.Logger[logiface.Event]

	hooks    Hooks
	registry *registry

	// State machine (atomic; written under the critical section)
	state schedState

	// Scheduler context: protected by the interrupt critical section
	current *Thread
	pending *Thread
	ready   threadQueue

	// Virtual timer wheel: sentinel of the relative-delta list, plus the
	// queue of expired thread-context timers awaiting the timer thread
	timers         Timer
	deferredTimers []*Timer

	// ISR nesting: depth count and the stack of mask tokens taken by
	// IsrEnter, released in reverse order by IsrExit
	isrNesting uint32
	isrTokens  []IntrCtx

	// Scheduler lock nesting depth
	lockDepth uint32

	tick atomic.Uint64

	// Configuration (immutable after New)
	levels         int
	buckets        int
	quantum        uint32
	tickHz         uint32
	isrMaxPriority uint8
	debugAPI       bool
	debugInternal  bool
	powerSave      bool

	// Internal threads: idle at priority 0, timer at PriorityLevels-1
	idleThread  Thread
	timerThread Thread

	started  atomic.Bool
	runDone  chan struct{}
	stopOnce sync.Once
}

// New builds a kernel: the ready queue and timer wheel are initialized,
// the port is brought up, and the internal idle and timer threads are
// created. The kernel is left in StateInit, ready for Run.
func New(opts ...Option) (*Kernel, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		port:           cfg.port,
		log:            cfg.logger,
		hooks:          cfg.hooks,
		levels:         cfg.levels,
		buckets:        cfg.buckets,
		quantum:        cfg.quantum,
		tickHz:         cfg.tickHz,
		isrMaxPriority: cfg.isrMaxPriority,
		debugAPI:       cfg.debugAPI,
		debugInternal:  cfg.debugInternal,
		powerSave:      cfg.powerSave,
		runDone:        make(chan struct{}),
	}
	k.state.Store(StateInactive)
	k.ready.init(k.levels, k.buckets)
	k.timers.next, k.timers.prev = &k.timers, &k.timers
	if cfg.registry {
		k.registry = newRegistry()
	}

	if err := k.port.Init(k); err != nil {
		return nil, fmt.Errorf(`neon: port init failed: %w`, err)
	}

	k.state.Store(StateInit)
	if h := k.hooks.KernelInit; h != nil {
		h()
	}
	if k.log != nil {
		k.log.Info().
			Int(`priority_levels`, k.levels).
			Uint64(`time_quantum`, uint64(k.quantum)).
			Uint64(`tick_hz`, uint64(k.tickHz)).
			Log(`kernel initialized`)
	}

	k.threadInitLocked(&k.idleThread, `idle`, k.idleLoop, nil, make([]byte, MinStackSize), 0)
	k.threadInitLocked(&k.timerThread, `ktimer`, k.timerLoop, nil, make([]byte, MinStackSize), uint8(k.levels-1))

	return k, nil
}

// Run starts multithreading: the highest-priority ready thread is
// dispatched and the calling goroutine blocks until the kernel is shut
// down, via Shutdown or cancellation of ctx. In the original single-core
// setting this is the call that never returns.
func (k *Kernel) Run(ctx context.Context) error {
	if !k.state.TryTransition(StateInit, StateRun) {
		if k.state.Load() == StateInactive {
			return ErrKernelTerminated
		}
		return ErrKernelRunning
	}
	k.started.Store(true)
	defer close(k.runDone)

	// Watch for external cancellation; runDone doubles as the watcher's
	// own shutdown signal.
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = k.Shutdown(context.Background())
			case <-k.runDone:
			}
		}()
	}

	tok := k.port.CriticalEnter()
	first := k.ready.peek()
	k.current = first
	k.pending = first
	if h := k.hooks.KernelStart; h != nil {
		h()
	}
	if k.log != nil {
		k.log.Info().Str(`first`, first.name).Log(`kernel started`)
	}
	k.port.DispatchToFirst(first)

	// Port stopped: multithreading is over.
	k.state.Store(StateInactive)
	k.current = nil
	k.pending = nil
	k.port.CriticalExit(tok)

	if k.log != nil {
		k.log.Info().Log(`kernel terminated`)
	}
	return nil
}

// Shutdown halts multithreading, unwinding every thread, and blocks
// until Run has returned or ctx expires. It is safe to call from any
// goroutine except kernel threads, and is idempotent.
func (k *Kernel) Shutdown(ctx context.Context) error {
	if !k.started.Load() {
		// Never ran; just retire the kernel.
		k.state.TryTransition(StateInit, StateInactive)
		k.stopOnce.Do(k.port.Stop)
		return nil
	}

	k.stopOnce.Do(k.port.Stop)

	select {
	case <-k.runDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current scheduler state.
func (k *Kernel) State() State {
	return k.state.Load()
}

// TickNow returns the number of ticks elapsed since the kernel started.
func (k *Kernel) TickNow() uint64 {
	return k.tick.Load()
}

// PriorityLevels returns the configured number of priority levels.
func (k *Kernel) PriorityLevels() int {
	return k.levels
}

// TickFrequency returns the nominal tick rate in Hz, for ports driving
// their own tick source.
func (k *Kernel) TickFrequency() uint32 {
	return k.tickHz
}

// ISRMaxPriority returns the highest interrupt priority allowed to call
// kernel services; the port programs its interrupt controller (or
// equivalent) from this.
func (k *Kernel) ISRMaxPriority() uint8 {
	return k.isrMaxPriority
}

// CriticalEnter raises the interrupt mask to the kernel threshold,
// returning a token for CriticalExit. See [Port.CriticalEnter].
func (k *Kernel) CriticalEnter() IntrCtx {
	return k.port.CriticalEnter()
}

// CriticalExit restores the interrupt mask captured in the token.
func (k *Kernel) CriticalExit(ctx IntrCtx) {
	k.port.CriticalExit(ctx)
}

// IsrEnter brackets the start of an interrupt service routine. Every ISR
// must pair IsrEnter with IsrExit; pairs nest. The interrupt mask is
// held for the duration of the ISR.
func (k *Kernel) IsrEnter() {
	tok := k.port.CriticalEnter()
	k.require(k.state.Load() < StateInactive, `IsrEnter`, `kernel initialized`)
	k.isrTokens = append(k.isrTokens, tok)
	k.isrNesting++
	k.state.SetFlags(StateIsr)
}

// IsrExit brackets the end of an interrupt service routine. Context
// switches are never performed inside a nested ISR: only the outermost
// exit compares current against pending and, when they differ and the
// scheduler is unlocked, triggers the deferred switch.
func (k *Kernel) IsrExit() {
	n := len(k.isrTokens)
	k.require(n > 0, `IsrExit`, `matched with IsrEnter`)
	tok := k.isrTokens[n-1]
	k.isrTokens = k.isrTokens[:n-1]
	k.isrNesting--

	if k.isrNesting == 0 {
		k.state.ClearFlags(StateIsr)
		if k.state.Load() == StateRun && k.current != k.pending {
			out, in := k.current, k.pending
			if h := k.hooks.ContextSwitch; h != nil {
				h(out, in)
			}
			k.traceSwitch(out, in)
			k.current = in
			k.port.DispatchISR(out, in)
		}
	}
	k.port.CriticalExit(tok)
}

// LockEnter disables preemption without disabling interrupts. Calls
// nest; preemption resumes at the outermost LockExit. While locked, the
// scheduler keeps tracking the pending thread but defers dispatch.
func (k *Kernel) LockEnter() {
	ctx := k.port.CriticalEnter()
	k.require(k.state.Load() < StateInit, `LockEnter`, `kernel started`)
	k.state.SetFlags(StateLock)
	k.lockDepth++
	k.port.CriticalExit(ctx)
}

// LockExit releases one level of the scheduler lock. The outermost exit
// dispatches any context switch that became due while locked.
func (k *Kernel) LockExit() {
	ctx := k.port.CriticalEnter()
	k.require(k.state.Load()&StateLock != 0, `LockExit`, `scheduler locked`)
	k.lockDepth--
	if k.lockDepth == 0 {
		k.state.ClearFlags(StateLock)
		k.yieldLocked()
	}
	k.port.CriticalExit(ctx)
}

// TimerTick is the system tick handler, called by the platform's
// periodic tick ISR between IsrEnter and IsrExit. It advances the
// virtual timer wheel and charges the current thread's time quantum;
// both paths only mark a new pending thread, leaving the dispatch to the
// ISR exit.
func (k *Kernel) TimerTick() {
	ctx := k.port.CriticalEnter()
	k.require(k.state.Load() < StateInactive, `TimerTick`, `kernel initialized`)

	k.tick.Add(1)
	if h := k.hooks.Tick; h != nil {
		h()
	}
	k.timersTickLocked()
	k.quantumLocked()
	k.verifyLocked(`TimerTick`)

	k.port.CriticalExit(ctx)
}

// --- internal scheduler operations (critical section required) ---

// readyInsertLocked makes a thread ready, bumping the pending thread when
// the newcomer outranks it.
func (k *Kernel) readyInsertLocked(t *Thread) {
	k.ready.insert(t)
	if k.pending == nil || t.prio > k.pending.prio {
		k.pending = t
	}
}

// readyRemoveLocked takes a thread out of the ready queue. Removing the
// current or pending thread forces a re-evaluation.
func (k *Kernel) readyRemoveLocked(t *Thread) {
	k.ready.remove(t)
	if t == k.current || t == k.pending {
		k.pending = k.ready.peek()
	}
}

// evaluateLocked recomputes the pending thread from the ready queue.
func (k *Kernel) evaluateLocked() {
	k.pending = k.ready.peek()
}

// yieldLocked dispatches to the pending thread if a switch is due.
// Nothing happens unless the scheduler is in the plain Run state:
// ISR-deferred switches are handled by IsrExit, and lock-deferred ones
// by LockExit.
func (k *Kernel) yieldLocked() {
	if k.state.Load() != StateRun {
		return
	}
	if k.current == k.pending || k.pending == nil {
		return
	}
	out, in := k.current, k.pending
	if h := k.hooks.ContextSwitch; h != nil {
		h(out, in)
	}
	k.traceSwitch(out, in)
	k.current = in
	k.port.Dispatch(out, in)
}

// quantumLocked charges one tick against the current thread's quantum,
// rotating its priority level when the slice is used up. Round-robin is
// suspended while the scheduler is locked or sleeping, and disabled
// entirely when the quantum is configured to zero.
func (k *Kernel) quantumLocked() {
	if k.quantum == 0 {
		return
	}
	if k.state.Load()&(StateLock|StateSleep) != 0 {
		return
	}
	t := k.current
	if t == nil {
		return
	}
	t.qcnt--
	if t.qcnt == 0 {
		t.qcnt = t.qrld
		next := k.ready.rotateLevel(t.prio)
		if k.pending == k.current {
			k.pending = next
		}
	}
}

// idleLoop is the entry of the internal idle thread (priority 0). It
// parks the CPU until the scheduler has other work, optionally dropping
// into the power-save Sleep state.
func (k *Kernel) idleLoop(any) {
	for {
		ctx := k.port.CriticalEnter()
		if h := k.hooks.IdleEnter; h != nil {
			h()
		}
		if k.powerSave {
			k.state.Store(StateSleep)
		}
		for k.pending == &k.idleThread {
			k.port.WaitForInterrupt()
		}
		if k.powerSave {
			k.state.Store(StateRun)
		}
		if h := k.hooks.IdleExit; h != nil {
			h()
		}
		k.yieldLocked()
		k.port.CriticalExit(ctx)
	}
}

// require checks an API contract, routing failures through the assert
// machinery. A no-op unless API checks are enabled.
func (k *Kernel) require(cond bool, fn, expr string) {
	if cond || !k.debugAPI {
		return
	}
	k.assertFailed(fn, expr)
}

// verifyLocked checks internal scheduler invariants; enabled via
// WithInternalChecks.
func (k *Kernel) verifyLocked(fn string) {
	if !k.debugInternal {
		return
	}
	if !k.ready.consistent() {
		k.assertFailed(fn, `ready queue bitmap consistent`)
	}
	if k.state.Load() == StateRun && k.pending != k.ready.peek() {
		k.assertFailed(fn, `pending == ready.peek()`)
	}
}

func (k *Kernel) assertFailed(fn, expr string) {
	err := &AssertError{Module: `kernel`, Function: fn, Expression: expr}
	if k.log != nil {
		k.log.Err().Err(err).Log(`assertion failed`)
	}
	if h := k.hooks.Assert; h != nil {
		h(err)
	}
	panic(err)
}
