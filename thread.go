package neon

// MinStackSize is the smallest stack region, in bytes, accepted for a
// thread. Ports may document a larger effective minimum.
const MinStackSize = 64

// Thread structure signature, stamped on init and inverted on
// termination so that stale handles are caught by the debug checks.
const threadSignature uint32 = 0xfeedbeef

// ThreadFunc is a thread entry function. Returning from the entry
// function terminates the thread, as if it called [Kernel.ThreadTerm].
type ThreadFunc func(arg any)

// Thread represents a unit of execution: caller-owned storage which the
// kernel links into its queues but never frees. The storage must outlive
// the thread. Instances must be initialized via [Kernel.ThreadInit].
type Thread struct {
	// queue linkage; a thread is in at most one queue at a time, and the
	// queue field names the owning queue while linked
	next, prev *Thread
	queue      *threadQueue

	entry ThreadFunc
	arg   any
	stack []byte
	name  string

	// wait bookkeeping while blocked
	waitErr error
	waitSem *Sem
	timer   Timer

	prio  uint8
	oprio uint8

	// round-robin quantum: ticks remaining and reload value
	qcnt uint32
	qrld uint32

	signature uint32
}

// Name returns the thread's registered name, which may be empty.
func (t *Thread) Name() string {
	return t.name
}

// ThreadInit initializes caller-owned thread storage and makes the
// thread ready. The priority must lie strictly between 0 and
// PriorityLevels-1; both endpoints are reserved for the kernel's
// internal threads. The calling thread is preempted immediately when the
// new thread has a higher priority.
func (k *Kernel) ThreadInit(t *Thread, entry ThreadFunc, arg any, stack []byte, priority uint8) {
	k.require(t != nil, `ThreadInit`, `t != nil`)
	k.require(t.signature != threadSignature, `ThreadInit`, `thread not already initialized`)
	k.require(entry != nil, `ThreadInit`, `entry != nil`)
	k.require(len(stack) >= MinStackSize, `ThreadInit`, `len(stack) >= MinStackSize`)
	k.require(priority > 0 && int(priority) < k.levels-1, `ThreadInit`, `0 < priority < PriorityLevels-1`)
	k.require(k.state.Load() < StateInactive, `ThreadInit`, `kernel initialized`)

	k.threadInitLocked(t, ``, entry, arg, stack, priority)
}

// threadInitLocked is the common init path, also used for the kernel's
// internal threads (which are allowed the reserved priorities).
func (k *Kernel) threadInitLocked(t *Thread, name string, entry ThreadFunc, arg any, stack []byte, priority uint8) {
	ctx := k.port.CriticalEnter()

	t.entry = entry
	t.arg = arg
	t.stack = stack
	t.name = name
	t.prio = priority
	t.oprio = priority
	t.qcnt = k.quantum
	t.qrld = k.quantum
	t.waitErr = nil
	t.waitSem = nil
	t.next, t.prev = nil, nil
	t.queue = nil
	t.signature = threadSignature

	k.port.BuildFrame(t, entry, arg, stack)
	k.readyInsertLocked(t)
	if k.registry != nil {
		k.registry.add(t)
	}
	if h := k.hooks.ThreadInit; h != nil {
		h(t)
	}
	k.debugThread(`thread initialized`, t)
	k.yieldLocked()
	k.verifyLocked(`ThreadInit`)

	k.port.CriticalExit(ctx)
}

// ThreadTerm terminates the calling thread: it is removed from the ready
// queue, its signature is invalidated, and the scheduler dispatches the
// next pending thread. ThreadTerm does not return. Only the current
// thread may terminate itself.
func (k *Kernel) ThreadTerm() {
	k.port.CriticalEnter()
	k.require(k.state.Load() == StateRun, `ThreadTerm`, `called from thread context`)

	t := k.current
	k.require(t != nil && t.signature == threadSignature, `ThreadTerm`, `valid current thread`)

	if t.queue != nil {
		k.readyRemoveLocked(t)
	}
	if k.registry != nil {
		k.registry.del(t)
	}
	if h := k.hooks.ThreadTerm; h != nil {
		h(t)
	}
	t.signature = ^threadSignature
	k.debugThread(`thread terminated`, t)

	k.evaluateLocked()
	in := k.pending
	if h := k.hooks.ContextSwitch; h != nil {
		h(t, in)
	}
	k.traceSwitch(t, in)
	k.current = in
	k.port.DispatchExit(in)
	panic(`neon: unreachable`) // DispatchExit does not return
}

// ThreadGetCurrent returns the currently executing thread.
func (k *Kernel) ThreadGetCurrent() *Thread {
	ctx := k.port.CriticalEnter()
	k.require(k.state.Load() < StateInit, `ThreadGetCurrent`, `kernel started`)
	t := k.current
	k.port.CriticalExit(ctx)
	k.require(t != nil && t.signature == threadSignature, `ThreadGetCurrent`, `valid current thread`)
	return t
}

// ThreadPriority returns the thread's current priority.
func (k *Kernel) ThreadPriority(t *Thread) uint8 {
	k.require(t != nil && t.signature == threadSignature, `ThreadPriority`, `valid thread`)

	ctx := k.port.CriticalEnter()
	prio := t.prio
	k.port.CriticalExit(ctx)
	return prio
}

// ThreadSetPriority changes a thread's priority, repositioning it in
// whichever queue holds it. The change is immediate and unconditional;
// no inheritance protocol is applied. A thread lowering its own priority
// below that of another ready thread yields to it before the call
// returns.
func (k *Kernel) ThreadSetPriority(t *Thread, priority uint8) {
	k.require(t != nil && t.signature == threadSignature, `ThreadSetPriority`, `valid thread`)
	k.require(priority > 0 && int(priority) < k.levels-1, `ThreadSetPriority`, `0 < priority < PriorityLevels-1`)

	ctx := k.port.CriticalEnter()
	if q := t.queue; q != nil {
		q.remove(t)
		t.prio = priority
		t.oprio = priority
		q.insert(t)
	} else {
		t.prio = priority
		t.oprio = priority
	}
	k.evaluateLocked()
	k.yieldLocked()
	k.verifyLocked(`ThreadSetPriority`)
	k.port.CriticalExit(ctx)
}

// Yield rotates the current thread's priority level, letting the next
// equal-priority thread run. With no equal-priority peer it is a cheap
// no-op (aside from acting as a preemption point).
func (k *Kernel) Yield() {
	ctx := k.port.CriticalEnter()
	k.require(k.state.Load() < StateInit, `Yield`, `kernel started`)
	t := k.current
	if t != nil && t.queue == &k.ready {
		next := k.ready.rotateLevel(t.prio)
		if k.pending == k.current {
			k.pending = next
		}
		k.yieldLocked()
	}
	k.port.CriticalExit(ctx)
}
