package neon

// IntrCtx is an opaque interrupt-mask token. CriticalEnter captures the
// previous mask state into a token; passing the token to CriticalExit
// restores it exactly, which is what makes critical sections nestable.
type IntrCtx uintptr

// Port is the contract between the kernel core and the platform.
//
// The core owns policy: which thread should run, when a switch is due,
// how ISR nesting and the scheduler lock defer it. The port owns
// mechanism: interrupt masking, stack frame construction, and the actual
// context switch. A hardware port implements these with the interrupt
// controller and a synthetic exception frame; [simport] implements them
// with parked goroutines for host-side use.
//
// Unless noted otherwise, the kernel invokes port methods with the
// interrupt critical section held, at nesting depth one.
//
// Goroutines that are neither kernel threads nor bracketed by
// IsrEnter/IsrExit must not call kernel services after Run has started;
// on real hardware such a context cannot exist, and ports are not
// required to support it.
type Port interface {
	// Init prepares the port and records the owning kernel. Called once,
	// from New, before any other method.
	Init(k *Kernel) error

	// CriticalEnter raises the interrupt mask to the kernel threshold and
	// returns a token capturing the previous mask. Nestable. When the
	// caller is a kernel thread that has been scheduled away from, the
	// outermost CriticalEnter does not return until the thread is
	// scheduled again.
	CriticalEnter() IntrCtx

	// CriticalExit restores the interrupt mask captured by the matching
	// CriticalEnter.
	CriticalExit(ctx IntrCtx)

	// WaitForInterrupt blocks until an interrupt-ish event occurs,
	// releasing the mask while blocked and re-raising it before
	// returning. Only the idle thread calls this.
	WaitForInterrupt()

	// BuildFrame constructs the synthetic initial context for a thread on
	// its stack, such that the first dispatch into the thread enters the
	// entry function with the argument and with interrupts enabled.
	BuildFrame(t *Thread, entry ThreadFunc, arg any, stack []byte)

	// DispatchToFirst installs the first thread and starts executing it.
	// It returns only when the port is stopped, at which point the caller
	// (Kernel.Run) unwinds.
	DispatchToFirst(in *Thread)

	// Dispatch performs a context switch from the calling thread to the
	// incoming thread. It returns when the calling thread is dispatched
	// back in, with the mask held as it was on entry. The core updates
	// its current-thread pointer before calling.
	Dispatch(out, in *Thread)

	// DispatchISR requests the deferred context switch on ISR exit: the
	// incoming thread is resumed, and the outgoing thread is suspended at
	// its next kernel entry. Returns immediately; the caller is the ISR,
	// not the outgoing thread.
	DispatchISR(out, in *Thread)

	// DispatchExit switches to the incoming thread and retires the
	// calling thread permanently. It releases the critical section and
	// does not return.
	DispatchExit(in *Thread)

	// Stop releases every suspended thread and unblocks DispatchToFirst,
	// waiting until all threads have unwound. Called without the mask
	// held, from Kernel.Shutdown.
	Stop()
}
