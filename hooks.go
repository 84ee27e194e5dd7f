package neon

// Hooks bundles the optional instrumentation callbacks invoked at
// defined points in the kernel. Every field may be nil, in which case
// the hook point is a no-op. Hooks run with the interrupt critical
// section held and must be short and non-blocking; in particular they
// must not call kernel services.
type Hooks struct {
	// KernelInit runs in New once the port is initialized, before the
	// internal idle and timer threads are created. It runs without the
	// critical section held.
	KernelInit func()
	// KernelStart runs when Run dispatches the first thread.
	KernelStart func()
	// ThreadInit runs after a thread is made ready for the first time.
	ThreadInit func(t *Thread)
	// ThreadTerm runs as a thread terminates.
	ThreadTerm func(t *Thread)
	// ContextSwitch runs immediately before every context switch, with
	// the outgoing and incoming threads.
	ContextSwitch func(out, in *Thread)
	// IdleEnter and IdleExit bracket the idle thread's wait.
	IdleEnter func()
	IdleExit  func()
	// Tick runs on every system tick, before the timer wheel advances.
	Tick func()
	// Assert receives contract and invariant failures. The hook is
	// expected to halt the system; if it returns, the kernel panics with
	// the same error.
	Assert func(err *AssertError)
}
