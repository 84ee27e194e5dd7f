// Package neon implements the core of a small preemptive real-time
// kernel: fixed-priority preemptive multithreading with optional
// round-robin time slicing among equal priorities, counting semaphores,
// and virtual timers driven by a periodic tick.
//
// # Architecture
//
// The kernel is built around three tightly coupled subsystems: a
// constant-time priority-indexed ready queue (bitmap plus per-priority
// FIFOs), a scheduler state machine coordinating context switching, ISR
// nesting, and scheduler locking, and the synchronization and timing
// primitives layered on top of both.
//
// A [Kernel] handle created by [New] owns all scheduler state. Threads,
// semaphores, and timers are caller-owned storage handed to the kernel
// at init; the kernel links them into internal queues but never frees
// them.
//
// # Scheduling model
//
// Single core, preemptive, priority based. Exactly one thread executes
// at any instant; if a runnable thread of higher priority than the
// current one exists and the scheduler is not locked, a context switch
// to it occurs before any further application code runs. Within a
// priority level threads run FIFO, optionally time-sliced by the
// configured quantum.
//
// Context switches are never performed inside a nested ISR: the
// outermost [Kernel.IsrExit] compares the current thread against the
// pending one and triggers the platform's deferred switch when they
// differ.
//
// # Platform port
//
// Architecture-specific concerns (interrupt masking, stack frame
// construction, the context switch itself) live behind the [Port]
// interface. Package simport provides a goroutine-backed reference port
// suitable for host-side simulation and tests; a hardware port would
// implement the same contract with an interrupt controller and a
// synthetic exception frame.
//
// # Thread safety
//
// All scheduler state is mutated under the port's interrupt critical
// section. Kernel services may be called from thread context, or from
// ISR context when bracketed by [Kernel.IsrEnter] and [Kernel.IsrExit].
package neon
