// Package simport implements the neon platform port on plain goroutines,
// for host-side simulation and tests.
//
// Each kernel thread is backed by a goroutine that is parked whenever
// the thread is not scheduled. The interrupt mask is a recursive lock
// keyed by goroutine, so nested critical sections behave like nested
// mask save/restore pairs, and "interrupt handlers" are ordinary
// goroutines that bracket their work with IsrEnter/IsrExit (see
// [Port.Interrupt]).
//
// The simulation is faithful at kernel granularity: scheduler state only
// changes under the mask, and a preempted thread stops at its next
// kernel entry rather than between arbitrary instructions. Threads that
// spin forever without calling any kernel service will never observe
// preemption, and will stall [Port.Stop].
package simport

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nradulovic/neon-kernel-sub000"
)

// Port is a goroutine-backed implementation of [neon.Port]. Instances
// must be created with New.
type Port struct {
	k    *neon.Kernel
	cond *sync.Cond
	mu   sync.Mutex

	// mask ownership: the goroutine id holding the mask, and its nesting
	// depth; owner is atomic so CriticalEnter can test reentrancy without
	// taking the lock
	owner atomic.Uint64
	depth int

	// current is the thread whose goroutine may run; everything else
	// parks on cond
	current *neon.Thread

	threads map[*neon.Thread]*threadState
	gids    map[uint64]*neon.Thread

	stopped bool
	wg      sync.WaitGroup
}

type threadState struct {
	entry   neon.ThreadFunc
	arg     any
	started bool
}

// New creates an uninitialized port; the kernel calls Init.
func New() *Port {
	p := &Port{
		threads: make(map[*neon.Thread]*threadState),
		gids:    make(map[uint64]*neon.Thread),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Init implements [neon.Port].
func (p *Port) Init(k *neon.Kernel) error {
	p.k = k
	return nil
}

// Kernel returns the owning kernel. It is nil before Init.
func (p *Port) Kernel() *neon.Kernel {
	return p.k
}

// CriticalEnter implements [neon.Port]. The outermost acquisition by a
// kernel-thread goroutine additionally waits until the thread is
// scheduled, which is how deferred preemption takes effect.
func (p *Port) CriticalEnter() neon.IntrCtx {
	gid := goroutineID()
	if p.owner.Load() == gid {
		p.depth++
		return neon.IntrCtx(p.depth - 1)
	}
	p.mu.Lock()
	if t := p.gids[gid]; t != nil {
		for p.current != t && !p.stopped {
			p.cond.Wait()
		}
		if p.stopped {
			p.mu.Unlock()
			runtime.Goexit()
		}
	}
	p.owner.Store(gid)
	p.depth = 1
	return 0
}

// CriticalExit implements [neon.Port].
func (p *Port) CriticalExit(ctx neon.IntrCtx) {
	if ctx != 0 {
		p.depth = int(ctx)
		return
	}
	p.depth = 0
	p.owner.Store(0)
	p.cond.Broadcast()
	p.mu.Unlock()
}

// WaitForInterrupt implements [neon.Port]: the mask is released for the
// duration of one wakeup.
func (p *Port) WaitForInterrupt() {
	gid := p.owner.Load()
	p.owner.Store(0)
	p.cond.Broadcast()
	p.cond.Wait()
	if p.stopped {
		p.depth = 0
		p.mu.Unlock()
		runtime.Goexit()
	}
	p.owner.Store(gid)
	p.depth = 1
}

// BuildFrame implements [neon.Port]. The synthetic frame is the
// recorded entry point; the backing goroutine starts lazily on the
// first dispatch into the thread.
func (p *Port) BuildFrame(t *neon.Thread, entry neon.ThreadFunc, arg any, stack []byte) {
	_ = stack // stack accounting is left to the Go runtime
	p.threads[t] = &threadState{entry: entry, arg: arg}
}

// DispatchToFirst implements [neon.Port]. It resumes the first thread
// and parks the caller until Stop.
func (p *Port) DispatchToFirst(in *neon.Thread) {
	p.start(in)
	p.current = in
	p.cond.Broadcast()
	gid := p.owner.Load()
	p.owner.Store(0)
	for !p.stopped {
		p.cond.Wait()
	}
	p.owner.Store(gid)
	p.depth = 1
}

// Dispatch implements [neon.Port]: the calling thread's goroutine parks
// until it is dispatched back in.
func (p *Port) Dispatch(out, in *neon.Thread) {
	p.start(in)
	p.current = in
	p.cond.Broadcast()
	gid := p.owner.Load()
	p.owner.Store(0)
	for p.current != out && !p.stopped {
		p.cond.Wait()
	}
	if p.stopped {
		p.depth = 0
		p.mu.Unlock()
		runtime.Goexit()
	}
	p.owner.Store(gid)
	p.depth = 1
}

// DispatchISR implements [neon.Port]: the incoming thread is released
// immediately, and the outgoing one is left to park at its next kernel
// entry.
func (p *Port) DispatchISR(out, in *neon.Thread) {
	_ = out
	p.start(in)
	p.current = in
	p.cond.Broadcast()
}

// DispatchExit implements [neon.Port]. Does not return.
func (p *Port) DispatchExit(in *neon.Thread) {
	p.start(in)
	p.current = in
	p.cond.Broadcast()
	p.depth = 0
	p.owner.Store(0)
	p.mu.Unlock()
	runtime.Goexit()
}

// Stop implements [neon.Port]: every parked goroutine is released to
// unwind, and Stop blocks until all thread goroutines have exited.
func (p *Port) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

// Interrupt runs fn as an interrupt handler: bracketed by IsrEnter and
// IsrExit, with the mask held throughout. Driver goroutines (tick
// sources, device models, tests) must enter the kernel this way once
// Run has started.
func (p *Port) Interrupt(fn func()) {
	p.k.IsrEnter()
	if fn != nil {
		fn()
	}
	p.k.IsrExit()
}

// Tick delivers one system tick from a simulated tick ISR.
func (p *Port) Tick() {
	p.Interrupt(p.k.TimerTick)
}

// StartTicker drives Tick from a goroutine at the given interval,
// returning a stop function. A non-positive interval selects the
// kernel's configured tick frequency. The stop function must be called
// before shutting the kernel down.
func (p *Port) StartTicker(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Second / time.Duration(p.k.TickFrequency())
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				p.Tick()
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-stopped
		})
	}
}

// start launches the goroutine backing a thread, on the first dispatch
// into it. Caller holds the mask.
func (p *Port) start(t *neon.Thread) {
	st := p.threads[t]
	if st == nil || st.started {
		return
	}
	st.started = true
	p.wg.Add(1)
	go p.threadMain(t, st)
}

func (p *Port) threadMain(t *neon.Thread, st *threadState) {
	defer p.wg.Done()
	gid := goroutineID()

	p.mu.Lock()
	p.gids[gid] = t
	defer func() {
		p.mu.Lock()
		delete(p.gids, gid)
		p.mu.Unlock()
	}()
	for p.current != t && !p.stopped {
		p.cond.Wait()
	}
	if p.stopped {
		p.mu.Unlock()
		return
	}
	// First dispatch in: enter the thread with interrupts enabled.
	p.mu.Unlock()

	st.entry(st.arg)
	p.k.ThreadTerm()
}

// goroutineID parses the numeric goroutine id from the stack header.
func goroutineID() uint64 {
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
