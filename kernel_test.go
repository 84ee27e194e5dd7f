package neon_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/nradulovic/neon-kernel-sub000"
	"github.com/nradulovic/neon-kernel-sub000/simport"
)

const (
	waitFor  = 5 * time.Second
	pollTick = 2 * time.Millisecond
)

// recorder collects ordered event markers from threads and hooks.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) index(event string) int {
	for i, e := range r.snapshot() {
		if e == event {
			return i
		}
	}
	return -1
}

func (r *recorder) has(event string) bool {
	return r.index(event) >= 0
}

// switchRecorder collects context switch hook invocations.
type switchRecorder struct {
	mu    sync.Mutex
	pairs [][2]*neon.Thread
}

func (r *switchRecorder) hook(out, in *neon.Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs = append(r.pairs, [2]*neon.Thread{out, in})
}

func (r *switchRecorder) snapshot() [][2]*neon.Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]*neon.Thread(nil), r.pairs...)
}

func (r *switchRecorder) switchesTo(t *neon.Thread) (n int) {
	for _, p := range r.snapshot() {
		if p[1] == t {
			n++
		}
	}
	return
}

func (r *switchRecorder) switchedFrom(t *neon.Thread) bool {
	for _, p := range r.snapshot() {
		if p[0] == t {
			return true
		}
	}
	return false
}

// startSystem builds a kernel on a simulated port, lets setup create the
// initial threads and primitives, then starts multithreading in a
// background goroutine and waits until it is running. Shutdown is
// registered as test cleanup.
func startSystem(t *testing.T, setup func(k *neon.Kernel), opts ...neon.Option) (*neon.Kernel, *simport.Port) {
	t.Helper()

	p := simport.New()
	opts = append([]neon.Option{
		neon.WithPort(p),
		neon.WithInternalChecks(true),
	}, opts...)
	k, err := neon.New(opts...)
	require.NoError(t, err)

	if setup != nil {
		setup(k)
	}

	var g errgroup.Group
	g.Go(func() error {
		return k.Run(context.Background())
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		require.NoError(t, k.Shutdown(ctx))
		require.NoError(t, g.Wait())
	})
	require.Eventually(t, func() bool { return k.State() < neon.StateInit }, waitFor, pollTick)
	return k, p
}

func TestRunSingleThread(t *testing.T) {
	var rec recorder
	var done neon.Sem
	var worker neon.Thread

	k, _ := startSystem(t, func(k *neon.Kernel) {
		k.SemInit(&done, 0)
		k.ThreadInit(&worker, func(any) {
			rec.add(`worker ran`)
			_ = done.Wait()
		}, nil, make([]byte, neon.MinStackSize), 5)
	})

	require.Eventually(t, func() bool { return rec.has(`worker ran`) }, waitFor, pollTick)
	// Run does not return of its own accord.
	require.Equal(t, neon.StateRun, k.State())
}

func TestRunLifecycleErrors(t *testing.T) {
	p := simport.New()
	k, err := neon.New(neon.WithPort(p))
	require.NoError(t, err)

	var g errgroup.Group
	g.Go(func() error { return k.Run(context.Background()) })

	require.Eventually(t, func() bool { return k.State() == neon.StateRun }, waitFor, pollTick)
	require.ErrorIs(t, k.Run(context.Background()), neon.ErrKernelRunning)

	require.NoError(t, k.Shutdown(context.Background()))
	require.NoError(t, g.Wait())
	require.ErrorIs(t, k.Run(context.Background()), neon.ErrKernelTerminated)
	require.NoError(t, k.Shutdown(context.Background()))
}

func TestNewOptionValidation(t *testing.T) {
	for _, tc := range [...]struct {
		name string
		opts []neon.Option
	}{
		{`no port`, nil},
		{`levels too small`, []neon.Option{neon.WithPort(simport.New()), neon.WithPriorityLevels(2)}},
		{`levels too large`, []neon.Option{neon.WithPort(simport.New()), neon.WithPriorityLevels(300)}},
		{`buckets not power of two`, []neon.Option{neon.WithPort(simport.New()), neon.WithPriorityBuckets(12)}},
		{`buckets exceed levels`, []neon.Option{neon.WithPort(simport.New()), neon.WithPriorityLevels(8), neon.WithPriorityBuckets(16)}},
		{`zero tick frequency`, []neon.Option{neon.WithPort(simport.New()), neon.WithTickFrequency(0)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := neon.New(tc.opts...)
			require.Error(t, err)
		})
	}
}

func TestContextCancelShutsDown(t *testing.T) {
	p := simport.New()
	k, err := neon.New(neon.WithPort(p))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error { return k.Run(ctx) })

	require.Eventually(t, func() bool { return k.State() == neon.StateRun }, waitFor, pollTick)
	cancel()
	require.NoError(t, g.Wait())
	require.Equal(t, neon.StateInactive, k.State())
}

// Preemption on wake: a high-priority thread blocked on a semaphore must
// run as soon as an ISR signals it, ahead of the spinning low-priority
// thread.
func TestPreemptionOnWake(t *testing.T) {
	var rec recorder
	var sw switchRecorder
	var sem, done neon.Sem
	var a, b neon.Thread
	var aCount atomic.Int64
	var shared atomic.Uint32

	k, p := startSystem(t, func(k *neon.Kernel) {
		k.SemInit(&sem, 0)
		k.SemInit(&done, 0)
		k.ThreadInit(&b, func(any) {
			_ = sem.Wait()
			shared.Store(0xB0)
			rec.add(`b woke`)
			_ = done.Wait()
		}, nil, make([]byte, neon.MinStackSize), 10)
		k.ThreadInit(&a, func(any) {
			for {
				shared.Store(0xA5)
				aCount.Add(1)
				k.Yield()
			}
		}, nil, make([]byte, neon.MinStackSize), 5)
	}, neon.WithHooks(neon.Hooks{ContextSwitch: sw.hook}))

	// B runs first, blocks; A spins.
	require.Eventually(t, func() bool {
		return aCount.Load() > 0 && sem.Count() == -1
	}, waitFor, pollTick)

	for i := 0; i < 5; i++ {
		p.Tick()
	}
	p.Interrupt(sem.Signal)

	require.Eventually(t, func() bool { return rec.has(`b woke`) }, waitFor, pollTick)
	require.Positive(t, sw.switchesTo(&b), `signal must have dispatched b`)
	require.Equal(t, uint64(5), k.TickNow())
}

// Scheduler lock defers preemption: a thread readied while the lock is
// held must not run until the outermost unlock.
func TestLockDefersPreemption(t *testing.T) {
	var rec recorder
	var sem, done neon.Sem
	var l, h neon.Thread

	_, _ = startSystem(t, func(k *neon.Kernel) {
		k.SemInit(&sem, 0)
		k.SemInit(&done, 0)
		k.ThreadInit(&h, func(any) {
			_ = sem.Wait()
			rec.add(`h ran`)
			_ = done.Wait()
		}, nil, make([]byte, neon.MinStackSize), 20)
		k.ThreadInit(&l, func(any) {
			k.LockEnter()
			sem.Signal() // readies h, but preemption is deferred
			for i := 0; i < 1000; i++ {
				_ = i
			}
			rec.add(`l in lock`)
			k.LockExit()
			rec.add(`l after unlock`)
			_ = done.Wait()
		}, nil, make([]byte, neon.MinStackSize), 2)
	})

	require.Eventually(t, func() bool { return rec.has(`l after unlock`) }, waitFor, pollTick)

	events := rec.snapshot()
	require.Equal(t, []string{`l in lock`, `h ran`, `l after unlock`}, events)
}

// Lock round trip: LockEnter followed by a matching LockExit restores
// the scheduler state exactly.
func TestLockRoundTrip(t *testing.T) {
	var rec recorder
	var done neon.Sem
	var worker neon.Thread
	var before, during, nested, after neon.State

	_, _ = startSystem(t, func(k *neon.Kernel) {
		k.SemInit(&done, 0)
		k.ThreadInit(&worker, func(any) {
			before = k.State()
			k.LockEnter()
			during = k.State()
			k.LockEnter()
			nested = k.State()
			k.LockExit()
			k.LockExit()
			after = k.State()
			rec.add(`done`)
			_ = done.Wait()
		}, nil, make([]byte, neon.MinStackSize), 5)
	})

	require.Eventually(t, func() bool { return rec.has(`done`) }, waitFor, pollTick)
	require.Equal(t, neon.StateRun, before)
	require.Equal(t, neon.StateLock, during)
	require.Equal(t, neon.StateLock, nested)
	require.Equal(t, before, after)
}

// Critical section round trip: the mask token restores the previous
// state, including when nested.
func TestCriticalRoundTrip(t *testing.T) {
	k, p := startSystem(t, nil)

	tok1 := k.CriticalEnter()
	tok2 := k.CriticalEnter()
	k.CriticalExit(tok2)
	k.CriticalExit(tok1)

	// The system must still be fully functional afterwards.
	p.Tick()
	require.Equal(t, uint64(1), k.TickNow())
}

// ISR nesting: two nested ISRs both ready a higher-priority thread;
// exactly one context switch occurs, on the outermost exit.
func TestIsrNesting(t *testing.T) {
	var rec recorder
	var sw switchRecorder
	var sem, done neon.Sem
	var m, h neon.Thread
	var mCount atomic.Int64

	k, _ := startSystem(t, func(k *neon.Kernel) {
		k.SemInit(&sem, 0)
		k.SemInit(&done, 0)
		k.ThreadInit(&h, func(any) {
			_ = sem.Wait()
			rec.add(`h ran`)
			_ = done.Wait()
		}, nil, make([]byte, neon.MinStackSize), 10)
		k.ThreadInit(&m, func(any) {
			for {
				mCount.Add(1)
				_ = k.ThreadGetCurrent()
			}
		}, nil, make([]byte, neon.MinStackSize), 5)
	}, neon.WithHooks(neon.Hooks{ContextSwitch: sw.hook}))

	require.Eventually(t, func() bool {
		return mCount.Load() > 0 && sem.Count() == -1
	}, waitFor, pollTick)

	// h was already dispatched once (by the timer thread, before it
	// blocked); count only the switches caused by the nested ISRs.
	before := sw.switchesTo(&h)

	// Nested interrupt: the signal happens in the inner ISR, but the
	// switch may only fire once, when the outermost ISR exits.
	var switchesAfterInner int
	k.IsrEnter()
	k.IsrEnter()
	sem.Signal()
	k.IsrExit()
	switchesAfterInner = sw.switchesTo(&h)
	k.IsrExit()

	require.Equal(t, before, switchesAfterInner, `no switch inside a nested ISR`)
	require.Eventually(t, func() bool { return rec.has(`h ran`) }, waitFor, pollTick)
	require.Equal(t, before+1, sw.switchesTo(&h))
}

// Round-robin: with TIME_QUANTUM ticks charged to the current thread,
// equal-priority threads rotate in FIFO order.
func TestRoundRobinQuantum(t *testing.T) {
	const quantum = 10

	var sw switchRecorder
	var x, y, z neon.Thread
	var counts [3]atomic.Int64

	k, p := startSystem(t, func(k *neon.Kernel) {
		body := func(i int) neon.ThreadFunc {
			return func(any) {
				for {
					counts[i].Add(1)
					_ = k.ThreadGetCurrent()
				}
			}
		}
		k.ThreadInit(&x, body(0), nil, make([]byte, neon.MinStackSize), 5)
		k.ThreadInit(&y, body(1), nil, make([]byte, neon.MinStackSize), 5)
		k.ThreadInit(&z, body(2), nil, make([]byte, neon.MinStackSize), 5)
	}, neon.WithTimeQuantum(quantum), neon.WithHooks(neon.Hooks{ContextSwitch: sw.hook}))

	// Wait for x (created first) to hold the CPU.
	require.Eventually(t, func() bool { return counts[0].Load() > 0 }, waitFor, pollTick)

	level5 := func() [][2]*neon.Thread {
		var out [][2]*neon.Thread
		for _, pair := range sw.snapshot() {
			if k.ThreadPriority(pair[0]) == 5 && k.ThreadPriority(pair[1]) == 5 {
				out = append(out, pair)
			}
		}
		return out
	}

	for i := 0; i < quantum; i++ {
		p.Tick()
	}
	require.Eventually(t, func() bool { return counts[1].Load() > 0 }, waitFor, pollTick)

	for i := 0; i < quantum; i++ {
		p.Tick()
	}
	require.Eventually(t, func() bool { return counts[2].Load() > 0 }, waitFor, pollTick)

	for i := 0; i < quantum; i++ {
		p.Tick()
	}
	require.Eventually(t, func() bool {
		pairs := level5()
		return len(pairs) >= 3
	}, waitFor, pollTick)

	pairs := level5()
	require.Equal(t, [2]*neon.Thread{&x, &y}, pairs[0])
	require.Equal(t, [2]*neon.Thread{&y, &z}, pairs[1])
	require.Equal(t, [2]*neon.Thread{&z, &x}, pairs[2])

	// Every peer got CPU time: fair rotation.
	for i := range counts {
		require.Positive(t, counts[i].Load())
	}
}

// A thread lowering its own priority below a ready peer yields to it
// before the call returns.
func TestSetPriorityYields(t *testing.T) {
	var rec recorder
	var done neon.Sem
	var a, b neon.Thread

	k, _ := startSystem(t, func(k *neon.Kernel) {
		k.SemInit(&done, 0)
		k.ThreadInit(&b, func(any) {
			rec.add(`b ran`)
			_ = done.Wait()
		}, nil, make([]byte, neon.MinStackSize), 4)
		k.ThreadInit(&a, func(any) {
			rec.add(`a before`)
			k.ThreadSetPriority(k.ThreadGetCurrent(), 3)
			rec.add(`a after`)
			_ = done.Wait()
		}, nil, make([]byte, neon.MinStackSize), 5)
	})

	require.Eventually(t, func() bool { return rec.has(`a after`) }, waitFor, pollTick)
	require.Equal(t, []string{`a before`, `b ran`, `a after`}, rec.snapshot())
	require.Equal(t, uint8(3), k.ThreadPriority(&a))
}

func TestThreadTermRemovesThread(t *testing.T) {
	var rec recorder
	var done neon.Sem
	var short, long neon.Thread

	k, _ := startSystem(t, func(k *neon.Kernel) {
		k.SemInit(&done, 0)
		k.ThreadInit(&short, func(any) {
			rec.add(`short ran`)
			// Returning from the entry terminates the thread.
		}, nil, make([]byte, neon.MinStackSize), 9)
		k.ThreadInit(&long, func(any) {
			rec.add(`long ran`)
			_ = done.Wait()
		}, nil, make([]byte, neon.MinStackSize), 5)
	})

	require.Eventually(t, func() bool { return rec.has(`long ran`) }, waitFor, pollTick)
	require.Equal(t, []string{`short ran`, `long ran`}, rec.snapshot())
	require.Equal(t, neon.StateRun, k.State())
}
