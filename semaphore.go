package neon

// Semaphore structure signature.
const semSignature uint32 = 0xfeedbef0

// Sem is a counting semaphore. The count is signed: a negative count's
// magnitude equals the number of blocked waiters. Waiters are queued in
// priority order, FIFO among equal priorities, and are woken in that
// order by Signal.
//
// Storage is caller-owned and must be initialized via [Kernel.SemInit]
// before use.
type Sem struct {
	k         *Kernel
	waiters   threadQueue
	count     int32
	signature uint32
}

// SemInit initializes caller-owned semaphore storage with the given
// initial count. A zero count yields a pure synchronization semaphore.
func (k *Kernel) SemInit(s *Sem, count int32) {
	k.require(s != nil, `SemInit`, `s != nil`)
	k.require(s.signature != semSignature, `SemInit`, `semaphore not already initialized`)
	k.require(count >= 0, `SemInit`, `count >= 0`)

	s.k = k
	s.count = count
	s.waiters.init(k.levels, k.buckets)
	s.signature = semSignature
}

// Wait decrements the count, blocking the calling thread while the
// result is negative. It returns nil on a normal signal, or
// [ErrObjectRemoved] if the semaphore was terminated while the caller
// was blocked.
func (s *Sem) Wait() error {
	k := s.k
	k.require(k != nil && s.signature == semSignature, `SemWait`, `valid semaphore`)

	ctx := k.port.CriticalEnter()
	s.count--
	if s.count >= 0 {
		k.port.CriticalExit(ctx)
		return nil
	}

	t := k.current
	k.require(k.state.Load() == StateRun, `SemWait`, `blocking allowed in this context`)
	t.waitErr = nil
	t.waitSem = s
	k.readyRemoveLocked(t)
	s.waiters.insert(t)
	k.verifyLocked(`SemWait`)
	k.yieldLocked()

	// Resumed: the waker filled in waitErr and re-readied us.
	k.port.CriticalExit(ctx)
	return t.waitErr
}

// WaitTimeout is Wait with an upper bound in ticks. It returns
// [ErrTimeout] when the deadline expires before a signal, leaving the
// count as if Wait had never been called.
func (s *Sem) WaitTimeout(ticks uint32) error {
	k := s.k
	k.require(k != nil && s.signature == semSignature, `SemWaitTimeout`, `valid semaphore`)
	k.require(ticks > 0, `SemWaitTimeout`, `ticks > 0`)

	ctx := k.port.CriticalEnter()
	s.count--
	if s.count >= 0 {
		k.port.CriticalExit(ctx)
		return nil
	}

	t := k.current
	k.require(k.state.Load() == StateRun, `SemWaitTimeout`, `blocking allowed in this context`)
	t.waitErr = nil
	t.waitSem = s
	k.timerSetLocked(&t.timer, ticks, k.semTimeout, t, TimerOneShot)
	k.readyRemoveLocked(t)
	s.waiters.insert(t)
	k.verifyLocked(`SemWaitTimeout`)
	k.yieldLocked()

	// Resumed by signal, termination, or timeout. Signal and Term cancel
	// the timer when they wake a waiter, and an expired one-shot timer is
	// already unlinked, so this cancel finds the timer disarmed.
	k.timerCancelLocked(&t.timer)
	k.port.CriticalExit(ctx)
	return t.waitErr
}

// semTimeout is the timer callback aborting a timed wait. It runs in
// tick context; the dispatch to the woken thread happens on ISR exit.
func (k *Kernel) semTimeout(arg any) {
	t := arg.(*Thread)
	s := t.waitSem
	if s == nil {
		// Lost the race against a signal; nothing to abort.
		return
	}
	t.waitSem = nil
	s.waiters.remove(t)
	s.count++
	t.waitErr = ErrTimeout
	k.readyInsertLocked(t)
}

// Signal increments the count, first waking the highest-priority waiter
// if any thread is blocked. Waking a higher-priority thread preempts the
// caller (immediately from thread context, on ISR exit from interrupt
// context).
func (s *Sem) Signal() {
	k := s.k
	k.require(k != nil && s.signature == semSignature, `SemSignal`, `valid semaphore`)

	ctx := k.port.CriticalEnter()
	if w := s.waiters.peek(); w != nil {
		s.waiters.remove(w)
		w.waitErr = nil
		w.waitSem = nil
		k.timerCancelLocked(&w.timer)
		k.readyInsertLocked(w)
		s.count++
		k.verifyLocked(`SemSignal`)
		k.yieldLocked()
	} else {
		s.count++
	}
	k.port.CriticalExit(ctx)
}

// Term terminates the semaphore, draining the waiter queue: every
// blocked thread is re-readied with [ErrObjectRemoved] as its wait
// result, and the scheduler is evaluated once. The storage may be
// re-initialized afterwards.
func (s *Sem) Term() {
	k := s.k
	k.require(k != nil && s.signature == semSignature, `SemTerm`, `valid semaphore`)

	ctx := k.port.CriticalEnter()
	for {
		w := s.waiters.peek()
		if w == nil {
			break
		}
		s.waiters.remove(w)
		w.waitErr = ErrObjectRemoved
		w.waitSem = nil
		k.timerCancelLocked(&w.timer)
		k.readyInsertLocked(w)
	}
	s.count = 0
	s.signature = ^semSignature
	if k.log != nil {
		k.log.Debug().Log(`semaphore terminated`)
	}
	k.verifyLocked(`SemTerm`)
	k.yieldLocked()
	k.port.CriticalExit(ctx)
}

// Count returns the current count. Negative values indicate blocked
// waiters.
func (s *Sem) Count() int32 {
	k := s.k
	k.require(k != nil && s.signature == semSignature, `SemCount`, `valid semaphore`)

	ctx := k.port.CriticalEnter()
	count := s.count
	k.port.CriticalExit(ctx)
	return count
}
