package neon

import (
	"time"
)

// Timer structure signature.
const timerSignature uint32 = 0xfeedbef1

// TimerFunc is a virtual timer callback. By default callbacks execute in
// tick-ISR context and must not block or call services that are not
// ISR-safe; arm the timer with [TimerDeferred] to run the callback from
// the kernel timer thread instead.
type TimerFunc func(arg any)

// TimerAttr selects timer behavior.
type TimerAttr uint8

const (
	// TimerOneShot arms the timer for a single expiry. This is the
	// default when no attribute is given.
	TimerOneShot TimerAttr = 1 << 0
	// TimerPeriodic re-arms the timer with its initial tick count on
	// every expiry.
	TimerPeriodic TimerAttr = 1 << 1
	// TimerDeferred runs the callback from the kernel timer thread
	// (priority PriorityLevels-1) instead of tick-ISR context.
	TimerDeferred TimerAttr = 1 << 2
)

// Timer is a virtual (software) timer, scheduled on the system tick.
// Timers are kept in a list sorted by expiry, each node holding the tick
// delta relative to its predecessor, so that tick processing is O(1) and
// arming is O(n).
//
// Storage is caller-owned; the argument passed at arming must outlive
// the armed period.
type Timer struct {
	next, prev *Timer
	rtick      uint32 // ticks relative to the predecessor's expiry
	itick      uint32 // initial ticks, for periodic reload
	fn         TimerFunc
	arg        any
	attr       TimerAttr
	k          *Kernel
	signature  uint32
}

// IsRunning reports whether the timer is armed.
func (t *Timer) IsRunning() bool {
	k := t.k
	if k == nil {
		return false
	}
	ctx := k.port.CriticalEnter()
	running := t.next != nil
	k.port.CriticalExit(ctx)
	return running
}

// Remaining returns the ticks left until expiry, or zero for a timer
// that is not armed.
func (t *Timer) Remaining() uint32 {
	k := t.k
	if k == nil {
		return 0
	}
	ctx := k.port.CriticalEnter()
	var sum uint32
	if t.next != nil {
		for n := k.timers.next; n != &k.timers; n = n.next {
			sum += n.rtick
			if n == t {
				break
			}
		}
	}
	k.port.CriticalExit(ctx)
	return sum
}

// TimerArm arms caller-owned timer storage to fire after the given
// number of ticks. A zero attr means [TimerOneShot]. The timer must not
// already be armed.
func (k *Kernel) TimerArm(t *Timer, ticks uint32, fn TimerFunc, arg any, attr TimerAttr) {
	k.require(t != nil, `TimerArm`, `t != nil`)
	k.require(fn != nil, `TimerArm`, `fn != nil`)
	k.require(ticks > 0, `TimerArm`, `ticks > 0`)
	k.require(t.next == nil, `TimerArm`, `timer not armed`)
	k.require(k.state.Load() < StateInactive, `TimerArm`, `kernel initialized`)

	ctx := k.port.CriticalEnter()
	if attr == 0 {
		attr = TimerOneShot
	}
	k.timerSetLocked(t, ticks, fn, arg, attr)
	k.port.CriticalExit(ctx)
}

// TimerCancel disarms a timer. Canceling a timer that is not armed is a
// no-op; a pending deferred callback may still run once.
func (k *Kernel) TimerCancel(t *Timer) {
	k.require(t != nil, `TimerCancel`, `t != nil`)

	ctx := k.port.CriticalEnter()
	k.timerCancelLocked(t)
	k.port.CriticalExit(ctx)
}

// ThreadDelay blocks the calling thread for the given number of ticks,
// built on a one-shot timer whose callback re-readies the caller.
func (k *Kernel) ThreadDelay(ticks uint32) {
	k.require(ticks > 0, `ThreadDelay`, `ticks > 0`)

	ctx := k.port.CriticalEnter()
	k.require(k.state.Load() == StateRun, `ThreadDelay`, `called from thread context`)
	t := k.current
	t.waitErr = nil
	k.timerSetLocked(&t.timer, ticks, k.delayWake, t, TimerOneShot)
	k.readyRemoveLocked(t)
	k.verifyLocked(`ThreadDelay`)
	k.yieldLocked()
	k.port.CriticalExit(ctx)
}

// delayWake fires in tick context and re-readies a delayed thread; the
// dispatch happens on ISR exit.
func (k *Kernel) delayWake(arg any) {
	t := arg.(*Thread)
	if t.queue == nil {
		k.readyInsertLocked(t)
	}
}

// TimeToTicks converts a duration into system ticks at the configured
// tick rate, rounding down. Durations shorter than one tick yield zero.
func (k *Kernel) TimeToTicks(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(uint64(d) * uint64(k.tickHz) / uint64(time.Second))
}

// --- internals (critical section required) ---

func (k *Kernel) timerSetLocked(t *Timer, ticks uint32, fn TimerFunc, arg any, attr TimerAttr) {
	t.k = k
	t.fn = fn
	t.arg = arg
	t.attr = attr
	t.itick = ticks
	t.signature = timerSignature
	k.timerArmLocked(t, ticks)
}

// timerArmLocked links the timer into the delta list: walk from the
// head, consuming deltas, and insert before the first node whose
// cumulative expiry exceeds the requested tick count. The successor's
// delta shrinks by the new node's delta.
func (k *Kernel) timerArmLocked(t *Timer, ticks uint32) {
	rem := ticks
	n := k.timers.next
	for n != &k.timers && n.rtick <= rem {
		rem -= n.rtick
		n = n.next
	}
	t.rtick = rem
	if n != &k.timers {
		n.rtick -= rem
	}
	t.prev = n.prev
	t.next = n
	n.prev.next = t
	n.prev = t
}

func (k *Kernel) timerCancelLocked(t *Timer) {
	if t.next == nil {
		return
	}
	if t.next != &k.timers {
		t.next.rtick += t.rtick
	}
	k.timerUnlinkLocked(t)
}

func (k *Kernel) timerUnlinkLocked(t *Timer) {
	t.prev.next = t.next
	t.next.prev = t.prev
	t.next, t.prev = nil, nil
}

// timersTickLocked advances the wheel by one tick: the head's delta is
// decremented, and every leading node at delta zero expires. Coincident
// expirations run in insertion order.
func (k *Kernel) timersTickLocked() {
	if k.timers.next == &k.timers {
		return
	}
	k.timers.next.rtick--
	for {
		first := k.timers.next
		if first == &k.timers || first.rtick != 0 {
			break
		}
		k.timerUnlinkLocked(first)
		if first.attr&TimerPeriodic != 0 {
			k.timerArmLocked(first, first.itick)
		}
		if first.attr&TimerDeferred != 0 {
			k.deferredTimers = append(k.deferredTimers, first)
			if k.timerThread.queue == nil {
				k.readyInsertLocked(&k.timerThread)
			}
		} else {
			first.fn(first.arg)
		}
	}
}

// timerLoop is the entry of the kernel timer thread (priority
// PriorityLevels-1). It sleeps until the tick handler hands it expired
// deferred timers, then runs their callbacks in thread context.
func (k *Kernel) timerLoop(any) {
	for {
		ctx := k.port.CriticalEnter()
		for len(k.deferredTimers) == 0 {
			k.readyRemoveLocked(&k.timerThread)
			k.yieldLocked()
		}
		batch := k.deferredTimers
		k.deferredTimers = nil
		k.port.CriticalExit(ctx)

		for _, t := range batch {
			t.fn(t.arg)
		}
	}
}
