package neon

import (
	"sync/atomic"
)

// State represents the current state of the scheduler.
//
// State Machine:
//
//	StateInactive → StateInit          [New()]
//	StateInit → StateRun               [Run()]
//	StateRun ⇄ StateRun|StateIsr       [IsrEnter()/IsrExit()]
//	StateRun ⇄ StateRun|StateLock      [LockEnter()/LockExit()]
//	StateRun ⇄ StateSleep              [idle thread, power-save only]
//	StateRun → StateInactive           [Shutdown()]
//
// StateIsr and StateLock are flags and combine bitwise, with each other
// and with StateSleep. The numeric ordering is deliberate: every
// running-ish state compares below StateInit, and every initialized state
// compares below StateInactive, so range checks express "has started" and
// "has been initialized" directly.
type State uint32

const (
	// StateRun is the normal multithreading state.
	StateRun State = 0
	// StateIsr is set while at least one ISR is active.
	StateIsr State = 1 << 0
	// StateLock is set while the scheduler lock is held.
	StateLock State = 1 << 1
	// StateIsrLock is the combination of StateIsr and StateLock.
	StateIsrLock State = StateIsr | StateLock
	// StateSleep is set while the idle thread holds the CPU in a low-power
	// wait (power-save builds only).
	StateSleep State = 1 << 2
	// StateInit indicates the kernel is initialized but not yet started.
	StateInit State = 1 << 3
	// StateInactive indicates the kernel is not initialized, or has been
	// terminated.
	StateInactive State = 1 << 4
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateRun:
		return "Run"
	case StateIsr:
		return "Isr"
	case StateLock:
		return "Lock"
	case StateIsrLock:
		return "IsrLock"
	case StateInit:
		return "Init"
	case StateInactive:
		return "Inactive"
	default:
		if s&StateSleep != 0 {
			return "Sleep"
		}
		return "Unknown"
	}
}

// schedState is a lock-free holder for the scheduler state word.
//
// All transitions happen under the interrupt critical section; the atomic
// representation exists so that State() and the flag helpers are safe to
// read from any goroutine without taking the mask.
type schedState struct {
	v atomic.Uint32
}

// Load returns the current state atomically.
func (s *schedState) Load() State {
	return State(s.v.Load())
}

// Store atomically stores a new state.
func (s *schedState) Store(state State) {
	s.v.Store(uint32(state))
}

// TryTransition attempts to atomically transition from one state to
// another, returning true on success.
func (s *schedState) TryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// SetFlags atomically sets the given flag bits.
func (s *schedState) SetFlags(flags State) {
	s.v.Or(uint32(flags))
}

// ClearFlags atomically clears the given flag bits.
func (s *schedState) ClearFlags(flags State) {
	s.v.And(^uint32(flags))
}
