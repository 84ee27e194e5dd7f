// Package pbitmap implements a two-level priority bitmap: constant-time
// set, clear, and highest-set-bit queries over a fixed number of slots.
//
// The map is parameterized over the word type, which stands in for the
// register width of the target. When the slot count fits in a single word
// the group level degenerates and lookups touch one word only.
package pbitmap

import (
	"math/bits"

	"golang.org/x/exp/constraints"
)

// Map is a fixed-capacity bitmap indexed by slot, supporting O(1)
// Set/Clear/IsSet/Highest/IsEmpty. The zero value is unusable; call Init
// first. Capacity is limited to width*width slots, where width is the bit
// width of W (the group word must cover every data word).
type Map[W constraints.Unsigned] struct {
	group W
	words []W
	width uint
}

// Init sizes the map for the given number of slots, clearing all bits.
func (m *Map[W]) Init(slots int) {
	m.width = uint(bits.OnesCount64(uint64(^W(0))))
	if slots <= 0 || uint(slots) > m.width*m.width {
		panic(`pbitmap: slot count out of range`)
	}
	n := (uint(slots) + m.width - 1) / m.width
	m.words = make([]W, n)
	m.group = 0
}

// Set marks the slot as occupied.
func (m *Map[W]) Set(slot int) {
	w := uint(slot) / m.width
	m.words[w] |= W(1) << (uint(slot) % m.width)
	m.group |= W(1) << w
}

// Clear marks the slot as free, dropping the group bit when the word
// holding the slot goes to zero.
func (m *Map[W]) Clear(slot int) {
	w := uint(slot) / m.width
	m.words[w] &^= W(1) << (uint(slot) % m.width)
	if m.words[w] == 0 {
		m.group &^= W(1) << w
	}
}

// IsSet reports whether the slot is occupied.
func (m *Map[W]) IsSet(slot int) bool {
	w := uint(slot) / m.width
	return m.words[w]&(W(1)<<(uint(slot)%m.width)) != 0
}

// IsEmpty reports whether no slot is occupied.
func (m *Map[W]) IsEmpty() bool {
	return m.group == 0
}

// Highest returns the highest occupied slot. It must not be called on an
// empty map.
//
// bits.Len is the find-last-set primitive; on all supported targets it
// compiles to a single instruction.
func (m *Map[W]) Highest() int {
	if len(m.words) == 1 {
		return bits.Len64(uint64(m.words[0])) - 1
	}
	g := bits.Len64(uint64(m.group)) - 1
	return g*int(m.width) + bits.Len64(uint64(m.words[g])) - 1
}
