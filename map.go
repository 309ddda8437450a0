// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package fixedmap is a fixed-capacity hash map that remembers the order in
// which keys were first inserted and provides O(1) access to the oldest and
// newest entries.
//
// # Layout
//
// A Map is a single array of N slots allocated at construction. The array is
// never grown. Each slot holds a control state (empty, deleted or full), a
// key, a value, an insertion stamp, and two int32 links. The links thread a
// doubly linked list through the full slots in insertion order, and the map
// keeps the indices of the list's head and tail. Using slot indices rather
// than pointers keeps the whole structure inside the one allocation. The
// stamp identifies an entry when it moves between slots, which lets iterators
// keep their place across a Compact.
//
// # Probing
//
// Lookup uses open addressing with linear probing: the probe for key k starts
// at hash(k)%N and walks forward one slot at a time, wrapping at N, for at
// most N steps. An empty slot terminates the probe. A deleted slot (a
// tombstone) does not: some key inserted while that slot was full may have
// been pushed past it, and must stay reachable.
//
// # Deletion
//
// Delete unlinks the slot from the order list and turns it into a tombstone.
// Put remembers the first tombstone it passes and reuses it for a new key
// once the probe proves the key is absent (either by reaching an empty slot
// or by visiting all N slots). A Put of a new key fails with
// ErrCapacityExceeded only when every slot is full.
//
// Tombstones are never turned back into empty slots implicitly, so a map
// with heavy churn accumulates them and probe lengths grow towards N. Compact
// rebuilds the slot array without tombstones, keeping contents and order.
//
// # Order
//
// Overwriting the value of a present key does not move it in the order list.
// A key that is deleted and later put again is a new entry and is appended at
// the tail.
package fixedmap

import (
	"fmt"
	"iter"
	"math"
	"math/rand/v2"
	"strings"
	"unsafe"
)

const (
	debug = false

	// MaxCapacity is the largest capacity accepted by New. Order links are
	// int32 slot indices.
	MaxCapacity = math.MaxInt32

	// none is the order link value for "no slot".
	none int32 = -1
)

// Each slot is in one of three states. The zero value is ctrlEmpty so that a
// freshly allocated slot array is entirely empty.
const (
	ctrlEmpty ctrl = iota
	ctrlDeleted
	ctrlFull
)

type ctrl uint8

func (c ctrl) String() string {
	switch c {
	case ctrlEmpty:
		return "empty"
	case ctrlDeleted:
		return "deleted"
	case ctrlFull:
		return "full"
	default:
		return fmt.Sprintf("ctrl(%d)", uint8(c))
	}
}

// Slot holds a key and value along with the slot's position in the order
// list. prev, next and stamp are only meaningful while the slot is full.
type Slot[K comparable, V any] struct {
	key   K
	value V
	// stamp is the insertion sequence number of the entry. Stamps strictly
	// increase along the order list and are never reused, so a stamp names
	// an entry independently of the slot it currently occupies.
	stamp uint64
	prev  int32
	next  int32
	ctrl  ctrl
}

// Map is a fixed-capacity map from keys to values that tracks insertion
// order. It supports Put, Get, Delete, First, Last, and ordered iteration.
// The capacity is fixed by New and a Map never grows.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	// The hash function for keys of type K.
	hash func(key *K, seed uintptr) uintptr
	seed uintptr
	// The allocator to use for the slots slice.
	allocator Allocator[K, V]
	// slots is the backing array. Its length is the capacity.
	slots []Slot[K, V]
	// head and tail are the oldest and newest full slots, or none if the map
	// is empty.
	head int32
	tail int32
	// The number of full slots.
	used int
	// The number of tombstones.
	deleted int
	// The stamp given to the most recently inserted entry.
	lastStamp uint64
}

// New constructs a new Map with room for exactly capacity entries. It
// returns an error wrapping ErrInvalidCapacity if capacity is not in
// [1, MaxCapacity].
func New[K comparable, V any](capacity int, options ...option[K, V]) (*Map[K, V], error) {
	if capacity <= 0 || capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}

	m := &Map[K, V]{
		hash:      defaultHash[K](),
		seed:      uintptr(rand.Uint64()),
		allocator: defaultAllocator[K, V]{},
		head:      none,
		tail:      none,
	}

	for _, op := range options {
		op.apply(m)
	}

	m.slots = m.allocSlots(capacity)
	m.checkInvariants()
	return m, nil
}

// Close releases the slot array back to the configured allocator. It is
// unnecessary to close a map using the default allocator. A closed map
// behaves as a map with zero capacity: lookups miss and Put returns
// ErrCapacityExceeded. Close is idempotent.
func (m *Map[K, V]) Close() {
	if m.slots != nil {
		m.allocator.FreeSlots(m.slots)
	}
	m.slots = nil
	m.head, m.tail = none, none
	m.used, m.deleted = 0, 0
}

// Put inserts an entry into the map, overwriting the value of an existing
// entry with the same key. Overwriting does not change the entry's position
// in insertion order; a new key is appended after the current last entry.
// Put returns ErrCapacityExceeded, leaving the map unchanged, if key is not
// present and every slot is full.
func (m *Map[K, V]) Put(key K, value V) error {
	if len(m.slots) == 0 {
		return ErrCapacityExceeded
	}

	h := m.hash((*K)(noescape(unsafe.Pointer(&key))), m.seed)
	seq := makeProbeSeq(h, uintptr(len(m.slots)))
	if debug {
		fmt.Printf("put(%v): %s\n", key, seq)
	}

	// target is the first reusable slot seen along the probe sequence. We
	// cannot insert at a tombstone until we know the key is not present
	// further along.
	target := none
	for ; !seq.done(); seq = seq.next() {
		s := &m.slots[seq.offset]
		switch s.ctrl {
		case ctrlFull:
			if key == s.key {
				if debug {
					fmt.Printf("put(updating): index=%d key=%v\n", seq.offset, key)
				}
				s.value = value
				m.checkInvariants()
				return nil
			}
		case ctrlDeleted:
			if target == none {
				target = int32(seq.offset)
			}
		case ctrlEmpty:
			if target == none {
				target = int32(seq.offset)
			}
			m.lastStamp++
			m.insertAt(target, key, value, m.lastStamp)
			m.checkInvariants()
			return nil
		}
	}

	if target == none {
		if debug {
			fmt.Printf("put(full): key=%v used=%d\n", key, m.used)
		}
		return ErrCapacityExceeded
	}
	m.lastStamp++
	m.insertAt(target, key, value, m.lastStamp)
	m.checkInvariants()
	return nil
}

// Get retrieves the value from the map for the specified key, returning
// ok=false if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	i, ok := m.find(key)
	if !ok {
		return value, false
	}
	return m.slots[i].value, true
}

// Has reports whether key is present in the map.
func (m *Map[K, V]) Has(key K) bool {
	_, ok := m.find(key)
	return ok
}

// Delete removes the entry for key and returns its value, or ok=false if the
// key is not present. It is a noop to delete a non-existent key.
func (m *Map[K, V]) Delete(key K) (value V, ok bool) {
	i, ok := m.find(key)
	if !ok {
		return value, false
	}

	s := &m.slots[i]
	value = s.value
	m.unlink(i)
	// Clear the key and value so that anything they reference can be
	// collected; the tombstone keeps the probe chain intact.
	*s = Slot[K, V]{ctrl: ctrlDeleted}
	m.used--
	m.deleted++
	if debug {
		fmt.Printf("delete(%v): index=%d used=%d deleted=%d\n", key, i, m.used, m.deleted)
	}
	m.checkInvariants()
	return value, true
}

// First returns the entry that has been in the map the longest, or ok=false
// if the map is empty.
func (m *Map[K, V]) First() (key K, value V, ok bool) {
	if m.head == none {
		return key, value, false
	}
	s := &m.slots[m.head]
	return s.key, s.value, true
}

// Last returns the most recently inserted entry, or ok=false if the map is
// empty.
func (m *Map[K, V]) Last() (key K, value V, ok bool) {
	if m.tail == none {
		return key, value, false
	}
	s := &m.slots[m.tail]
	return s.key, s.value, true
}

// All returns an iterator over the entries in insertion order. The map may
// be mutated during iteration, with semantics like the builtin map's: an
// entry deleted before it is reached is not produced, an entry inserted
// during iteration may or may not be produced, and every other entry is
// produced exactly once. This holds across Compact. After Clear or Close
// the iteration ends.
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for i := m.head; i != none; {
			s := &m.slots[i]
			stamp, next := s.stamp, s.next
			var nextStamp uint64
			if next != none {
				nextStamp = m.slots[next].stamp
			}
			if !yield(s.key, s.value) {
				return
			}
			i = m.resume(i, stamp, next, nextStamp, true)
		}
	}
}

// Backward returns an iterator over the entries from newest to oldest. The
// same mutation rules as All apply.
func (m *Map[K, V]) Backward() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for i := m.tail; i != none; {
			s := &m.slots[i]
			stamp, prev := s.stamp, s.prev
			var prevStamp uint64
			if prev != none {
				prevStamp = m.slots[prev].stamp
			}
			if !yield(s.key, s.value) {
				return
			}
			i = m.resume(i, stamp, prev, prevStamp, false)
		}
	}
}

// Keys returns an iterator over the keys in insertion order.
func (m *Map[K, V]) Keys() iter.Seq[K] {
	return func(yield func(K) bool) {
		for k := range m.All() {
			if !yield(k) {
				return
			}
		}
	}
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

// Capacity returns the number of slots, which is the maximum number of
// entries the map can hold.
func (m *Map[K, V]) Capacity() int {
	return len(m.slots)
}

// Clear deletes all entries from the map. Every slot, including every
// tombstone, becomes empty; the capacity is unchanged.
func (m *Map[K, V]) Clear() {
	clear(m.slots)
	m.head, m.tail = none, none
	m.used, m.deleted = 0, 0
	m.checkInvariants()
}

// Compact rebuilds the slot array without tombstones. Contents, capacity and
// insertion order are preserved. Compact allocates a second slot array from
// the allocator and frees the old one; it is a noop if the map holds no
// tombstones.
func (m *Map[K, V]) Compact() {
	if m.deleted == 0 {
		return
	}
	if debug {
		fmt.Printf("compact: capacity=%d used=%d deleted=%d\n", len(m.slots), m.used, m.deleted)
	}

	old, head := m.slots, m.head
	m.slots = m.allocSlots(len(old))
	m.head, m.tail = none, none
	m.used, m.deleted = 0, 0

	// Walking the old order list and appending preserves insertion order.
	// Stamps move with their entries so that iterators can find their place
	// in the new array.
	for i := head; i != none; i = old[i].next {
		s := &old[i]
		m.uncheckedPut(s.key, s.value, s.stamp)
	}

	m.allocator.FreeSlots(old)
	m.checkInvariants()
}

// find returns the index of the full slot holding key.
func (m *Map[K, V]) find(key K) (int32, bool) {
	if len(m.slots) == 0 {
		return none, false
	}

	h := m.hash((*K)(noescape(unsafe.Pointer(&key))), m.seed)
	seq := makeProbeSeq(h, uintptr(len(m.slots)))
	if debug {
		fmt.Printf("find(%v): %s\n", key, seq)
	}

	for ; !seq.done(); seq = seq.next() {
		s := &m.slots[seq.offset]
		switch s.ctrl {
		case ctrlEmpty:
			if debug {
				fmt.Printf("find(not-found): index=%d\n", seq.offset)
			}
			return none, false
		case ctrlFull:
			if key == s.key {
				return int32(seq.offset), true
			}
		}
	}
	return none, false
}

// uncheckedPut inserts an entry known not to be in the map into a slot array
// known to contain no tombstones and at least one empty slot. Used by Compact.
func (m *Map[K, V]) uncheckedPut(key K, value V, stamp uint64) {
	h := m.hash((*K)(noescape(unsafe.Pointer(&key))), m.seed)
	for seq := makeProbeSeq(h, uintptr(len(m.slots))); !seq.done(); seq = seq.next() {
		if m.slots[seq.offset].ctrl == ctrlEmpty {
			m.insertAt(int32(seq.offset), key, value, stamp)
			return
		}
	}
	panic(fmt.Sprintf("fixedmap: no empty slot for %v\n%s", key, m.debugString()))
}

// insertAt fills the empty or deleted slot i and appends it to the order
// list.
func (m *Map[K, V]) insertAt(i int32, key K, value V, stamp uint64) {
	s := &m.slots[i]
	if s.ctrl == ctrlDeleted {
		m.deleted--
	}
	s.key = key
	s.value = value
	s.stamp = stamp
	s.ctrl = ctrlFull
	s.prev = m.tail
	s.next = none
	if m.tail == none {
		m.head = i
	} else {
		m.slots[m.tail].next = i
	}
	m.tail = i
	m.used++
	if debug {
		fmt.Printf("put(inserting): index=%d used=%d deleted=%d\n", i, m.used, m.deleted)
	}
}

// unlink removes the full slot i from the order list.
func (m *Map[K, V]) unlink(i int32) {
	s := &m.slots[i]
	if s.prev == none {
		m.head = s.next
	} else {
		m.slots[s.prev].next = s.next
	}
	if s.next == none {
		m.tail = s.prev
	} else {
		m.slots[s.next].prev = s.prev
	}
}

// holds reports whether slot i currently holds the entry with the given
// stamp. It is false for out of range slots, which iterators can see after
// Close.
func (m *Map[K, V]) holds(i int32, stamp uint64) bool {
	return i != none && int(i) < len(m.slots) &&
		m.slots[i].ctrl == ctrlFull && m.slots[i].stamp == stamp
}

// resume returns the slot an iterator visits after the entry with the given
// stamp, which was at slot cur when it was yielded. hint and hintStamp are the
// neighbouring entry in the direction of travel as of the yield.
//
// If the entry is still in place its link is current. Otherwise, if the hint
// entry is still in place it is the neighbour: entries are only ever appended
// at the tail, so nothing can have been linked in between. Failing both
// (the entry and its neighbour were deleted, or Compact moved everything) the
// neighbour is found by stamp with a scan of the slot array.
func (m *Map[K, V]) resume(cur int32, stamp uint64, hint int32, hintStamp uint64, forward bool) int32 {
	if m.holds(cur, stamp) {
		if forward {
			return m.slots[cur].next
		}
		return m.slots[cur].prev
	}
	if hint == none || m.holds(hint, hintStamp) {
		return hint
	}

	next := none
	for j := range m.slots {
		s := &m.slots[j]
		if s.ctrl != ctrlFull {
			continue
		}
		if forward {
			if s.stamp > stamp && (next == none || s.stamp < m.slots[next].stamp) {
				next = int32(j)
			}
		} else {
			if s.stamp < stamp && (next == none || s.stamp > m.slots[next].stamp) {
				next = int32(j)
			}
		}
	}
	return next
}

func (m *Map[K, V]) allocSlots(n int) []Slot[K, V] {
	slots := m.allocator.AllocSlots(n)
	// Custom allocators may hand back recycled memory.
	clear(slots)
	return slots
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		// Every full slot must be reachable from its probe start without
		// crossing an empty slot, and must be the first match for its key
		// (which also rules out duplicate keys).
		var used, deleted int
		for i := range m.slots {
			s := &m.slots[i]
			switch s.ctrl {
			case ctrlEmpty:
			case ctrlDeleted:
				deleted++
			case ctrlFull:
				j, ok := m.find(s.key)
				if !ok || int(j) != i {
					panic(fmt.Sprintf("invariant failed: slot(%d): %v not found (found=%t at %d)\n%s",
						i, s.key, ok, j, m.debugString()))
				}
				used++
			default:
				panic(fmt.Sprintf("invariant failed: slot(%d): unexpected %s\n%s", i, s.ctrl, m.debugString()))
			}
		}

		if used != m.used {
			panic(fmt.Sprintf("invariant failed: found %d used slots, but used count is %d\n%s",
				used, m.used, m.debugString()))
		}
		if deleted != m.deleted {
			panic(fmt.Sprintf("invariant failed: found %d deleted slots, but deleted count is %d\n%s",
				deleted, m.deleted, m.debugString()))
		}

		// The order list must visit every full slot exactly once with
		// consistent back links, starting at head and ending at tail.
		var n int
		prev := none
		for i := m.head; i != none; i = m.slots[i].next {
			s := &m.slots[i]
			if s.ctrl != ctrlFull {
				panic(fmt.Sprintf("invariant failed: order list visits %s slot(%d)\n%s", s.ctrl, i, m.debugString()))
			}
			if s.prev != prev {
				panic(fmt.Sprintf("invariant failed: slot(%d): prev=%d, expected %d\n%s", i, s.prev, prev, m.debugString()))
			}
			if s.stamp > m.lastStamp || (prev != none && s.stamp <= m.slots[prev].stamp) {
				panic(fmt.Sprintf("invariant failed: slot(%d): stamp %d out of order\n%s", i, s.stamp, m.debugString()))
			}
			if n++; n > m.used {
				panic(fmt.Sprintf("invariant failed: order list longer than %d entries\n%s", m.used, m.debugString()))
			}
			prev = i
		}
		if prev != m.tail {
			panic(fmt.Sprintf("invariant failed: order list ends at %d, but tail is %d\n%s", prev, m.tail, m.debugString()))
		}
		if n != m.used {
			panic(fmt.Sprintf("invariant failed: order list has %d entries, but used count is %d\n%s",
				n, m.used, m.debugString()))
		}
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  deleted=%d  head=%d  tail=%d\n",
		len(m.slots), m.used, m.deleted, m.head, m.tail)
	for i := range m.slots {
		s := &m.slots[i]
		switch s.ctrl {
		case ctrlFull:
			h := m.hash(&s.key, m.seed)
			fmt.Fprintf(&buf, "  %4d: %v [home=%d prev=%d next=%d]\n",
				i, s.key, h%uintptr(len(m.slots)), s.prev, s.next)
		default:
			fmt.Fprintf(&buf, "  %4d: %s\n", i, s.ctrl)
		}
	}
	return buf.String()
}

// probeSeq maintains the state for a linear probe sequence over a table of n
// slots:
//
//	p(i) := (hash + i) mod n,  0 <= i < n
//
// The sequence visits every slot exactly once, which bounds every operation
// at n probes and guarantees that a Put of a new key sees every reusable slot
// before reporting the map full.
type probeSeq struct {
	n      uintptr
	offset uintptr
	index  uintptr
}

func makeProbeSeq(hash, n uintptr) probeSeq {
	return probeSeq{
		n:      n,
		offset: hash % n,
		index:  0,
	}
}

func (s probeSeq) next() probeSeq {
	s.index++
	s.offset++
	if s.offset == s.n {
		s.offset = 0
	}
	return s
}

// done reports whether every slot has been visited.
func (s probeSeq) done() bool {
	return s.index >= s.n
}

func (s probeSeq) String() string {
	return fmt.Sprintf("n=%d offset=%d index=%d", s.n, s.offset, s.index)
}

// noescape hides a pointer from escape analysis.  noescape is
// the identity function but escape analysis doesn't think the
// output depends on the input.  noescape is inlined and currently
// compiles down to zero instructions.
// USE CAREFULLY!
//
//go:nosplit
//go:nocheckptr
func noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
