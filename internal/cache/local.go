package cache

import (
	"sync"
	"time"

	"github.com/HanTheDev/risk-scoring-gateway/internal/clock"
)

const nilSlot int32 = -1

// slot is one preallocated arena cell. prev/next thread either the LRU list
// (while in use) or the free list (next only).
type slot[V any] struct {
	key     string
	value   V
	expires time.Time
	prev    int32
	next    int32
}

// LocalStats is a snapshot of the local tier counters.
type LocalStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Len       int
	Capacity  int
}

// LocalTier is a fixed-capacity in-process cache. Entries live in a
// preallocated arena; an intrusive doubly linked list over slot indices keeps
// LRU order so lookups, inserts and evictions are all O(1).
type LocalTier[V any] struct {
	mu    sync.Mutex
	slots []slot[V]
	index map[string]int32
	head  int32 // most recently used
	tail  int32 // least recently used
	free  int32
	clock clock.Clock

	hits      uint64
	misses    uint64
	evictions uint64
	onEvict   func()
}

// NewLocalTier allocates a tier holding at most capacity entries (minimum 1).
func NewLocalTier[V any](capacity int, clk clock.Clock) *LocalTier[V] {
	if capacity < 1 {
		capacity = 1
	}
	if clk == nil {
		clk = clock.Real{}
	}
	t := &LocalTier[V]{
		slots: make([]slot[V], capacity),
		index: make(map[string]int32, capacity),
		head:  nilSlot,
		tail:  nilSlot,
		clock: clk,
	}
	for i := range t.slots {
		t.slots[i].prev = nilSlot
		t.slots[i].next = int32(i + 1)
	}
	t.slots[capacity-1].next = nilSlot
	t.free = 0
	return t
}

// Get returns the live value for key and marks it most recently used.
func (t *LocalTier[V]) Get(key string) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero V
	i, ok := t.index[key]
	if !ok {
		t.misses++
		return zero, false
	}
	if !t.clock.Now().Before(t.slots[i].expires) {
		t.release(i)
		t.misses++
		return zero, false
	}
	t.moveToFront(i)
	t.hits++
	return t.slots[i].value, true
}

// Set stores value for ttl. A non-positive ttl removes any existing entry.
func (t *LocalTier[V]) Set(key string, value V, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ttl <= 0 {
		if i, ok := t.index[key]; ok {
			t.release(i)
		}
		return
	}

	expires := t.clock.Now().Add(ttl)
	if i, ok := t.index[key]; ok {
		t.slots[i].value = value
		t.slots[i].expires = expires
		t.moveToFront(i)
		return
	}

	if t.free == nilSlot {
		t.evictTail()
	}
	i := t.free
	t.free = t.slots[i].next

	t.slots[i].key = key
	t.slots[i].value = value
	t.slots[i].expires = expires
	t.index[key] = i
	t.pushFront(i)
}

func (t *LocalTier[V]) Delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, ok := t.index[key]; ok {
		t.release(i)
	}
}

func (t *LocalTier[V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.index)
}

func (t *LocalTier[V]) Stats() LocalStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return LocalStats{
		Hits:      t.hits,
		Misses:    t.misses,
		Evictions: t.evictions,
		Len:       len(t.index),
		Capacity:  len(t.slots),
	}
}

// evictTail drops the least recently used entry. Caller holds t.mu.
func (t *LocalTier[V]) evictTail() {
	if t.tail == nilSlot {
		return
	}
	t.release(t.tail)
	t.evictions++
	if t.onEvict != nil {
		t.onEvict()
	}
}

// release unlinks slot i, clears it and returns it to the free list.
func (t *LocalTier[V]) release(i int32) {
	var zero V
	s := &t.slots[i]
	delete(t.index, s.key)
	t.unlink(i)
	s.key = ""
	s.value = zero
	s.expires = time.Time{}
	s.prev = nilSlot
	s.next = t.free
	t.free = i
}

func (t *LocalTier[V]) pushFront(i int32) {
	s := &t.slots[i]
	s.prev = nilSlot
	s.next = t.head
	if t.head != nilSlot {
		t.slots[t.head].prev = i
	}
	t.head = i
	if t.tail == nilSlot {
		t.tail = i
	}
}

func (t *LocalTier[V]) unlink(i int32) {
	s := &t.slots[i]
	if s.prev != nilSlot {
		t.slots[s.prev].next = s.next
	} else {
		t.head = s.next
	}
	if s.next != nilSlot {
		t.slots[s.next].prev = s.prev
	} else {
		t.tail = s.prev
	}
	s.prev, s.next = nilSlot, nilSlot
}

func (t *LocalTier[V]) moveToFront(i int32) {
	if t.head == i {
		return
	}
	t.unlink(i)
	t.pushFront(i)
}
