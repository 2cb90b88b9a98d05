// Package cht provides lock-free hash tables for concurrent use.
//
// The tables are open-addressed with linear probing. Every slot holds a
// pointer to an immutable state and changes only by compare-and-swap,
// so readers never take locks and never write to shared memory, and
// writers never block readers. Tables grow by installing a successor
// array and migrating slots cooperatively: every goroutine that runs
// into a frozen slot helps finish the migration before resuming its own
// operation. Retired arrays are dismantled through the epoch package
// once no goroutine can still be probing them.
//
// HashMap is a single table. SegmentedHashMap shards keys over several
// independent tables to spread resize work and counter contention.
package cht

import (
	"fmt"
	"math/rand/v2"
	"runtime"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/moka-rs/moka-cht/epoch"
)

// HashMap is a lock-free hash table with a `sync.Map`-style API.
// A HashMap must be created by NewHashMap or NewHashMapWithHasher;
// the zero value is not usable.
type HashMap[K comparable, V any] struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		table        atomic.Pointer[bucketArray[struct{}, struct{}]]
		size         []counterStripe
		totalGrowths atomic.Uint32
		totalClears  atomic.Uint32
		seed         uintptr
		keyHash      hashFunc
		minSlotLen   int
	}{})%CacheLineSize) % CacheLineSize]byte

	table        atomic.Pointer[bucketArray[K, V]]
	size         []counterStripe
	totalGrowths atomic.Uint32
	totalClears  atomic.Uint32
	seed         uintptr
	keyHash      hashFunc
	minSlotLen   int // WithPresize
}

// NewHashMap creates a new HashMap instance.
//
// Parameters:
//   - WithPresize option for initial capacity
func NewHashMap[K comparable, V any](
	options ...func(*MapConfig),
) *HashMap[K, V] {
	return NewHashMapWithHasher[K, V](nil, options...)
}

// NewHashMapWithHasher creates a HashMap with a custom hash function.
// The seed is fixed at construction, so keyHash must be deterministic
// for the map's lifetime. A poor hash only degrades probe lengths,
// never correctness.
//
// Parameters:
//   - keyHash: nil uses the built-in hasher
//   - WithPresize option for initial capacity
func NewHashMapWithHasher[K comparable, V any](
	keyHash func(key K, seed uintptr) uintptr,
	options ...func(*MapConfig),
) *HashMap[K, V] {
	c := &MapConfig{}
	for _, o := range options {
		o(c)
	}

	m := &HashMap[K, V]{}
	m.seed = uintptr(rand.Uint64())
	if keyHash != nil {
		m.keyHash = func(ptr unsafe.Pointer, seed uintptr) uintptr {
			return keyHash(*(*K)(ptr), seed)
		}
	} else {
		m.keyHash = defaultHasher[K]()
	}
	m.minSlotLen = calcSlotLen(c.sizeHint)
	m.size = make([]counterStripe, calcStripeLen(runtime.GOMAXPROCS(0)))
	m.table.Store(newBucketArray[K, V](m.minSlotLen, false))
	return m
}

// MapConfig defines configurable map options.
type MapConfig struct {
	sizeHint    int
	numSegments int
}

// WithPresize configures a new map instance with capacity enough to
// hold sizeHint entries. The capacity is treated as the minimal
// capacity, meaning that the underlying hash table will never shrink
// below it. If sizeHint is zero or negative, the value is ignored.
func WithPresize(sizeHint int) func(*MapConfig) {
	return func(c *MapConfig) {
		c.sizeHint = sizeHint
	}
}

// WithSegments configures the number of segments of a SegmentedHashMap.
// The value is rounded up to a power of two and must be positive; the
// default when the option is absent is twice the number of CPUs.
// HashMap ignores this option.
func WithSegments(numSegments int) func(*MapConfig) {
	return func(c *MapConfig) {
		if numSegments <= 0 {
			panic("cht: number of segments must be positive")
		}
		c.numSegments = numSegments
	}
}

func (m *HashMap[K, V]) ref() tableRef[K, V] {
	return tableRef[K, V]{
		arr:     &m.table,
		size:    m.size,
		keyHash: m.keyHash,
		seed:    m.seed,
		minLen:  m.minSlotLen,
		growths: &m.totalGrowths,
		clears:  &m.totalClears,
	}
}

// Load retrieves a value for a key, compatible with `sync.Map`.
func (m *HashMap[K, V]) Load(key K) (value V, ok bool) {
	r := m.ref()
	return r.load(r.hash(&key), key)
}

// Store inserts or updates a key-value pair, compatible with `sync.Map`.
func (m *HashMap[K, V]) Store(key K, value V) {
	m.Swap(key, value)
}

// Swap stores a key-value pair and returns the previous value if any,
// compatible with `sync.Map`.
func (m *HashMap[K, V]) Swap(key K, value V) (previous V, loaded bool) {
	r := m.ref()
	return r.process(r.hash(&key), key,
		func(old *bucket[K, V]) (*bucket[K, V], V, bool) {
			newb := &bucket[K, V]{kind: slotLive, key: key, value: value}
			if old != nil {
				return newb, old.value, true
			}
			return newb, *new(V), false
		},
	)
}

// LoadOrStore retrieves an existing value or stores a new one if the
// key doesn't exist, compatible with `sync.Map`.
func (m *HashMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	r := m.ref()
	hash := r.hash(&key)
	if v, ok := r.load(hash, key); ok {
		return v, true
	}
	return r.process(hash, key,
		func(old *bucket[K, V]) (*bucket[K, V], V, bool) {
			if old != nil {
				return old, old.value, true
			}
			return &bucket[K, V]{kind: slotLive, key: key, value: value}, value, false
		},
	)
}

// Delete removes a key-value pair, compatible with `sync.Map`.
func (m *HashMap[K, V]) Delete(key K) {
	m.LoadAndDelete(key)
}

// LoadAndDelete retrieves the value for a key and deletes it from the
// map, compatible with `sync.Map`.
func (m *HashMap[K, V]) LoadAndDelete(key K) (value V, loaded bool) {
	r := m.ref()
	return r.process(r.hash(&key), key,
		func(old *bucket[K, V]) (*bucket[K, V], V, bool) {
			if old != nil {
				return nil, old.value, true
			}
			return nil, *new(V), false
		},
	)
}

// DeleteIf removes the entry for key only if its current value
// satisfies pred, returning the removed value if any. pred may be
// called more than once when the entry changes concurrently, so it must
// be side-effect free.
func (m *HashMap[K, V]) DeleteIf(key K, pred func(key K, value V) bool) (value V, deleted bool) {
	r := m.ref()
	return r.process(r.hash(&key), key,
		func(old *bucket[K, V]) (*bucket[K, V], V, bool) {
			if old != nil && pred(key, old.value) {
				return nil, old.value, true
			}
			return old, *new(V), false
		},
	)
}

type ComputeOp int

const (
	// CancelOp signals to Compute to not do anything as a result
	// of executing the lambda. If the entry was not present in
	// the map, nothing happens, and if it was present, the
	// returned value is ignored.
	CancelOp ComputeOp = iota
	// UpdateOp signals to Compute to update the entry to the
	// value returned by the lambda, creating it if necessary.
	UpdateOp
	// DeleteOp signals to Compute to always delete the entry
	// from the map.
	DeleteOp
)

// Compute either sets the computed new value for the key, deletes the
// value for the key, or does nothing, based on the returned
// [ComputeOp]. The ok result indicates whether the entry is present in
// the map after the compute operation. The actual result holds the new
// value for UpdateOp, the current value for CancelOp on a present
// entry, the removed value for DeleteOp on a present entry, and the
// zero value otherwise.
//
// valueFn is revalidated by CAS: when another goroutine changes the
// entry between the computation and the swap, valueFn runs again
// against the newer value. It must therefore be side-effect free. No
// update is ever silently lost to a concurrent writer.
func (m *HashMap[K, V]) Compute(
	key K,
	valueFn func(oldValue V, loaded bool) (newValue V, op ComputeOp),
) (actual V, ok bool) {
	r := m.ref()
	return r.process(r.hash(&key), key,
		func(old *bucket[K, V]) (*bucket[K, V], V, bool) {
			if old != nil {
				newValue, op := valueFn(old.value, true)
				switch op {
				case UpdateOp:
					return &bucket[K, V]{kind: slotLive, key: key, value: newValue}, newValue, true
				case DeleteOp:
					return nil, old.value, false
				}
				return old, old.value, true
			}
			var zeroV V
			newValue, op := valueFn(zeroV, false)
			if op == UpdateOp {
				return &bucket[K, V]{kind: slotLive, key: key, value: newValue}, newValue, true
			}
			return nil, zeroV, false
		},
	)
}

// Clear removes all entries, compatible with `sync.Map`. The table is
// swung to a fresh minimum-capacity generation through the same freeze
// protocol a resize uses, so concurrent readers observe either the old
// contents or an empty map, never a partially cleared one.
func (m *HashMap[K, V]) Clear() {
	g := epoch.Pin()
	defer g.Unpin()
	r := m.ref()
	r.clear(&g)
}

// Range iterates over all key-value pairs, compatible with `sync.Map`.
//
// Range does not represent a consistent snapshot: entries stored or
// deleted while the iteration is running may or may not be visited,
// and a resize racing the iteration may move entries ahead of the
// walk into the successor generation, where they are not revisited.
// Iterate before growing the map, or after it has settled, to see
// every entry.
func (m *HashMap[K, V]) Range(yield func(key K, value V) bool) {
	g := epoch.Pin()
	defer g.Unpin()
	r := m.ref()
	r.rangeEntries(&g, yield)
}

// Size returns the number of key-value pairs in the map.
func (m *HashMap[K, V]) Size() int {
	return max(sumStripes(m.size), 0)
}

// IsZero checks for an empty map, faster than Size() == 0.
func (m *HashMap[K, V]) IsZero() bool {
	for i := range m.size {
		if atomic.LoadUintptr(&m.size[i].c) != 0 {
			return false
		}
	}
	return true
}

// Capacity returns the number of slots in the current table generation.
func (m *HashMap[K, V]) Capacity() int {
	return len(m.table.Load().slots)
}

// ToMap collects all entries into a plain map. Like Range, it does not
// represent a consistent snapshot.
func (m *HashMap[K, V]) ToMap() map[K]V {
	out := make(map[K]V, m.Size())
	m.Range(func(k K, v V) bool {
		out[k] = v
		return true
	})
	return out
}

// String implements fmt.Stringer, printing entries like a plain map.
func (m *HashMap[K, V]) String() string {
	return mapString(m.ToMap())
}

func mapString[K comparable, V any](entries map[K]V) string {
	var sb strings.Builder
	sb.WriteString("map[")
	first := true
	for k, v := range entries {
		if !first {
			sb.WriteByte(' ')
		}
		first = false
		_, _ = fmt.Fprintf(&sb, "%v:%v", k, v)
	}
	sb.WriteString("]")
	return sb.String()
}

// rangeEntries walks the live entries of the current generation. Any
// migration in flight is finished first so the walked array holds every
// entry. A slot frozen mid-walk still carries its final value and is
// yielded from the wrapper; a slot already collapsed to the bare frozen
// marker holds its entry only in the successor, which the walk does not
// chase, so a resize racing the walk can hide entries from it.
func (r *tableRef[K, V]) rangeEntries(g *epoch.Guard, yield func(key K, value V) bool) {
	arr := r.arr.Load()
	for arr.next.Load() != nil {
		r.helpMigrate(g, arr)
		arr = arr.next.Load()
	}
	for i := range arr.slots {
		b := arr.slots[i].Load()
		if b == nil || b == arr.frozenMark {
			continue
		}
		if b.kind == slotLive || b.kind == slotFrozen {
			if !yield(b.key, b.value) {
				return
			}
		}
	}
}

// Stats returns statistics for the HashMap. Just like other map
// methods, this one is thread-safe. Yet it's an O(N) operation, so it
// should be used only for diagnostics or debugging purposes.
func (m *HashMap[K, V]) Stats() *MapStats {
	stats := &MapStats{
		Segments:     1,
		TotalGrowths: m.totalGrowths.Load(),
		TotalClears:  m.totalClears.Load(),
		Counter:      sumStripes(m.size),
		CounterLen:   len(m.size),
	}
	gatherStats[K, V](&m.table, stats)
	return stats
}

func gatherStats[K comparable, V any](table *atomic.Pointer[bucketArray[K, V]], stats *MapStats) {
	arr := table.Load()
	stats.Capacity += len(arr.slots)
	for i := range arr.slots {
		b := arr.slots[i].Load()
		if b == nil {
			continue
		}
		switch b.kind {
		case slotLive:
			stats.Size++
		case slotTombstone:
			stats.Tombstones++
		case slotFrozen:
			stats.Frozen++
		}
	}
}

// MapStats is HashMap and SegmentedHashMap statistics.
//
// Warning: map statistics are intended to be used for diagnostic
// purposes, not for production code. This means that breaking changes
// may be introduced into this struct even between minor releases.
type MapStats struct {
	// Segments is the number of segments, 1 for a plain HashMap.
	Segments int
	// Capacity is the total number of slots across all current table
	// generations.
	Capacity int
	// Size is the exact number of live entries found by scanning.
	Size int
	// Counter is the number of entries according to the internal
	// striped counter. In case of concurrent modifications this
	// number may differ from Size.
	Counter int
	// CounterLen is the number of counter stripes per table.
	CounterLen int
	// Tombstones is the number of slots consumed by removed entries.
	// They are reclaimed when the table next grows or clears.
	Tombstones int
	// Frozen is the number of slots already migrated out of the
	// current generation. Non-zero only while a resize is in flight.
	Frozen int
	// TotalGrowths is the number of times a table grew.
	TotalGrowths uint32
	// TotalClears is the number of times a table was cleared.
	TotalClears uint32
}

// ToString returns string representation of map stats.
func (s *MapStats) ToString() string {
	var sb strings.Builder
	sb.WriteString("MapStats{\n")
	sb.WriteString(fmt.Sprintf("Segments:     %d\n", s.Segments))
	sb.WriteString(fmt.Sprintf("Capacity:     %d\n", s.Capacity))
	sb.WriteString(fmt.Sprintf("Size:         %d\n", s.Size))
	sb.WriteString(fmt.Sprintf("Counter:      %d\n", s.Counter))
	sb.WriteString(fmt.Sprintf("CounterLen:   %d\n", s.CounterLen))
	sb.WriteString(fmt.Sprintf("Tombstones:   %d\n", s.Tombstones))
	sb.WriteString(fmt.Sprintf("Frozen:       %d\n", s.Frozen))
	sb.WriteString(fmt.Sprintf("TotalGrowths: %d\n", s.TotalGrowths))
	sb.WriteString(fmt.Sprintf("TotalClears:  %d\n", s.TotalClears))
	sb.WriteString("}\n")
	return sb.String()
}
