package cht

import (
	"math/bits"
	"math/rand/v2"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/moka-rs/moka-cht/epoch"
)

// SegmentedHashMap shards keys over a power-of-two number of
// independent lock-free tables. Each segment has its own bucket array,
// counters, and resize lifecycle, so a resize only ever stalls the
// writers of one segment and counter contention is split numSegments
// ways. The segment for a key is a pure function of its hash, so a key
// maps to the same segment for the lifetime of the map.
type SegmentedHashMap[K comparable, V any] struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		segments     []segment[struct{}, struct{}]
		segmentShift uint
		totalGrowths atomic.Uint32
		totalClears  atomic.Uint32
		seed         uintptr
		keyHash      hashFunc
		minSlotLen   int
	}{})%CacheLineSize) % CacheLineSize]byte

	segments     []segment[K, V]
	segmentShift uint
	totalGrowths atomic.Uint32
	totalClears  atomic.Uint32
	seed         uintptr
	keyHash      hashFunc
	minSlotLen   int
}

// segment is one shard: a table reference plus its own size counter.
type segment[K comparable, V any] struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		table atomic.Pointer[bucketArray[struct{}, struct{}]]
		size  []counterStripe
	}{})%CacheLineSize) % CacheLineSize]byte

	table atomic.Pointer[bucketArray[K, V]]
	size  []counterStripe
}

// NewSegmentedHashMap creates a new SegmentedHashMap instance.
//
// Parameters:
//   - WithSegments option for the number of segments, rounded up to a
//     power of two; defaults to twice the number of CPUs
//   - WithPresize option for initial capacity across all segments
func NewSegmentedHashMap[K comparable, V any](
	options ...func(*MapConfig),
) *SegmentedHashMap[K, V] {
	return NewSegmentedHashMapWithHasher[K, V](nil, options...)
}

// NewSegmentedHashMapWithHasher creates a SegmentedHashMap with a
// custom hash function. See NewHashMapWithHasher.
func NewSegmentedHashMapWithHasher[K comparable, V any](
	keyHash func(key K, seed uintptr) uintptr,
	options ...func(*MapConfig),
) *SegmentedHashMap[K, V] {
	c := &MapConfig{}
	for _, o := range options {
		o(c)
	}
	numSegments := c.numSegments
	if numSegments <= 0 {
		numSegments = runtime.GOMAXPROCS(0) * 2
	}
	numSegments = nextPowOf2(numSegments)

	m := &SegmentedHashMap[K, V]{}
	m.seed = uintptr(rand.Uint64())
	if keyHash != nil {
		m.keyHash = func(ptr unsafe.Pointer, seed uintptr) uintptr {
			return keyHash(*(*K)(ptr), seed)
		}
	} else {
		m.keyHash = defaultHasher[K]()
	}
	m.segmentShift = uint(bits.UintSize - bits.TrailingZeros(uint(numSegments)))
	m.minSlotLen = calcSlotLen((c.sizeHint + numSegments - 1) / numSegments)

	cpus := runtime.GOMAXPROCS(0)
	m.segments = make([]segment[K, V], numSegments)
	for i := range m.segments {
		m.segments[i].size = make([]counterStripe, calcStripeLen(cpus))
		m.segments[i].table.Store(newBucketArray[K, V](m.minSlotLen, false))
	}
	return m
}

// segmentIndex routes a hash to its segment by the top bits of a
// Fibonacci spread of the hash. The spread matters for integer keys,
// which hash to themselves: without it every small key would land in
// segment zero.
func (m *SegmentedHashMap[K, V]) segmentIndex(hash uintptr) int {
	return int((hash * hashPrime) >> m.segmentShift)
}

func (m *SegmentedHashMap[K, V]) ref(idx int) tableRef[K, V] {
	s := &m.segments[idx]
	return tableRef[K, V]{
		arr:     &s.table,
		size:    s.size,
		keyHash: m.keyHash,
		seed:    m.seed,
		minLen:  m.minSlotLen,
		growths: &m.totalGrowths,
		clears:  &m.totalClears,
	}
}

func (m *SegmentedHashMap[K, V]) keyRef(key *K) (tableRef[K, V], uintptr) {
	hash := m.keyHash(noescape(unsafe.Pointer(key)), m.seed)
	return m.ref(m.segmentIndex(hash)), hash
}

// NumSegments returns the number of segments.
func (m *SegmentedHashMap[K, V]) NumSegments() int {
	return len(m.segments)
}

// SegmentIndex returns the segment a key belongs to. The result is
// stable for the lifetime of the map.
func (m *SegmentedHashMap[K, V]) SegmentIndex(key K) int {
	return m.segmentIndex(m.keyHash(noescape(unsafe.Pointer(&key)), m.seed))
}

// SegmentCapacity returns the slot count of segment idx's current
// table generation.
func (m *SegmentedHashMap[K, V]) SegmentCapacity(idx int) int {
	return len(m.segments[idx].table.Load().slots)
}

// Load retrieves a value for a key, compatible with `sync.Map`.
func (m *SegmentedHashMap[K, V]) Load(key K) (value V, ok bool) {
	r, hash := m.keyRef(&key)
	return r.load(hash, key)
}

// Store inserts or updates a key-value pair, compatible with `sync.Map`.
func (m *SegmentedHashMap[K, V]) Store(key K, value V) {
	m.Swap(key, value)
}

// Swap stores a key-value pair and returns the previous value if any,
// compatible with `sync.Map`.
func (m *SegmentedHashMap[K, V]) Swap(key K, value V) (previous V, loaded bool) {
	r, hash := m.keyRef(&key)
	return r.process(hash, key,
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
func (m *SegmentedHashMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	r, hash := m.keyRef(&key)
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
func (m *SegmentedHashMap[K, V]) Delete(key K) {
	m.LoadAndDelete(key)
}

// LoadAndDelete retrieves the value for a key and deletes it from the
// map, compatible with `sync.Map`.
func (m *SegmentedHashMap[K, V]) LoadAndDelete(key K) (value V, loaded bool) {
	r, hash := m.keyRef(&key)
	return r.process(hash, key,
		func(old *bucket[K, V]) (*bucket[K, V], V, bool) {
			if old != nil {
				return nil, old.value, true
			}
			return nil, *new(V), false
		},
	)
}

// DeleteIf removes the entry for key only if its current value
// satisfies pred, returning the removed value if any. See
// HashMap.DeleteIf.
func (m *SegmentedHashMap[K, V]) DeleteIf(key K, pred func(key K, value V) bool) (value V, deleted bool) {
	r, hash := m.keyRef(&key)
	return r.process(hash, key,
		func(old *bucket[K, V]) (*bucket[K, V], V, bool) {
			if old != nil && pred(key, old.value) {
				return nil, old.value, true
			}
			return old, *new(V), false
		},
	)
}

// Compute either sets the computed new value for the key, deletes the
// value for the key, or does nothing, based on the returned
// [ComputeOp]. See HashMap.Compute.
func (m *SegmentedHashMap[K, V]) Compute(
	key K,
	valueFn func(oldValue V, loaded bool) (newValue V, op ComputeOp),
) (actual V, ok bool) {
	r, hash := m.keyRef(&key)
	return r.process(hash, key,
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

// Size returns the number of key-value pairs across all segments.
func (m *SegmentedHashMap[K, V]) Size() int {
	size := 0
	for i := range m.segments {
		size += sumStripes(m.segments[i].size)
	}
	return max(size, 0)
}

// IsZero checks for an empty map, faster than Size() == 0.
func (m *SegmentedHashMap[K, V]) IsZero() bool {
	for i := range m.segments {
		s := m.segments[i].size
		for j := range s {
			if atomic.LoadUintptr(&s[j].c) != 0 {
				return false
			}
		}
	}
	return true
}

// Clear removes all entries. Each segment clears atomically, one after
// the other; readers racing a Clear may observe some segments cleared
// and others not yet, but never a partially cleared segment.
func (m *SegmentedHashMap[K, V]) Clear() {
	g := epoch.Pin()
	defer g.Unpin()
	for i := range m.segments {
		r := m.ref(i)
		r.clear(&g)
	}
}

// Range iterates over all key-value pairs segment by segment. Like
// HashMap.Range it does not represent a consistent snapshot.
func (m *SegmentedHashMap[K, V]) Range(yield func(key K, value V) bool) {
	g := epoch.Pin()
	defer g.Unpin()
	for i := range m.segments {
		r := m.ref(i)
		done := false
		r.rangeEntries(&g, func(k K, v V) bool {
			if !yield(k, v) {
				done = true
				return false
			}
			return true
		})
		if done {
			return
		}
	}
}

// ToMap collects all entries into a plain map.
func (m *SegmentedHashMap[K, V]) ToMap() map[K]V {
	out := make(map[K]V, m.Size())
	m.Range(func(k K, v V) bool {
		out[k] = v
		return true
	})
	return out
}

// String implements fmt.Stringer, printing entries like a plain map.
func (m *SegmentedHashMap[K, V]) String() string {
	return mapString(m.ToMap())
}

// Stats aggregates statistics over all segments. O(N), diagnostics
// only.
func (m *SegmentedHashMap[K, V]) Stats() *MapStats {
	stats := &MapStats{
		Segments:     len(m.segments),
		TotalGrowths: m.totalGrowths.Load(),
		TotalClears:  m.totalClears.Load(),
	}
	for i := range m.segments {
		s := &m.segments[i]
		stats.Counter += sumStripes(s.size)
		stats.CounterLen += len(s.size)
		gatherStats[K, V](&s.table, stats)
	}
	return stats
}
