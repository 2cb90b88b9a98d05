package cht

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/moka-rs/moka-cht/epoch"
)

const (
	// arrayLoadFactor is the fraction of slots that may be consumed
	// (occupied or tombstoned) before the array grows.
	arrayLoadFactor = 0.75

	// defaultMinSlotLen is the smallest bucket array. Must be a power of 2.
	defaultMinSlotLen = 32

	// maxCounterStripes caps the width of striped counters.
	maxCounterStripes = 64

	// minSlotsPerChunk is the smallest migration chunk worth handing to
	// a separate helper.
	minSlotsPerChunk = 512
)

type slotKind uint8

const (
	slotLive slotKind = iota
	slotTombstone
	slotFrozen
)

// bucket is one immutable slot state: a live entry, a keyed tombstone,
// or a frozen state. Buckets are never mutated after publication; a
// slot moves between states only by CAS on the slot pointer, so a
// bucket pointer never reappears in a slot once replaced.
//
// A frozen bucket is either the array's shared frozenMark (the slot was
// empty, tombstoned, or dropped by Clear) or a per-slot wrapper that
// still carries the final entry on its way into the successor array.
type bucket[K comparable, V any] struct {
	kind  slotKind
	key   K
	value V
}

// bucketArray is one table generation: a power-of-two slot array probed
// linearly, plus the migration state tied to this generation.
type bucketArray[K comparable, V any] struct {
	slots []atomic.Pointer[bucket[K, V]]
	mask  uintptr
	// frozenMark is the shared entry-less frozen state for this array.
	frozenMark *bucket[K, V]
	// next is the successor array, installed at most once by CAS.
	next atomic.Pointer[bucketArray[K, V]]
	// fromClear marks a successor installed by Clear: predecessor
	// entries are dropped during migration instead of carried over.
	fromClear bool
	// used counts consumed slots (occupied or tombstoned). It only
	// grows; tombstoned slots are reclaimed by growing, never in place.
	used []counterStripe
	// frozen counts slots whose migration has fully completed: the
	// slot holds frozenMark and any carried entry is in the successor.
	frozen atomic.Int64
	// cursor hands out migration chunks to helping goroutines.
	cursor    atomic.Int64
	chunkSize int
	chunks    int
}

func newBucketArray[K comparable, V any](slotLen int, fromClear bool) *bucketArray[K, V] {
	a := &bucketArray[K, V]{
		slots:      make([]atomic.Pointer[bucket[K, V]], slotLen),
		mask:       uintptr(slotLen - 1),
		frozenMark: &bucket[K, V]{kind: slotFrozen},
		fromClear:  fromClear,
		used:       make([]counterStripe, calcStripeLen(runtime.GOMAXPROCS(0))),
	}
	a.chunkSize, a.chunks = calcParallelism(slotLen, minSlotsPerChunk, runtime.GOMAXPROCS(0))
	return a
}

func (a *bucketArray[K, V]) threshold() int {
	return int(float64(len(a.slots)) * arrayLoadFactor)
}

// find probes one generation for key. It returns the live entry, or
// absence, or redirect=true when the probe ran into a frozen slot and
// the answer lives in the successor.
func (a *bucketArray[K, V]) find(hash uintptr, key K) (b *bucket[K, V], redirect bool) {
	for i, pos := uintptr(0), hash&a.mask; i <= a.mask; i, pos = i+1, (pos+1)&a.mask {
		b := a.slots[pos].Load()
		if b == nil {
			return nil, false
		}
		switch b.kind {
		case slotFrozen:
			return nil, true
		case slotLive:
			if b.key == key {
				return b, false
			}
		}
		// Tombstones and other keys keep the probe going.
	}
	return nil, false
}

// probe locates key for a mutating operation: the live entry and its
// slot when present, or the first empty slot when absent. exhausted
// reports a full probe with no empty slot left.
func (a *bucketArray[K, V]) probe(hash uintptr, key K) (
	b *bucket[K, V], slot *atomic.Pointer[bucket[K, V]], idx uintptr, redirect, exhausted bool,
) {
	for i, pos := uintptr(0), hash&a.mask; i <= a.mask; i, pos = i+1, (pos+1)&a.mask {
		s := &a.slots[pos]
		b := s.Load()
		if b == nil {
			return nil, s, pos, false, false
		}
		switch b.kind {
		case slotFrozen:
			return nil, nil, 0, true, false
		case slotLive:
			if b.key == key {
				return b, s, pos, false, false
			}
		}
	}
	return nil, nil, 0, false, true
}

// tableRef couples a bucket array reference with the hashing
// configuration and counters that outlive any one array generation.
// HashMap and every SegmentedHashMap segment build one per operation.
type tableRef[K comparable, V any] struct {
	arr *atomic.Pointer[bucketArray[K, V]]
	// size stripes are picked by key hash, never by slot position: a
	// key's increment and decrement must land on the same stripe even
	// after its slot moves to a new generation.
	size    []counterStripe
	keyHash hashFunc
	seed    uintptr
	minLen  int
	growths *atomic.Uint32
	clears  *atomic.Uint32
}

func (r *tableRef[K, V]) hash(key *K) uintptr {
	return r.keyHash(noescape(unsafe.Pointer(key)), r.seed)
}

func (r *tableRef[K, V]) load(hash uintptr, key K) (value V, ok bool) {
	g := epoch.Pin()
	defer g.Unpin()
	arr := r.arr.Load()
	for {
		b, redirect := arr.find(hash, key)
		if !redirect {
			if b != nil {
				return b.value, true
			}
			return
		}
		// A frozen slot redirects to the successor. Finish the
		// migration first so the successor holds every entry.
		r.helpMigrate(&g, arr)
		arr = arr.next.Load()
	}
}

// process applies fn to the slot protocol for key. fn sees the current
// live entry (or nil when absent) and returns the replacement state:
// the same pointer leaves the slot untouched, nil deletes (or declines
// to insert), and a fresh bucket is installed by CAS. fn may run again
// when a CAS loses a race, so it must be side-effect free.
func (r *tableRef[K, V]) process(
	hash uintptr, key K,
	fn func(old *bucket[K, V]) (*bucket[K, V], V, bool),
) (V, bool) {
	g := epoch.Pin()
	defer g.Unpin()

	arr := r.arr.Load()
	var spins int
	for {
		old, slot, idx, redirect, exhausted := arr.probe(hash, key)
		if redirect {
			r.helpMigrate(&g, arr)
			arr = arr.next.Load()
			continue
		}
		if exhausted {
			// No empty slot left on the probe path: grow and retry in
			// the successor.
			arr = r.grow(&g, arr, len(arr.slots)*2)
			continue
		}

		newb, value, status := fn(old)
		switch {
		case old != nil && newb == old:
			return value, status
		case old != nil && newb != nil:
			if slot.CompareAndSwap(old, newb) {
				return value, status
			}
		case old != nil:
			t := &bucket[K, V]{kind: slotTombstone, key: key}
			if slot.CompareAndSwap(old, t) {
				addStripe(r.size, hash, -1)
				return value, status
			}
		case newb == nil:
			return value, status
		default:
			if slot.CompareAndSwap(nil, newb) {
				addStripe(arr.used, idx, 1)
				addStripe(r.size, hash, 1)
				if sumStripes(arr.used) > arr.threshold() {
					r.grow(&g, arr, len(arr.slots)*2)
				}
				return value, status
			}
		}
		delay(&spins)
	}
}

// grow ensures arr has a successor of newLen slots, drives the
// migration into it to completion, and returns the successor.
func (r *tableRef[K, V]) grow(g *epoch.Guard, arr *bucketArray[K, V], newLen int) *bucketArray[K, V] {
	if arr.next.Load() == nil {
		cand := newBucketArray[K, V](newLen, false)
		if arr.next.CompareAndSwap(nil, cand) {
			r.growths.Add(1)
		}
	}
	r.helpMigrate(g, arr)
	return arr.next.Load()
}

// clear swings the table to a fresh minimum-size generation, dropping
// every entry through the same freeze protocol a resize uses. Readers
// therefore see either the old generation or the empty one, never a
// half-cleared array.
func (r *tableRef[K, V]) clear(g *epoch.Guard) {
	for {
		arr := r.arr.Load()
		if next := arr.next.Load(); next != nil {
			// Adopt a clear already in flight; finish any other
			// migration and retry on the new generation.
			r.helpMigrate(g, arr)
			if next.fromClear {
				return
			}
			continue
		}
		cand := newBucketArray[K, V](r.minLen, true)
		if arr.next.CompareAndSwap(nil, cand) {
			r.clears.Add(1)
			r.helpMigrate(g, arr)
			return
		}
	}
}

// helpMigrate drives the migration out of arr to completion. Helpers
// claim chunks so concurrent goroutines split the array, then each
// helper sweeps the remaining slots itself rather than wait on another
// goroutine's chunk. When helpMigrate returns, every slot in arr is
// frozen and every surviving entry is in the successor, so callers may
// resume their operation there immediately.
func (r *tableRef[K, V]) helpMigrate(g *epoch.Guard, arr *bucketArray[K, V]) {
	slotLen := len(arr.slots)
	for {
		c := int(arr.cursor.Add(1)) - 1
		if c >= arr.chunks {
			break
		}
		start := c * arr.chunkSize
		end := min(start+arr.chunkSize, slotLen)
		for i := start; i < end; i++ {
			r.migrateSlot(g, arr, uintptr(i))
		}
	}
	if int(arr.frozen.Load()) < slotLen {
		// Sweep slots claimed by helpers that have not finished yet;
		// migrateSlot is idempotent, so racing them is harmless.
		for i := uintptr(0); i < uintptr(slotLen); i++ {
			r.migrateSlot(g, arr, i)
		}
	}
	// Publish the successor and retire this generation. Only the
	// winning CAS queues the teardown; it runs once no goroutine
	// pinned before this point can still be probing the old slots.
	next := arr.next.Load()
	if r.arr.CompareAndSwap(arr, next) {
		g.Defer(func() {
			for i := range arr.slots {
				arr.slots[i].Store(nil)
			}
		})
	}
}

// migrateSlot freezes arr.slots[idx] and carries its entry, if any,
// into the successor.
//
// Freezing comes first: CASing the live bucket to a frozen wrapper
// makes that version final, since writers can no longer touch the slot
// and are redirected to the successor once migration completes. The
// wrapper still carries the entry, so any helper that sees it can
// finish the second step, installing the entry into the successor,
// before collapsing the wrapper to the bare frozen marker.
func (r *tableRef[K, V]) migrateSlot(g *epoch.Guard, arr *bucketArray[K, V], idx uintptr) {
	slot := &arr.slots[idx]
	next := arr.next.Load()
	for {
		b := slot.Load()
		switch {
		case b == nil, b != nil && b.kind == slotTombstone:
			// Nothing to carry. Tombstones die with their generation;
			// the successor starts with a clean probe path.
			if slot.CompareAndSwap(b, arr.frozenMark) {
				arr.frozen.Add(1)
				return
			}
		case b == arr.frozenMark:
			return
		case b.kind == slotFrozen:
			// A wrapper left by another helper: the entry may not be
			// in the successor yet. Install it (idempotently), then
			// collapse the wrapper so later visitors skip this work.
			// Whoever wins the collapse counts the slot as done.
			r.installMigrated(g, next, b.key, b.value)
			if slot.CompareAndSwap(b, arr.frozenMark) {
				arr.frozen.Add(1)
			}
			return
		case next.fromClear:
			// Successor installed by Clear: drop the entry.
			if slot.CompareAndSwap(b, arr.frozenMark) {
				arr.frozen.Add(1)
				addStripe(r.size, r.hash(&b.key), -1)
				return
			}
		default:
			wrapper := &bucket[K, V]{kind: slotFrozen, key: b.key, value: b.value}
			if slot.CompareAndSwap(b, wrapper) {
				r.installMigrated(g, next, wrapper.key, wrapper.value)
				if slot.CompareAndSwap(wrapper, arr.frozenMark) {
					arr.frozen.Add(1)
				}
				return
			}
		}
		// Lost a race with a writer or another helper: re-read.
	}
}

// installMigrated installs a frozen-out entry into target, keeping the
// first state already present for the key. Until the predecessor is
// fully frozen only migrators touch the key in target, and they all
// carry the same final version, so an existing live entry is that same
// version. An existing tombstone means a writer already removed the
// key after migration completed; installing would resurrect it.
func (r *tableRef[K, V]) installMigrated(g *epoch.Guard, target *bucketArray[K, V], key K, value V) {
	hash := r.hash(&key)
	var entry *bucket[K, V]
	for {
		for i, pos := uintptr(0), hash&target.mask; i <= target.mask; i, pos = i+1, (pos+1)&target.mask {
			s := &target.slots[pos]
			b := s.Load()
			if b == nil {
				if entry == nil {
					entry = &bucket[K, V]{kind: slotLive, key: key, value: value}
				}
				if !s.CompareAndSwap(nil, entry) {
					break // re-probe
				}
				addStripe(target.used, pos, 1)
				return
			}
			if b.kind == slotFrozen {
				// The successor is itself migrating; finish it and
				// install one generation further down.
				r.helpMigrate(g, target)
				target = target.next.Load()
				break
			}
			if b.key == key {
				return
			}
		}
		if full := target.probeFull(hash, key); full {
			target = r.grow(g, target, len(target.slots)*2)
		}
	}
}

// probeFull reports whether the probe path for hash holds neither key
// nor an empty slot.
func (a *bucketArray[K, V]) probeFull(hash uintptr, key K) bool {
	for i, pos := uintptr(0), hash&a.mask; i <= a.mask; i, pos = i+1, (pos+1)&a.mask {
		b := a.slots[pos].Load()
		if b == nil || b.kind == slotFrozen {
			return false
		}
		if b.kind == slotLive && b.key == key {
			return false
		}
	}
	return true
}
