package cht

import (
	"fmt"
	"math/rand/v2"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/spaolacci/murmur3"
)

const (
	ArrayLoadFactor   = arrayLoadFactor
	DefaultMinSlotLen = defaultMinSlotLen
)

var (
	testData    [128]string
	testDataInt [128]int
)

func init() {
	for i := range testData {
		testData[i] = fmt.Sprintf("%b", i)
	}
	for i := range testDataInt {
		testDataInt[i] = i
	}
}

func TestMap_StructSize(t *testing.T) {
	t.Logf("CacheLineSize : %d", CacheLineSize)

	size := unsafe.Sizeof(counterStripe{})
	t.Log("counterStripe size:", size)
	if //goland:noinspection GoBoolExpressions
	enablePadding && size != CacheLineSize {
		t.Fatalf("counterStripe doesn't meet CacheLineSize: %d", size)
	}

	t.Log("bucket size:", unsafe.Sizeof(bucket[string, int]{}))
	t.Log("bucketArray size:", unsafe.Sizeof(bucketArray[string, int]{}))

	size = unsafe.Sizeof(HashMap[string, int]{})
	t.Log("HashMap size:", size)
	if size%CacheLineSize != 0 {
		t.Fatalf("HashMap is not cache-line aligned: %d", size)
	}

	size = unsafe.Sizeof(SegmentedHashMap[string, int]{})
	t.Log("SegmentedHashMap size:", size)
	if size%CacheLineSize != 0 {
		t.Fatalf("SegmentedHashMap is not cache-line aligned: %d", size)
	}
}

func TestMap_MissingEntry(t *testing.T) {
	m := NewHashMap[string, string]()
	v, ok := m.Load("foo")
	if ok {
		t.Fatalf("value was not expected: %v", v)
	}
	if _, deleted := m.DeleteIf("foo", func(string, string) bool { return true }); deleted {
		t.Fatal("delete of missing key was not expected to report success")
	}
	if v, loaded := m.LoadAndDelete("foo"); loaded {
		t.Fatalf("value was not expected: %v", v)
	}
}

func TestMap_EmptyStringKey(t *testing.T) {
	m := NewHashMap[string, string]()
	m.Store("", "foobar")
	v, ok := m.Load("")
	if !ok {
		t.Fatal("value was expected")
	}
	if v != "foobar" {
		t.Fatalf("value does not match: %v", v)
	}
}

func TestMapStore_ThenLoad(t *testing.T) {
	const numEntries = 128
	m := NewHashMap[string, int]()
	for i := 0; i < numEntries; i++ {
		m.Store(strconv.Itoa(i), i)
	}
	for i := 0; i < numEntries; i++ {
		v, ok := m.Load(strconv.Itoa(i))
		if !ok {
			t.Fatalf("value not found for %d", i)
		}
		if v != i {
			t.Fatalf("values do not match for %d: %v", i, v)
		}
	}
}

func TestMapStore_Overwrite(t *testing.T) {
	m := NewHashMap[int, int]()
	for i := 0; i < 100; i++ {
		m.Store(7, i)
	}
	if v, _ := m.Load(7); v != 99 {
		t.Fatalf("unexpected value: %d", v)
	}
	if s := m.Size(); s != 1 {
		t.Fatalf("unexpected size: %d", s)
	}
}

func TestMapSwap(t *testing.T) {
	m := NewHashMap[string, int]()
	if prev, loaded := m.Swap("foo", 1); loaded {
		t.Fatalf("previous value was not expected: %d", prev)
	}
	prev, loaded := m.Swap("foo", 2)
	if !loaded {
		t.Fatal("previous value was expected")
	}
	if prev != 1 {
		t.Fatalf("previous value does not match: %d", prev)
	}
}

func TestMapLoadOrStore(t *testing.T) {
	const numEntries = 128
	m := NewHashMap[string, int]()
	for i := 0; i < numEntries; i++ {
		if v, loaded := m.LoadOrStore(testData[i], i); loaded {
			t.Fatalf("value was not expected for %v: %d", testData[i], v)
		}
	}
	for i := 0; i < numEntries; i++ {
		v, loaded := m.LoadOrStore(testData[i], i*2)
		if !loaded {
			t.Fatalf("value was expected for %v", testData[i])
		}
		if v != i {
			t.Fatalf("value does not match for %v: %d", testData[i], v)
		}
	}
}

func TestMapLoadAndDelete(t *testing.T) {
	const numEntries = 128
	m := NewHashMap[int, int]()
	for i := 0; i < numEntries; i++ {
		m.Store(i, i)
	}
	for i := 0; i < numEntries; i++ {
		v, loaded := m.LoadAndDelete(i)
		if !loaded {
			t.Fatalf("value was expected for %d", i)
		}
		if v != i {
			t.Fatalf("value does not match for %d: %d", i, v)
		}
	}
	if !m.IsZero() {
		t.Fatalf("zero size was expected: %d", m.Size())
	}
	// Deleted keys must stay deleted.
	for i := 0; i < numEntries; i++ {
		if v, ok := m.Load(i); ok {
			t.Fatalf("deleted value was found for %d: %d", i, v)
		}
	}
}

func TestMapDelete_ThenReinsert(t *testing.T) {
	m := NewHashMap[string, int]()
	m.Store("foo", 1)
	m.Delete("foo")
	m.Store("foo", 2)
	v, ok := m.Load("foo")
	if !ok {
		t.Fatal("value was expected")
	}
	if v != 2 {
		t.Fatalf("value does not match: %d", v)
	}
	if s := m.Size(); s != 1 {
		t.Fatalf("unexpected size: %d", s)
	}
}

func TestMapDeleteIf(t *testing.T) {
	m := NewHashMap[string, int]()
	m.Store("foo", 42)
	if _, deleted := m.DeleteIf("foo", func(_ string, v int) bool { return v == 0 }); deleted {
		t.Fatal("delete was not expected")
	}
	if _, ok := m.Load("foo"); !ok {
		t.Fatal("entry should have survived")
	}
	if v, deleted := m.DeleteIf("foo", func(_ string, v int) bool { return v == 42 }); !deleted || v != 42 {
		t.Fatal("delete was expected")
	}
	if _, ok := m.Load("foo"); ok {
		t.Fatal("entry should have been removed")
	}
}

func TestMapCompute(t *testing.T) {
	m := NewHashMap[string, int]()
	// Store a new value.
	v, ok := m.Compute("foobar", func(oldValue int, loaded bool) (int, ComputeOp) {
		if oldValue != 0 {
			t.Fatalf("oldValue should be 0 when computing a new value: %d", oldValue)
		}
		if loaded {
			t.Fatal("loaded should be false when computing a new value")
		}
		return 42, UpdateOp
	})
	if v != 42 {
		t.Fatalf("v should be 42 when computing a new value: %d", v)
	}
	if !ok {
		t.Fatal("ok should be true when computing a new value")
	}
	// Update an existing value.
	v, ok = m.Compute("foobar", func(oldValue int, loaded bool) (int, ComputeOp) {
		if oldValue != 42 {
			t.Fatalf("oldValue should be 42 when updating the value: %d", oldValue)
		}
		if !loaded {
			t.Fatal("loaded should be true when updating the value")
		}
		return oldValue + 42, UpdateOp
	})
	if v != 84 {
		t.Fatalf("v should be 84 when updating the value: %d", v)
	}
	if !ok {
		t.Fatal("ok should be true when updating the value")
	}
	// Cancel on an existing value.
	v, ok = m.Compute("foobar", func(oldValue int, loaded bool) (int, ComputeOp) {
		return 0, CancelOp
	})
	if v != 84 {
		t.Fatalf("v should be 84 after a canceled update: %d", v)
	}
	if !ok {
		t.Fatal("ok should be true after a canceled update")
	}
	// Delete an existing value.
	v, ok = m.Compute("foobar", func(oldValue int, loaded bool) (int, ComputeOp) {
		return 0, DeleteOp
	})
	if v != 84 {
		t.Fatalf("v should be 84 when deleting the value: %d", v)
	}
	if ok {
		t.Fatal("ok should be false when deleting the value")
	}
	// Cancel on a missing value.
	v, ok = m.Compute("foobar", func(oldValue int, loaded bool) (int, ComputeOp) {
		if oldValue != 0 || loaded {
			t.Fatalf("entry was not expected: %d, %v", oldValue, loaded)
		}
		return 0, CancelOp
	})
	if v != 0 || ok {
		t.Fatalf("canceled missing entry should stay missing: %d, %v", v, ok)
	}
	if s := m.Size(); s != 0 {
		t.Fatalf("unexpected size: %d", s)
	}
}

func TestMapRange(t *testing.T) {
	const numEntries = 1000
	m := NewHashMap[int, int]()
	for i := 0; i < numEntries; i++ {
		m.Store(i, i)
	}
	seen := make(map[int]bool, numEntries)
	m.Range(func(k, v int) bool {
		if k != v {
			t.Fatalf("values do not match for %d: %d", k, v)
		}
		if seen[k] {
			t.Fatalf("key seen twice: %d", k)
		}
		seen[k] = true
		return true
	})
	if len(seen) != numEntries {
		t.Fatalf("range did not visit all entries: %d", len(seen))
	}
	// Early stop.
	visited := 0
	m.Range(func(k, v int) bool {
		visited++
		return visited < 13
	})
	if visited != 13 {
		t.Fatalf("range did not stop early: %d", visited)
	}
}

func TestMapRange_DuringResize(t *testing.T) {
	// A resize racing the iteration may move entries ahead of the walk
	// into the successor generation, so entries may be skipped. What
	// must hold regardless: every yielded pair is one that was stored,
	// and no untouched key is yielded twice.
	const numEntries = 64
	m := NewHashMap[int, int](WithPresize(numEntries))
	for i := 0; i < numEntries; i++ {
		m.Store(i, i)
	}
	seen := make(map[int]bool)
	grown := false
	m.Range(func(k, v int) bool {
		if !grown {
			grown = true
			for i := numEntries; i < numEntries*8; i++ {
				m.Store(i, i)
			}
		}
		if k != v {
			t.Fatalf("values do not match for %d: %d", k, v)
		}
		if k < 0 || k >= numEntries*8 {
			t.Fatalf("key was never stored: %d", k)
		}
		if seen[k] {
			t.Fatalf("key seen twice: %d", k)
		}
		seen[k] = true
		return true
	})
	if !grown {
		t.Fatal("range visited no entries")
	}
	// All entries survive the resize even when the walk misses them.
	for i := 0; i < numEntries*8; i++ {
		if v, ok := m.Load(i); !ok || v != i {
			t.Fatalf("value not found for %d: %d, %v", i, v, ok)
		}
	}
}

func TestMapClear(t *testing.T) {
	const numEntries = 1000
	m := NewHashMap[string, int]()
	for i := 0; i < numEntries; i++ {
		m.Store(strconv.Itoa(i), i)
	}
	if s := m.Size(); s != numEntries {
		t.Fatalf("unexpected size: %d", s)
	}
	m.Clear()
	if !m.IsZero() {
		t.Fatalf("zero size was expected: %d", m.Size())
	}
	for i := 0; i < numEntries; i++ {
		if _, ok := m.Load(strconv.Itoa(i)); ok {
			t.Fatalf("value was found for %d after clear", i)
		}
	}
	// Clearing an empty map is a no-op.
	m.Clear()
	if !m.IsZero() {
		t.Fatalf("zero size was expected: %d", m.Size())
	}
	if c := m.Capacity(); c != DefaultMinSlotLen {
		t.Fatalf("capacity was not reset: %d", c)
	}
	// The map stays usable after a clear.
	m.Store("foo", 1)
	if v, ok := m.Load("foo"); !ok || v != 1 {
		t.Fatalf("unexpected value after clear: %d, %v", v, ok)
	}
}

func TestMapWithPresize(t *testing.T) {
	sizeHint := 100_000
	m := NewHashMap[int, int](WithPresize(sizeHint))
	c := m.Capacity()
	if c < int(float64(sizeHint)/ArrayLoadFactor) {
		t.Fatalf("capacity too small for the hint: %d", c)
	}
	for i := 0; i < sizeHint; i++ {
		m.Store(i, i)
	}
	if g := m.Stats().TotalGrowths; g != 0 {
		t.Fatalf("zero total growths expected: %d", g)
	}
}

func TestMapResize(t *testing.T) {
	const numEntries = 100_000
	m := NewHashMap[string, int]()

	for i := 0; i < numEntries; i++ {
		m.Store(strconv.Itoa(i), i)
	}
	stats := m.Stats()
	if stats.Size != numEntries {
		t.Fatalf("size was too small: %d", stats.Size)
	}
	if stats.Counter != numEntries {
		t.Fatalf("counter was too small: %d", stats.Counter)
	}
	if stats.Capacity < numEntries {
		t.Fatalf("capacity was too small: %d", stats.Capacity)
	}
	if stats.Capacity > numEntries*4 {
		t.Fatalf("capacity was too large: %d", stats.Capacity)
	}
	if stats.TotalGrowths == 0 {
		t.Fatalf("non-zero total growths expected: %d", stats.TotalGrowths)
	}
	if stats.Frozen != 0 {
		t.Fatalf("no frozen slots expected after resize settled: %d", stats.Frozen)
	}
	// This is useful when debugging table resize and occupancy.
	// Use -v flag to see the output.
	t.Log(stats.ToString())

	for i := 0; i < numEntries; i++ {
		m.Delete(strconv.Itoa(i))
	}
	stats = m.Stats()
	if stats.Size > 0 {
		t.Fatalf("zero size was expected: %d", stats.Size)
	}
	// Removed entries leave tombstones behind until the next
	// generation change.
	if stats.Tombstones != numEntries {
		t.Fatalf("unexpected tombstone count: %d", stats.Tombstones)
	}
	m.Clear()
	stats = m.Stats()
	if stats.Capacity != DefaultMinSlotLen {
		t.Fatalf("capacity was not reset: %d", stats.Capacity)
	}
	if stats.Tombstones != 0 {
		t.Fatalf("tombstones survived a clear: %d", stats.Tombstones)
	}
	if stats.TotalClears != 1 {
		t.Fatalf("one clear expected: %d", stats.TotalClears)
	}
	t.Log(stats.ToString())
}

func TestMapIsZero_AfterResize(t *testing.T) {
	// An entry's slot index changes when it migrates to a larger
	// generation, so the size stripes must pair each key's increment
	// and decrement on one stripe or an empty map keeps non-zero
	// stripes forever.
	const numEntries = 1000
	m := NewHashMap[int, int]()
	for i := 0; i < numEntries; i++ {
		m.Store(i, i)
	}
	for i := 0; i < numEntries; i++ {
		m.Delete(i)
	}
	if s := m.Size(); s != 0 {
		t.Fatalf("zero size was expected: %d", s)
	}
	if !m.IsZero() {
		t.Fatal("zero map was expected")
	}
}

func TestMapResize_CounterLenLimit(t *testing.T) {
	m := NewHashMap[string, string]()
	maxCounterLen := runtime.GOMAXPROCS(0) * 2
	if s := m.Stats(); s.CounterLen > maxCounterLen {
		t.Fatalf("number of counter stripes was too large: %d, expected: %d",
			s.CounterLen, maxCounterLen)
	}
}

func TestNewHashMapWithHasher(t *testing.T) {
	const numEntries = 1000
	m := NewHashMapWithHasher[string, int](
		func(key string, seed uintptr) uintptr {
			return uintptr(murmur3.Sum64WithSeed([]byte(key), uint32(seed)))
		},
	)
	for i := 0; i < numEntries; i++ {
		m.Store(strconv.Itoa(i), i)
	}
	for i := 0; i < numEntries; i++ {
		v, ok := m.Load(strconv.Itoa(i))
		if !ok {
			t.Fatalf("value not found for %d", i)
		}
		if v != i {
			t.Fatalf("values do not match for %d: %v", i, v)
		}
	}
}

func TestNewHashMapWithHasher_DegenerateHasher(t *testing.T) {
	// A constant hash is terrible for performance but must not affect
	// correctness.
	const numEntries = 100
	m := NewHashMapWithHasher[int, int](
		func(key int, seed uintptr) uintptr { return 42 },
	)
	for i := 0; i < numEntries; i++ {
		m.Store(i, i)
	}
	for i := 0; i < numEntries; i++ {
		v, ok := m.Load(i)
		if !ok {
			t.Fatalf("value not found for %d", i)
		}
		if v != i {
			t.Fatalf("values do not match for %d: %v", i, v)
		}
	}
	if s := m.Size(); s != numEntries {
		t.Fatalf("unexpected size: %v", s)
	}
}

func sizeBasedOnRange(m *HashMap[string, int]) int {
	size := 0
	m.Range(func(key string, value int) bool {
		size++
		return true
	})
	return size
}

func parallelSeqResizer(m *HashMap[int, int], numEntries int, positive bool, cdone chan bool) {
	for i := 0; i < numEntries; i++ {
		if positive {
			m.Store(i, i)
		} else {
			m.Store(-i, -i)
		}
	}
	cdone <- true
}

func TestMapParallelResize_GrowOnly(t *testing.T) {
	const numEntries = 100_000
	m := NewHashMap[int, int]()
	cdone := make(chan bool)
	go parallelSeqResizer(m, numEntries, true, cdone)
	go parallelSeqResizer(m, numEntries, false, cdone)
	// Wait for the goroutines to finish.
	<-cdone
	<-cdone
	// Verify map contents.
	for i := -numEntries + 1; i < numEntries; i++ {
		v, ok := m.Load(i)
		if !ok {
			t.Fatalf("value not found for %d", i)
		}
		if v != i {
			t.Fatalf("values do not match for %d: %v", i, v)
		}
	}
	if s := m.Size(); s != 2*numEntries-1 {
		t.Fatalf("unexpected size: %v", s)
	}
}

func parallelRandResizer(m *HashMap[string, int], numIters, numEntries int, cdone chan bool) {
	for i := 0; i < numIters; i++ {
		coin := rand.Int64N(2)
		for j := 0; j < numEntries; j++ {
			if coin == 1 {
				m.Store(strconv.Itoa(j), j)
			} else {
				m.Delete(strconv.Itoa(j))
			}
		}
	}
	cdone <- true
}

func TestMapParallelResize(t *testing.T) {
	const numIters = 1_000
	const numEntries = 2 * DefaultMinSlotLen
	m := NewHashMap[string, int]()
	cdone := make(chan bool)
	go parallelRandResizer(m, numIters, numEntries, cdone)
	go parallelRandResizer(m, numIters, numEntries, cdone)
	// Wait for the goroutines to finish.
	<-cdone
	<-cdone
	// Verify map contents.
	for i := 0; i < numEntries; i++ {
		v, ok := m.Load(strconv.Itoa(i))
		if !ok {
			// The entry may be deleted and that's ok.
			continue
		}
		if v != i {
			t.Fatalf("values do not match for %d: %v", i, v)
		}
	}
	s := m.Size()
	if s > numEntries {
		t.Fatalf("unexpected size: %v", s)
	}
	if rs := sizeBasedOnRange(m); s != rs {
		t.Fatalf("size does not match number of entries in Range: %v, %v", s, rs)
	}
}

func parallelRandClearer(m *HashMap[string, int], numIters, numEntries int, cdone chan bool) {
	for i := 0; i < numIters; i++ {
		coin := rand.Int64N(2)
		for j := 0; j < numEntries; j++ {
			if coin == 1 {
				m.Store(strconv.Itoa(j), j)
			} else {
				m.Clear()
			}
		}
	}
	cdone <- true
}

func TestMapParallelClear(t *testing.T) {
	const numIters = 100
	const numEntries = 1_000
	m := NewHashMap[string, int]()
	cdone := make(chan bool)
	go parallelRandClearer(m, numIters, numEntries, cdone)
	go parallelRandClearer(m, numIters, numEntries, cdone)
	// Wait for the goroutines to finish.
	<-cdone
	<-cdone
	// Verify map size.
	s := m.Size()
	if s > numEntries {
		t.Fatalf("unexpected size: %v", s)
	}
	if rs := sizeBasedOnRange(m); s != rs {
		t.Fatalf("size does not match number of entries in Range: %v, %v", s, rs)
	}
}

func parallelSeqStorer(t *testing.T, m *HashMap[string, int], storeEach, numIters, numEntries int, cdone chan bool) {
	for i := 0; i < numIters; i++ {
		for j := 0; j < numEntries; j++ {
			if storeEach == 0 || j%storeEach == 0 {
				m.Store(strconv.Itoa(j), j)
				// Due to atomic snapshots we must see a "<j>"/j pair.
				v, ok := m.Load(strconv.Itoa(j))
				if !ok {
					t.Errorf("value was not found for %d", j)
					break
				}
				if v != j {
					t.Errorf("value was not expected for %d: %d", j, v)
					break
				}
			}
		}
	}
	cdone <- true
}

func TestMapParallelStores(t *testing.T) {
	const numStorers = 4
	const numIters = 10_000
	const numEntries = 100
	m := NewHashMap[string, int]()
	cdone := make(chan bool)
	for i := 0; i < numStorers; i++ {
		go parallelSeqStorer(t, m, i, numIters, numEntries, cdone)
	}
	// Wait for the goroutines to finish.
	for i := 0; i < numStorers; i++ {
		<-cdone
	}
	// Verify map contents.
	for i := 0; i < numEntries; i++ {
		v, ok := m.Load(strconv.Itoa(i))
		if !ok {
			t.Fatalf("value not found for %d", i)
		}
		if v != i {
			t.Fatalf("values do not match for %d: %v", i, v)
		}
	}
}

func TestMapParallelDisjointWriters(t *testing.T) {
	const numWorkers = 16
	const entriesPerWorker = 64
	const numEntries = numWorkers * entriesPerWorker
	m := NewHashMap[int, int]()
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for k := w * entriesPerWorker; k < (w+1)*entriesPerWorker; k++ {
				m.Store(k, k)
			}
		}(w)
	}
	wg.Wait()
	if s := m.Size(); s != numEntries {
		t.Fatalf("unexpected size: %d", s)
	}
	for k := 0; k < numEntries; k++ {
		v, ok := m.Load(k)
		if !ok {
			t.Fatalf("value not found for %d", k)
		}
		if v != k {
			t.Fatalf("values do not match for %d: %v", k, v)
		}
	}
	for k := numEntries; k < numEntries*2; k++ {
		if v, ok := m.Load(k); ok {
			t.Fatalf("value was not expected for %d: %v", k, v)
		}
	}
	if v, ok := m.Load(-1); ok {
		t.Fatalf("value was not expected for -1: %v", v)
	}
}

func TestMapParallelComputes(t *testing.T) {
	// Each increment must be applied exactly once, no matter how many
	// CAS retries it takes.
	const numWorkers = 8
	const numIters = 10_000
	m := NewHashMap[int, int]()
	cdone := make(chan bool)
	for i := 0; i < numWorkers; i++ {
		go func() {
			for j := 0; j < numIters; j++ {
				m.Compute(0, func(oldValue int, loaded bool) (int, ComputeOp) {
					return oldValue + 1, UpdateOp
				})
			}
			cdone <- true
		}()
	}
	for i := 0; i < numWorkers; i++ {
		<-cdone
	}
	v, ok := m.Load(0)
	if !ok {
		t.Fatal("counter was not found")
	}
	if v != numWorkers*numIters {
		t.Fatalf("lost updates: got %d, want %d", v, numWorkers*numIters)
	}
}

func parallelTypedRangeStorer(m *HashMap[int, int], numEntries int, stopFlag *int64, cdone chan bool) {
	for {
		for i := 0; i < numEntries; i++ {
			m.Store(i, i)
		}
		if atomic.LoadInt64(stopFlag) != 0 {
			break
		}
	}
	cdone <- true
}

func parallelTypedRangeDeleter(m *HashMap[int, int], numEntries int, stopFlag *int64, cdone chan bool) {
	for {
		for i := 0; i < numEntries; i++ {
			m.Delete(i)
		}
		if atomic.LoadInt64(stopFlag) != 0 {
			break
		}
	}
	cdone <- true
}

func TestMapParallelRange(t *testing.T) {
	const numEntries = 10_000
	m := NewHashMap[int, int]()
	for i := 0; i < numEntries; i++ {
		m.Store(i, i)
	}
	// Start goroutines that would be storing and deleting items in parallel.
	cdone := make(chan bool)
	stopFlag := int64(0)
	go parallelTypedRangeStorer(m, numEntries, &stopFlag, cdone)
	go parallelTypedRangeDeleter(m, numEntries, &stopFlag, cdone)
	// Iterate the map and verify that no duplicate keys were met.
	met := make(map[int]int)
	m.Range(func(key int, value int) bool {
		if key != value {
			t.Fatalf("got unexpected value for key %d: %d", key, value)
			return false
		}
		met[key] += 1
		return true
	})
	if len(met) == 0 {
		t.Fatal("no entries were met when iterating")
	}
	for k, c := range met {
		if c != 1 {
			t.Fatalf("met key %d multiple times: %d", k, c)
		}
	}
	// Make sure that both goroutines finish.
	atomic.StoreInt64(&stopFlag, 1)
	<-cdone
	<-cdone
}
