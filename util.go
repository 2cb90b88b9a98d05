package cht

import (
	"math/bits"
	"sync/atomic"
	"time"
	"unsafe"
)

// enableSpin lets delay() spin on the CPU (PAUSE instruction) for a few
// rounds before falling back to sleeping. Effective on multicore machines.
const enableSpin = true

// nextPowOf2 calculates the smallest power of 2 that is greater than or equal to n.
// Compatible with both 32-bit and 64-bit systems.
func nextPowOf2(n int) int {
	if n <= 0 {
		return 1
	}

	if bits.UintSize == 32 {
		v := uint32(n)
		v--
		v |= v >> 1
		v |= v >> 2
		v |= v >> 4
		v |= v >> 8
		v |= v >> 16
		v++
		return int(v)
	}

	v := uint64(n)
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	v++
	return int(v)
}

// calcSlotLen computes the slot count for a bucket array holding sizeHint
// entries without exceeding the load factor.
// The return value is always a power of 2, never below defaultMinSlotLen.
func calcSlotLen(sizeHint int) int {
	slotLen := defaultMinSlotLen
	if sizeHint > int(float64(defaultMinSlotLen)*arrayLoadFactor) {
		slotLen = nextPowOf2(int(float64(sizeHint) / arrayLoadFactor))
	}
	return slotLen
}

// calcStripeLen computes the striped counter count for a map.
// The return value is always a power of 2.
func calcStripeLen(cpus int) int {
	return nextPowOf2(min(cpus, maxCounterStripes))
}

// calcParallelism splits items into chunks for cooperative processing.
//
// Returns:
//   - chunkSize: number of items processed per claim
//   - chunks: number of claimable chunks
func calcParallelism(items, threshold, cpus int) (chunkSize, chunks int) {
	if items <= threshold {
		return items, 1
	}

	chunks = min(items/threshold, cpus)

	chunkSize = (items + chunks - 1) / chunks

	return chunkSize, chunks
}

// sumStripes folds a striped counter down to a single signed total.
func sumStripes(stripes []counterStripe) int {
	var sum uintptr
	for i := range stripes {
		sum += atomic.LoadUintptr(&stripes[i].c)
	}
	return int(sum)
}

// addStripe atomically adds delta to the stripe selected by idx.
func addStripe(stripes []counterStripe, idx uintptr, delta int) {
	cidx := uintptr(len(stripes)-1) & idx
	atomic.AddUintptr(&stripes[cidx].c, uintptr(delta))
}

// noescape hides a pointer from escape analysis.  noescape is
// the identity function but escape analysis doesn't think the
// output depends on the input.  noescape is inlined and currently
// compiles down to zero instructions.
// USE CAREFULLY!
//
// nolint:all
//
//go:nosplit
func noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}

// delay backs off after a contended CAS failure. It spins while the
// runtime considers spinning productive and sleeps otherwise.
func delay(spins *int) {
	const yieldSleep = 500 * time.Microsecond
	if enableSpin && runtime_canSpin(*spins) {
		runtime_doSpin()
		*spins++
	} else {
		// time.Sleep with non-zero duration works effectively
		// as backoff under high concurrency.
		time.Sleep(yieldSleep)
		*spins = 0
	}
}

// nolint:all
//
//go:linkname runtime_canSpin sync.runtime_canSpin
//go:nosplit
func runtime_canSpin(i int) bool

// nolint:all
//
//go:linkname runtime_doSpin sync.runtime_doSpin
//go:nosplit
func runtime_doSpin()
