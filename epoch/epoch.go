// Package epoch implements epoch-based deferred execution for lock-free
// data structures.
//
// A goroutine pins itself before touching shared lock-free state and
// unpins when it is done. While at least one guard from an older epoch
// is still pinned, the global epoch cannot advance, and functions
// deferred behind that epoch do not run. Once the global epoch has
// advanced twice past the epoch a function was deferred in, no pinned
// goroutine can still observe the state it tears down, and it runs.
//
// Go's garbage collector already prevents use-after-free, so unlike its
// C and Rust counterparts this package is not needed for memory safety.
// What it provides is deterministic teardown: a retired structure can be
// aggressively dismantled (pointers severed, slices dropped) the moment
// no reader can still be traversing it, instead of lingering until the
// last stale reference dies.
package epoch

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

const (
	// slotCount bounds the number of concurrently pinned guards.
	// Must be a power of two.
	slotCount = 1024

	// collectThreshold is the number of pending deferred functions
	// that triggers a collection attempt on Unpin.
	collectThreshold = 64
)

// pslot is one pin reservation. epoch is 0 when the slot is free and
// holds the guard's pinned epoch otherwise.
type pslot struct {
	epoch atomic.Uintptr
	//lint:ignore U1000 prevents false sharing
	_ cpu.CacheLinePad
}

// deferred is a node in a bag's intrusive list.
type deferred struct {
	fn   func()
	next *deferred
}

type bag struct {
	head atomic.Pointer[deferred]
	//lint:ignore U1000 prevents false sharing
	_ cpu.CacheLinePad
}

var (
	// globalEpoch starts at 1 so that 0 can mean "slot free".
	globalEpoch atomic.Uintptr

	slots [slotCount]pslot

	// bags[e%3] holds the functions deferred while the global epoch
	// was e. They run when the global epoch reaches e+2.
	bags [3]bag

	pinSeq  atomic.Uintptr
	pending atomic.Int32
)

func init() {
	globalEpoch.Store(1)
}

// Guard represents one pinned critical section. A Guard is only valid
// between the Pin that produced it and the matching Unpin, and must not
// be shared across goroutines.
type Guard struct {
	slot *pslot
}

// Pin enters a critical section and returns its guard. Every Pin must
// be paired with exactly one Unpin. The guard is returned by value so
// pinning does not allocate; keep it on the stack.
func Pin() Guard {
	s := acquireSlot()
	// The slot was claimed with the epoch current at claim time; if the
	// global epoch advanced since, republish so the claim is never
	// stale below the global value.
	for {
		e := globalEpoch.Load()
		if s.epoch.Load() == e {
			break
		}
		s.epoch.Store(e)
	}
	return Guard{slot: s}
}

// Defer schedules fn to run after every goroutine pinned at this moment
// has unpinned. The guard must still be pinned. fn runs on whichever
// goroutine triggers the collection, so it must not block.
func (g *Guard) Defer(fn func()) {
	e := globalEpoch.Load()
	b := &bags[e%3]
	d := &deferred{fn: fn}
	for {
		head := b.head.Load()
		d.next = head
		if b.head.CompareAndSwap(head, d) {
			break
		}
	}
	pending.Add(1)
}

// Unpin leaves the critical section. The guard must not be used again.
func (g *Guard) Unpin() {
	s := g.slot
	if s == nil {
		return
	}
	g.slot = nil
	s.epoch.Store(0)
	if pending.Load() >= collectThreshold {
		Collect()
	}
}

// Collect attempts to advance the global epoch once and run the
// deferred functions that can no longer be observed by any pinned
// guard. It is a no-op while a guard from an older epoch is pinned.
// Collection also happens automatically as guards unpin; calling it
// directly is only needed to force prompt teardown, e.g. in tests.
func Collect() {
	e := globalEpoch.Load()
	for i := range slots {
		v := slots[i].epoch.Load()
		if v != 0 && v != e {
			// A guard is still pinned in an older epoch.
			return
		}
	}
	if !globalEpoch.CompareAndSwap(e, e+1) {
		return
	}
	// The global epoch is now e+1: everything deferred in epoch e-1
	// predates every guard that is still pinned.
	drain(&bags[(e+2)%3])
}

// drain detaches the bag's list and runs it.
func drain(b *bag) {
	d := b.head.Swap(nil)
	for ; d != nil; d = d.next {
		pending.Add(-1)
		d.fn()
	}
}

// acquireSlot claims a free pin slot, publishing the current global
// epoch into it. The starting probe position rotates so concurrent
// pins spread across the slot array.
func acquireSlot() *pslot {
	i := pinSeq.Add(1)
	for {
		for j := uintptr(0); j < slotCount; j++ {
			s := &slots[(i+j)&(slotCount-1)]
			e := globalEpoch.Load()
			if s.epoch.Load() == 0 && s.epoch.CompareAndSwap(0, e) {
				return s
			}
		}
		// All slots taken: more than slotCount concurrent pins.
		// Another guard unpinning frees a slot.
	}
}
