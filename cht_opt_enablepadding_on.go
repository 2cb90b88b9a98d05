//go:build cht_opt_enablepadding

package cht

import "unsafe"

// enablePadding pads the striped counters out to a full cache line,
// which can mitigate false sharing on some machine architectures at
// the cost of a little extra memory. Off by default.
const enablePadding = true

// counterStripe represents a striped counter to reduce contention.
type counterStripe struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		c uintptr
	}{})%CacheLineSize) % CacheLineSize]byte
	c uintptr // Counter value, accessed atomically
}
