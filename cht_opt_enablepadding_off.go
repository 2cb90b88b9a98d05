//go:build !cht_opt_enablepadding

package cht

const enablePadding = false

// counterStripe represents a striped counter to reduce contention.
type counterStripe struct {
	c uintptr // Counter value, accessed atomically
}
