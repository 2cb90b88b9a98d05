//go:build cht_opt_cachelinesize_32

package cht

const CacheLineSize = 32
