//go:build cht_opt_cachelinesize_128

package cht

const CacheLineSize = 128
