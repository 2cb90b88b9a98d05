//go:build cht_opt_cachelinesize_64

package cht

const CacheLineSize = 64
