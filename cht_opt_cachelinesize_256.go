//go:build cht_opt_cachelinesize_256

package cht

const CacheLineSize = 256
