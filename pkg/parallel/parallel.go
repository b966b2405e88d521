// Package parallel provides a small range-splitting helper for CPU-bound
// loops over sample indices (feature assembly, ensemble prediction).
package parallel

import (
	"runtime"
	"sync"
)

// sequentialThreshold is the item count below which splitting work across
// goroutines costs more than it saves.
const sequentialThreshold = 256

// ForRange splits [0, items) into contiguous chunks and runs fn(start, end)
// concurrently, one chunk per worker, bounded by GOMAXPROCS. Small inputs
// run sequentially. fn must be safe to call on disjoint ranges.
func ForRange(items int, fn func(start, end int)) {
	if items <= 0 {
		return
	}
	if items <= sequentialThreshold {
		fn(0, items)
		return
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > items {
		workers = items
	}
	chunk := (items + workers - 1) / workers

	var wg sync.WaitGroup
	for start := 0; start < items; start += chunk {
		end := start + chunk
		if end > items {
			end = items
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}
