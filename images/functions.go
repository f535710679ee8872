// Package images - Shared numeric helpers for the pixel-level operations.
package images

import (
	"math"
	"runtime"
	"sync"
)

// Clamp restricts value to [lo, hi]. Sample quantization uses it to keep
// blended values inside the unit range.
func Clamp(value, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, value))
}

// HalfCPU returns half of the available hardware threads, and at least one.
func HalfCPU() int {
	return max(1, runtime.NumCPU()/2)
}

// ParallelWorkers executes fn over [0, dataSize) split into at most workers
// contiguous partitions. Partitions never overlap, so fn may write to disjoint
// regions of a shared output without locking.
//
// Arguments:
// - workers: Upper bound on the number of goroutines.
// - dataSize: The size of the data to process.
// - fn: Function to execute for each partition (receives start and end indices).
func ParallelWorkers(workers, dataSize int, fn func(partStart, partEnd int)) {
	if dataSize <= 0 {
		return
	}
	if workers < 1 {
		workers = 1
	}

	// For small data sizes, parallel processing overhead isn't worth it.
	if workers == 1 || dataSize < workers*2 {
		fn(0, dataSize)
		return
	}

	partSize := dataSize / workers

	var wg sync.WaitGroup
	wg.Add(workers)

	for i := 0; i < workers; i++ {
		partStart := i * partSize
		partEnd := partStart + partSize

		// Last partition gets any remaining data.
		if i == workers-1 {
			partEnd = dataSize
		}

		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(partStart, partEnd)
	}

	wg.Wait()
}
