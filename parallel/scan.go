package parallel

import (
	"sync"

	"github.com/traceir/enginejit/internal/workerpool"
)

// blockScanCapacity is the per-block size above which ScanExclusiveU32
// recurses on the per-block sums rather than folding them in with a single
// serial pass (spec §4.5: "recursive call on the per-block sums for n >
// block-scan-capacity").
const blockScanCapacity = 1024

// ScanExclusiveU32 computes the exclusive prefix sum of in into a freshly
// allocated slice (safe to alias in, per spec, but this implementation
// always allocates fresh to keep the recursion simple). Two-level block scan:
// each block's local exclusive scan and sum are computed in parallel on pool,
// the per-block sums are themselves scanned (recursively if that array still
// exceeds blockScanCapacity), then each block's elements are offset by its
// block's exclusive sum. Waits on sub-tasks go through the pool's
// Asleep/Awake protocol, so a worker recursing here never wedges the pool by
// holding its slot while blocked.
func ScanExclusiveU32(pool *workerpool.Pool, in []uint32) []uint32 {
	out := make([]uint32, len(in))
	if len(in) == 0 {
		return out
	}
	if len(in) <= blockScanCapacity {
		scanSerial(in, out)
		return out
	}

	numBlocks := (len(in) + blockScanCapacity - 1) / blockScanCapacity
	blockSums := make([]uint32, numBlocks)

	var wg sync.WaitGroup
	for b := 0; b < numBlocks; b++ {
		lo := b * blockScanCapacity
		hi := lo + blockScanCapacity
		if hi > len(in) {
			hi = len(in)
		}
		b, lo, hi := b, lo, hi
		wg.Add(1)
		pool.Go(func() {
			defer wg.Done()
			blockSums[b] = scanSerial(in[lo:hi], out[lo:hi])
		})
	}
	pool.Asleep()
	wg.Wait()
	pool.Awake()

	// Recursively scan the per-block sums to get each block's base offset.
	blockOffsets := ScanExclusiveU32(pool, blockSums)

	var offsetWG sync.WaitGroup
	for b := 0; b < numBlocks; b++ {
		lo := b * blockScanCapacity
		hi := lo + blockScanCapacity
		if hi > len(in) {
			hi = len(in)
		}
		base := blockOffsets[b]
		offsetWG.Add(1)
		pool.Go(func() {
			defer offsetWG.Done()
			for i := lo; i < hi; i++ {
				out[i] += base
			}
		})
	}
	pool.Asleep()
	offsetWG.Wait()
	pool.Awake()
	return out
}

// scanSerial writes the exclusive scan of in into out (same length) and
// returns the total sum of in.
func scanSerial(in, out []uint32) uint32 {
	var sum uint32
	for i, v := range in {
		out[i] = sum
		sum += v
	}
	return sum
}
