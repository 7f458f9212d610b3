package parallel

import (
	"sort"
	"sync"

	"github.com/traceir/enginejit/internal/workerpool"
)

// Variant is the resource-pressure-driven strategy mkperm selects between
// (spec §4.5): the choice only changes how intermediate per-block histograms
// are stored/tiled on the accelerator path, never the result. This CPU
// implementation (single-threaded counting sort, augmented with a parallel
// per-block histogram pass matching the accelerator's "tiny/small" shape for
// large n) produces the same stable permutation for every input: Mkperm
// takes no Variant and does not call SelectVariant, which exists so callers
// and tests can assert the selection rule itself.
type Variant int

const (
	VariantTiny Variant = iota
	VariantSmall
	VariantLarge
)

// SelectVariant implements spec §4.5's selection rule: tiny if B*4*warpCount
// fits the shared-memory budget, small if just B*4 fits, else large.
func SelectVariant(bucketCount, warpCount, sharedMemBytes int) Variant {
	const u32 = 4
	if bucketCount*u32*warpCount <= sharedMemBytes {
		return VariantTiny
	}
	if bucketCount*u32 <= sharedMemBytes {
		return VariantSmall
	}
	return VariantLarge
}

// Bucket is one non-empty bucket's descriptor (spec §4.5: "four u32 per
// non-empty bucket: {key, start, count, reserved}").
type Bucket struct {
	Key, Start, Count, Reserved uint32
}

// histogramBlock is the block size the parallel histogram pass processes per
// goroutine before the results are merged serially -- large enough to make
// fan-out worthwhile, matching ScanExclusiveU32's block-scan capacity so both
// primitives share one notion of "big enough to parallelize".
const histogramBlock = blockScanCapacity

// Mkperm implements spec §4.5's mkperm: given keys[i] in [0, B), produce a
// stable permutation of [0,n) grouped by key, plus a compact descriptor of
// each non-empty bucket (with a trailing sentinel giving the total), and the
// count of distinct keys actually present.
func Mkperm(pool *workerpool.Pool, keys []uint32, bucketCount int) (perm []uint32, offsets []Bucket, uniqueCount int) {
	n := len(keys)
	perm = make([]uint32, n)
	if n == 0 {
		return perm, []Bucket{{Key: uint32(bucketCount), Start: 0}}, 0
	}

	counts := histogram(pool, keys, bucketCount)

	starts := make([]uint32, bucketCount)
	var running uint32
	for k := 0; k < bucketCount; k++ {
		starts[k] = running
		running += counts[k]
	}

	cursor := append([]uint32(nil), starts...)
	for i, key := range keys {
		pos := cursor[key]
		cursor[key]++
		perm[pos] = uint32(i)
	}

	for k := 0; k < bucketCount; k++ {
		if counts[k] == 0 {
			continue
		}
		offsets = append(offsets, Bucket{Key: uint32(k), Start: starts[k], Count: counts[k]})
		uniqueCount++
	}
	offsets = append(offsets, Bucket{Key: uint32(bucketCount), Start: uint32(n)})
	return perm, offsets, uniqueCount
}

// histogram counts occurrences of each key, splitting keys into blocks
// counted concurrently on pool and merged serially -- merge order doesn't
// affect the result since counting is commutative, only the final
// stable-placement pass (sequential, above) determines output order.
func histogram(pool *workerpool.Pool, keys []uint32, bucketCount int) []uint32 {
	n := len(keys)
	if n <= histogramBlock {
		counts := make([]uint32, bucketCount)
		for _, k := range keys {
			counts[k]++
		}
		return counts
	}

	numBlocks := (n + histogramBlock - 1) / histogramBlock
	partials := make([][]uint32, numBlocks)
	var wg sync.WaitGroup
	for b := 0; b < numBlocks; b++ {
		lo := b * histogramBlock
		hi := lo + histogramBlock
		if hi > n {
			hi = n
		}
		b, lo, hi := b, lo, hi
		wg.Add(1)
		pool.Go(func() {
			defer wg.Done()
			local := make([]uint32, bucketCount)
			for _, k := range keys[lo:hi] {
				local[k]++
			}
			partials[b] = local
		})
	}
	pool.Asleep()
	wg.Wait()
	pool.Awake()

	counts := make([]uint32, bucketCount)
	for _, local := range partials {
		for k, c := range local {
			counts[k] += c
		}
	}
	return counts
}

// StableOrderPreserved reports whether perm, restricted to indices sharing
// key, preserves their relative input order -- the tiny-variant stability
// property spec §8 lists as testable.
func StableOrderPreserved(keys []uint32, perm []uint32, key uint32) bool {
	var positions []int
	for outPos, srcIdx := range perm {
		if keys[srcIdx] == key {
			positions = append(positions, int(srcIdx))
		}
		_ = outPos
	}
	return sort.IntsAreSorted(positions)
}
