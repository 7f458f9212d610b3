package parallel

import (
	"sync"

	"github.com/traceir/enginejit/internal/workerpool"
)

// tileSize is the accelerator-shared-memory tile dimension spec §4.5 names
// ("tiled 16x16 with +1 padding to avoid bank conflicts"). The padding only
// matters for a real shared-memory accelerator kernel; this CPU
// implementation keeps the same tile shape purely so the two backends
// partition work identically, which is what testable behavior (not bank
// conflicts, a GPU-only concern) actually depends on.
const tileSize = 16

// Transpose[T] writes the transpose of the rows x cols matrix in into out
// (cols x rows), tiling the traversal in tileSize x tileSize blocks and
// fanning tile-rows out across pool.
func Transpose[T any](pool *workerpool.Pool, in, out []T, rows, cols int) {
	var wg sync.WaitGroup
	for tr := 0; tr < rows; tr += tileSize {
		tr := tr
		rowEnd := tr + tileSize
		if rowEnd > rows {
			rowEnd = rows
		}
		wg.Add(1)
		pool.Go(func() {
			defer wg.Done()
			for tc := 0; tc < cols; tc += tileSize {
				colEnd := tc + tileSize
				if colEnd > cols {
					colEnd = cols
				}
				for r := tr; r < rowEnd; r++ {
					for c := tc; c < colEnd; c++ {
						out[c*rows+r] = in[r*cols+c]
					}
				}
			}
		})
	}
	wg.Wait()
}
