package pool

import "github.com/traceir/enginejit/stream"

// releaseEntry is one freed block awaiting its gating stream to reach point
// before it can be recycled.
type releaseEntry struct {
	point stream.Point
	block *Block
}

// chain is a per-stream release chain: a FIFO of freed allocations whose
// reuse is gated on that stream reaching a recorded point. Entries are appended in increasing point order
// because Free always records the stream's current tail point, so draining
// the head while it's reached is sufficient -- no need to scan past an
// unreached entry.
type chain struct {
	entries []releaseEntry
}

func (c *chain) push(p stream.Point, b *Block) {
	c.entries = append(c.entries, releaseEntry{point: p, block: b})
}

// drain removes and returns every entry at the head of the chain whose point
// has been reached by st.
func (c *chain) drain(st *stream.Stream) []*Block {
	var ready []*Block
	i := 0
	for ; i < len(c.entries); i++ {
		if !st.Reached(c.entries[i].point) {
			break
		}
		ready = append(ready, c.entries[i].block)
	}
	c.entries = c.entries[i:]
	return ready
}
