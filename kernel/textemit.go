package kernel

import (
	"fmt"
	"strings"

	"github.com/traceir/enginejit/ir"
)

// TextEmitter is the reference SourceEmitter used by both backend/cpu and
// backend/accel: a readable preamble/body/epilogue text, stable under byte
// equality, used only as the kernel-cache key and for debugging. Real PTX or
// LLVM-IR emission is the external codegen collaborator this stands in for.
type TextEmitter struct {
	// Tag labels the emitted dialect ("cpu", "ptx", "llvm-ir", ...) so two
	// backends never accidentally collide on the same cache key.
	Tag string
}

// Emit renders nodes as pseudo-assembly. Register numbering and input slots
// are kernel-local, so two structurally identical traces emit byte-identical
// source and share one cache entry regardless of the global ids involved.
// Element sizes are launch arguments, not part of the source; only a node's
// scalar-ness (broadcast) is encoded.
func (e TextEmitter) Emit(nodes []*ir.Variable, outputs []ir.ID) ([]byte, error) {
	local := make(map[ir.ID]int, len(nodes))
	for i, n := range nodes {
		local[n.ID()] = i
	}
	inputSlot := make(map[ir.ID]int)
	for _, n := range nodes {
		for _, d := range n.Deps() {
			if _, ok := local[d]; ok {
				continue
			}
			if _, ok := inputSlot[d]; !ok {
				inputSlot[d] = len(inputSlot)
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "; dialect=%s nodes=%d inputs=%d\n", e.Tag, len(nodes), len(inputSlot))
	for i, n := range nodes {
		fmt.Fprintf(&b, "%s r%d = %s", n.Kind(), i, n.Stmt())
		for _, d := range n.Deps() {
			if j, ok := local[d]; ok {
				fmt.Fprintf(&b, " r%d", j)
			} else {
				fmt.Fprintf(&b, " in%d", inputSlot[d])
			}
		}
		if n.Size() == 1 {
			b.WriteString(" ; scalar")
		}
		b.WriteByte('\n')
	}
	b.WriteString("; out =")
	for _, o := range outputs {
		if j, ok := local[o]; ok {
			fmt.Fprintf(&b, " r%d", j)
		} else {
			fmt.Fprintf(&b, " in%d", inputSlot[o])
		}
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}
