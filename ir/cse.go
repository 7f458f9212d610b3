package ir

import "github.com/traceir/enginejit/dtype"

// cseBucket is the coarse key the CSE cache fans out on before checking
// full equality: bucket by (stmt, operand count, first operand, kind) rather
// than hashing the full tuple, then compare candidates exactly. This avoids
// requiring stmt strings that embed immediate constants to be collision-free
// under a single hash.
type cseBucket struct {
	stmt     string
	kind     dtype.Kind
	numDep   int
	firstDep ID
}

func bucketOf(stmt string, deps []ID, kind dtype.Kind) cseBucket {
	var first ID
	if len(deps) > 0 {
		first = deps[0]
	}
	return cseBucket{stmt: stmt, kind: kind, numDep: len(deps), firstDep: first}
}

// cseLookup returns an existing eligible node equal to (stmt, deps, kind), or
// nil.
func (t *Table) cseLookup(stmt string, deps []ID, kind dtype.Kind) *Variable {
	key := bucketOf(stmt, deps, kind)
	for _, cand := range t.cse[key] {
		if !cand.cseEligible() {
			continue
		}
		if cand.stmt != stmt || cand.kind != kind || cand.numDep != len(deps) {
			continue
		}
		match := true
		for i, d := range deps {
			if cand.deps[i] != d {
				match = false
				break
			}
		}
		if match {
			return cand
		}
	}
	return nil
}

// cseInsert records v under its bucket key. Caller must only call this for
// CSE-eligible nodes; lookup and insertion happen at append time only.
func (t *Table) cseInsert(v *Variable) {
	key := bucketOf(v.stmt, v.deps[:v.numDep], v.kind)
	t.cse[key] = append(t.cse[key], v)
}

// cseRemove drops v's entry, if present. Called on materialization, so
// later appends never fold against a stale entry, and on finalization.
func (t *Table) cseRemove(v *Variable) {
	key := bucketOf(v.stmt, v.deps[:v.numDep], v.kind)
	cands := t.cse[key]
	for i, cand := range cands {
		if cand == v {
			t.cse[key] = append(cands[:i], cands[i+1:]...)
			return
		}
	}
}

// CSESize returns the number of live CSE-cache entries. Tests use it to
// assert the one-entry-per-eligible-node invariant and emptiness after
// shutdown.
func (t *Table) CSESize() int {
	n := 0
	for _, cands := range t.cse {
		n += len(cands)
	}
	return n
}

// PtrInternSize returns the number of live var_from_ptr entries.
func (t *Table) PtrInternSize() int { return len(t.ptrIntern) }
