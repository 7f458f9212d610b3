package parallel

import (
	"github.com/pkg/errors"

	"github.com/traceir/enginejit/dtype"
	"github.com/traceir/enginejit/internal/workerpool"
)

// ReduceBytes dispatches Reduce by element kind, reading in as a []T view
// (no copy) and writing the scalar result into a freshly allocated out
// buffer of one element. It implements spec §4.5's reduce(type, op, in, n,
// out) contract directly in terms of the allocator-free, pool-agnostic
// generic Reduce above -- the caller (sched/engine) owns buffer lifetime.
func ReduceBytes(pool *workerpool.Pool, kind dtype.Kind, op Op, in []byte) ([]byte, error) {
	if (kind == dtype.F32 || kind == dtype.F64) && (op == OpAnd || op == OpOr) {
		return nil, errors.Errorf("parallel: reduce: bitwise op on float kind %s", kind)
	}
	switch kind {
	case dtype.I8:
		return scalarBytes(Reduce(pool, op, asSlice[int8](in)))
	case dtype.U8:
		return scalarBytes(Reduce(pool, op, asSlice[uint8](in)))
	case dtype.I16:
		return scalarBytes(Reduce(pool, op, asSlice[int16](in)))
	case dtype.U16:
		return scalarBytes(Reduce(pool, op, asSlice[uint16](in)))
	case dtype.I32:
		return scalarBytes(Reduce(pool, op, asSlice[int32](in)))
	case dtype.U32:
		return scalarBytes(Reduce(pool, op, asSlice[uint32](in)))
	case dtype.I64:
		return scalarBytes(Reduce(pool, op, asSlice[int64](in)))
	case dtype.U64:
		return scalarBytes(Reduce(pool, op, asSlice[uint64](in)))
	case dtype.F32:
		return scalarBytes(Reduce(pool, op, asSlice[float32](in)))
	case dtype.F64:
		return scalarBytes(Reduce(pool, op, asSlice[float64](in)))
	default:
		return nil, errors.Errorf("parallel: reduce: unsupported element kind %s", kind)
	}
}

func scalarBytes[T any](v T) ([]byte, error) {
	buf := make([]byte, sizeOf[T]())
	asSlice[T](buf)[0] = v
	return buf, nil
}

// TransposeBytes dispatches Transpose by element kind, reading/writing in
// and out as byte buffers reinterpreted at kind's width -- the same
// no-copy, buffer-reinterpretation bridge ReduceBytes uses, letting a
// caller that only has raw materialized buffers (the engine's client API)
// drive the generic Transpose[T] without knowing T at compile time.
func TransposeBytes(pool *workerpool.Pool, kind dtype.Kind, in, out []byte, rows, cols int) error {
	switch kind {
	case dtype.I8, dtype.U8, dtype.Bool:
		Transpose(pool, asSlice[uint8](in), asSlice[uint8](out), rows, cols)
	case dtype.I16, dtype.U16, dtype.F16:
		Transpose(pool, asSlice[uint16](in), asSlice[uint16](out), rows, cols)
	case dtype.I32, dtype.U32, dtype.F32:
		Transpose(pool, asSlice[uint32](in), asSlice[uint32](out), rows, cols)
	case dtype.I64, dtype.U64, dtype.F64, dtype.Ptr:
		Transpose(pool, asSlice[uint64](in), asSlice[uint64](out), rows, cols)
	default:
		return errors.Errorf("parallel: transpose: unsupported element kind %s", kind)
	}
	return nil
}
