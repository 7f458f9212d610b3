// Package parallel implements spec.md §4.5's contract for reduce,
// scan_exclusive_u32, mkperm and transpose -- the parallel-primitives
// library spec §1 scopes in only "beyond its contract" (i.e. a literal
// optimized multi-phase GPU implementation is out of scope; a correct
// functional implementation honoring the stated contract is not). All CPU
// fan-out goes through internal/workerpool, the same pool the CPU execution
// backend drives; passes that wait on sub-tasks they submitted (the
// recursive block-sum pass of scan, mkperm's per-block histogram) bracket
// the wait with the pool's Asleep/Awake protocol.
package parallel

import (
	"math"
	"sync"

	"golang.org/x/exp/constraints"

	"github.com/traceir/enginejit/internal/workerpool"
)

// Number is the element-type constraint every primitive in this package is
// generic over, mirroring the teacher's core-dtypes generics pattern.
type Number interface {
	constraints.Integer | constraints.Float
}

// Op names a reduce combining operation (spec §4.5).
type Op int

const (
	OpAdd Op = iota
	OpMul
	OpMin
	OpMax
	OpAnd
	OpOr
)

func combine[T Number](op Op, a, b T) T {
	switch op {
	case OpAdd:
		return a + b
	case OpMul:
		return a * b
	case OpMin:
		if a < b {
			return a
		}
		return b
	case OpMax:
		if a > b {
			return a
		}
		return b
	case OpAnd:
		return bitAnd(a, b)
	case OpOr:
		return bitOr(a, b)
	default:
		return a
	}
}

// bitAnd/bitOr only make sense for integer T; Reduce's kind dispatch never
// calls OpAnd/OpOr against a float kind, so the float case below is dead in
// practice but must still type-check generically -- constraints.Integer |
// constraints.Float doesn't admit the `&`/`|` operators directly, so each
// concrete integer width is handled by an explicit type switch instead.
func bitAnd[T Number](a, b T) T {
	switch x := any(a).(type) {
	case int8:
		return T(x & any(b).(int8))
	case int16:
		return T(x & any(b).(int16))
	case int32:
		return T(x & any(b).(int32))
	case int64:
		return T(x & any(b).(int64))
	case uint8:
		return T(x & any(b).(uint8))
	case uint16:
		return T(x & any(b).(uint16))
	case uint32:
		return T(x & any(b).(uint32))
	case uint64:
		return T(x & any(b).(uint64))
	default:
		return a
	}
}

func bitOr[T Number](a, b T) T {
	switch x := any(a).(type) {
	case int8:
		return T(x | any(b).(int8))
	case int16:
		return T(x | any(b).(int16))
	case int32:
		return T(x | any(b).(int32))
	case int64:
		return T(x | any(b).(int64))
	case uint8:
		return T(x | any(b).(uint8))
	case uint16:
		return T(x | any(b).(uint16))
	case uint32:
		return T(x | any(b).(uint32))
	case uint64:
		return T(x | any(b).(uint64))
	default:
		return a
	}
}

// identity returns op's identity element for T -- "the identity derived by
// invoking op with an empty range" (spec §4.5), made explicit per type since
// Go generics can't synthesize +Inf/MIN/MAX from a bare type parameter.
func identity[T Number](op Op) T {
	var zero T
	switch op {
	case OpAdd:
		return zero
	case OpMul:
		return T(1)
	case OpAnd:
		return onesT[T]()
	case OpOr:
		return zero
	case OpMin:
		return extremeT[T](true)
	case OpMax:
		return extremeT[T](false)
	default:
		return zero
	}
}

// onesT returns the all-bits-set value of T (the unsigned maximum / signed
// -1), used as the AND identity and the unsigned-Min identity alike.
func onesT[T Number]() T {
	var zero T
	switch any(zero).(type) {
	case int8:
		v := ^int8(0)
		return T(v)
	case int16:
		v := ^int16(0)
		return T(v)
	case int32:
		v := ^int32(0)
		return T(v)
	case int64:
		v := ^int64(0)
		return T(v)
	case uint8:
		v := ^uint8(0)
		return T(v)
	case uint16:
		v := ^uint16(0)
		return T(v)
	case uint32:
		v := ^uint32(0)
		return T(v)
	case uint64:
		v := ^uint64(0)
		return T(v)
	default:
		return zero
	}
}

// extremeT returns +Inf/MAX (wantMin=true picks the *identity for Min*,
// i.e. the largest representable value) or -Inf/MIN.
func extremeT[T Number](wantMin bool) T {
	var zero T
	switch any(zero).(type) {
	case float32:
		vMax, vMin := math.Inf(1), math.Inf(-1)
		if wantMin {
			return T(vMax)
		}
		return T(vMin)
	case float64:
		vMax, vMin := math.Inf(1), math.Inf(-1)
		if wantMin {
			return T(vMax)
		}
		return T(vMin)
	case int8:
		vMax, vMin := int8(math.MaxInt8), int8(math.MinInt8)
		if wantMin {
			return T(vMax)
		}
		return T(vMin)
	case int16:
		vMax, vMin := int16(math.MaxInt16), int16(math.MinInt16)
		if wantMin {
			return T(vMax)
		}
		return T(vMin)
	case int32:
		vMax, vMin := int32(math.MaxInt32), int32(math.MinInt32)
		if wantMin {
			return T(vMax)
		}
		return T(vMin)
	case int64:
		vMax, vMin := int64(math.MaxInt64), int64(math.MinInt64)
		if wantMin {
			return T(vMax)
		}
		return T(vMin)
	case uint8, uint16, uint32, uint64:
		if wantMin {
			return onesT[T]() // all bits set: the unsigned maximum.
		}
		return zero // 0: the unsigned minimum.
	default:
		return zero
	}
}

// Reduce combines xs left-to-right (modulo associative reordering across
// chunk boundaries -- spec doesn't require bitwise cross-backend identical
// results, Non-goals) using op, fanning chunk-local reductions out across
// pool and combining the per-chunk partials serially.
func Reduce[T Number](pool *workerpool.Pool, op Op, xs []T) T {
	if len(xs) == 0 {
		return identity[T](op)
	}
	const minChunk = 4096
	chunks := 1
	if len(xs) > minChunk {
		chunks = (len(xs) + minChunk - 1) / minChunk
	}
	chunkLen := (len(xs) + chunks - 1) / chunks

	partials := make([]T, chunks)
	var wg sync.WaitGroup
	for c := 0; c < chunks; c++ {
		lo := c * chunkLen
		hi := lo + chunkLen
		if hi > len(xs) {
			hi = len(xs)
		}
		c, lo, hi := c, lo, hi
		wg.Add(1)
		pool.Go(func() {
			defer wg.Done()
			acc := identity[T](op)
			for _, x := range xs[lo:hi] {
				acc = combine(op, acc, x)
			}
			partials[c] = acc
		})
	}
	wg.Wait()

	acc := identity[T](op)
	for _, p := range partials {
		acc = combine(op, acc, p)
	}
	return acc
}
