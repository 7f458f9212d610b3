package pool

// sizeClasses is the power-of-two bucket ladder allocations are rounded up
// to, so identically-shaped kernels reuse freed blocks instead of thrashing
// the underlying provider.
var sizeClasses = []int{
	1 << 8,
	1 << 10,
	1 << 12,
	1 << 14,
	1 << 16,
	1 << 18,
	1 << 20,
	1 << 22,
	1 << 24,
	1 << 26,
	1 << 28,
}

// sizeClassOf returns the index of the smallest bucket that fits bytes, or
// -1 if bytes exceeds every bucket (falls back to exact-size pooling).
func sizeClassOf(bytes int) int {
	for i, c := range sizeClasses {
		if bytes <= c {
			return i
		}
	}
	return -1
}

func sizeClassCapacity(bucket int) int {
	if bucket < 0 || bucket >= len(sizeClasses) {
		return 0
	}
	return sizeClasses[bucket]
}

// freeKey indexes the freelist: class + (bucket, or the exact byte size when
// the allocation is too large for any bucket).
type freeKey struct {
	class     Class
	bucket    int
	exactSize int // only meaningful when bucket == -1
}
