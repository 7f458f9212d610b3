package parallel

import "unsafe"

// asSlice reinterprets a byte buffer as a []T without copying, the same
// buffer-reinterpretation idiom the teacher's simplego backend uses for its
// hand-optimized numeric kernels (binary_fp16_neon_arm64.go and friends),
// just via unsafe.Slice instead of a cgo call.
func sizeOf[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

func asSlice[T any](data []byte) []T {
	if len(data) == 0 {
		return nil
	}
	var zero T
	width := int(unsafe.Sizeof(zero))
	n := len(data) / width
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), n)
}
