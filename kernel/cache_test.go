package kernel_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/traceir/enginejit/backend"
	"github.com/traceir/enginejit/dtype"
	"github.com/traceir/enginejit/ir"
	"github.com/traceir/enginejit/kernel"
	"github.com/traceir/enginejit/pool"
	"github.com/traceir/enginejit/stream"
)

// countingCompiler records how many times it compiled and unloaded, returning
// the source bytes themselves as the artifact.
type countingCompiler struct {
	compiles int
	unloads  int
}

func (c *countingCompiler) Compile(source []byte) (backend.Artifact, error) {
	c.compiles++
	return append([]byte(nil), source...), nil
}

func (c *countingCompiler) Launch(backend.Artifact, backend.LaunchArgs) error { return nil }

func (c *countingCompiler) Unload(backend.Artifact) error {
	c.unloads++
	return nil
}

func TestCacheCompilesOncePerDistinctSource(t *testing.T) {
	cache := kernel.NewCache(nil)
	comp := &countingCompiler{}

	a1, err := cache.GetOrCompile([]byte("kernel-a"), comp)
	require.NoError(t, err)
	a2, err := cache.GetOrCompile([]byte("kernel-a"), comp)
	require.NoError(t, err)
	require.Equal(t, a1, a2)
	require.Equal(t, 1, comp.compiles, "a repeated source must hit the cache")
	require.Equal(t, 1, cache.Len())

	_, err = cache.GetOrCompile([]byte("kernel-b"), comp)
	require.NoError(t, err)
	require.Equal(t, 2, comp.compiles)
	require.Equal(t, 2, cache.Len())
}

func TestCacheTeardownUnloadsEverything(t *testing.T) {
	cache := kernel.NewCache(nil)
	comp := &countingCompiler{}

	_, err := cache.GetOrCompile([]byte("k1"), comp)
	require.NoError(t, err)
	_, err = cache.GetOrCompile([]byte("k2"), comp)
	require.NoError(t, err)

	require.NoError(t, cache.Teardown())
	require.Equal(t, 2, comp.unloads)
	require.Zero(t, cache.Len())
}

// TestTextEmitterStableAcrossGlobalIDs traces the same one-node kernel shape
// in two tables whose global id counters differ, and requires byte-identical
// source: register numbering and input slots are kernel-local, so both traces
// share one cache entry.
func TestTextEmitterStableAcrossGlobalIDs(t *testing.T) {
	emit := func(shift int) []byte {
		tbl := ir.New(pool.New(nil))
		for i := 0; i < shift; i++ {
			_, err := tbl.TraceAppend(dtype.F32, stream.CPU, "pad", true, true, false)
			require.NoError(t, err)
		}
		leaf, err := tbl.TraceAppend(dtype.F32, stream.CPU, "leaf", true, true, false)
		require.NoError(t, err)
		op, err := tbl.TraceAppend(dtype.F32, stream.CPU, "$out = $0 + $0", true, false, false, leaf)
		require.NoError(t, err)
		v, err := tbl.Get(op)
		require.NoError(t, err)
		source, err := kernel.TextEmitter{Tag: "cpu"}.Emit([]*ir.Variable{v}, []ir.ID{op})
		require.NoError(t, err)
		return source
	}

	require.Equal(t, emit(0), emit(7))
}

func TestTextEmitterDialectTagSeparatesBackends(t *testing.T) {
	tbl := ir.New(pool.New(nil))
	leaf, err := tbl.TraceAppend(dtype.F32, stream.CPU, "leaf", true, true, false)
	require.NoError(t, err)
	op, err := tbl.TraceAppend(dtype.F32, stream.CPU, "$out = $0", true, false, false, leaf)
	require.NoError(t, err)
	v, err := tbl.Get(op)
	require.NoError(t, err)

	cpuSrc, err := kernel.TextEmitter{Tag: "cpu"}.Emit([]*ir.Variable{v}, []ir.ID{op})
	require.NoError(t, err)
	ptxSrc, err := kernel.TextEmitter{Tag: "ptx"}.Emit([]*ir.Variable{v}, []ir.ID{op})
	require.NoError(t, err)
	require.NotEqual(t, cpuSrc, ptxSrc)
}

func TestDiskCacheMarkers(t *testing.T) {
	d, err := kernel.NewDiskCache(t.TempDir())
	require.NoError(t, err)

	src := []byte("some kernel source")
	require.False(t, d.HasCompiled(src))

	created, err := d.MarkCompiled(src)
	require.NoError(t, err)
	require.True(t, created)
	require.True(t, d.HasCompiled(src))

	created, err = d.MarkCompiled(src)
	require.NoError(t, err)
	require.False(t, created, "second mark must observe the existing marker")
}

func TestDiskCacheRootsArePerInstance(t *testing.T) {
	parent := t.TempDir()
	d1, err := kernel.NewDiskCache(parent)
	require.NoError(t, err)
	d2, err := kernel.NewDiskCache(parent)
	require.NoError(t, err)
	require.NotEqual(t, d1.Root(), d2.Root())

	src := []byte("shared source")
	_, err = d1.MarkCompiled(src)
	require.NoError(t, err)
	require.False(t, d2.HasCompiled(src), "instances never see each other's markers")
}

func TestCacheWithDiskLayerWritesMarker(t *testing.T) {
	disk, err := kernel.NewDiskCache(t.TempDir())
	require.NoError(t, err)
	cache := kernel.NewCache(disk)
	comp := &countingCompiler{}

	src := []byte("disk-backed kernel")
	_, err = cache.GetOrCompile(src, comp)
	require.NoError(t, err)
	require.True(t, disk.HasCompiled(src))
}
