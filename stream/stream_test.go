package stream_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/traceir/enginejit/stream"
)

func newStream() *stream.Stream {
	return stream.New(stream.DefaultCPUDevice(), 0, stream.CPU)
}

func TestSubmitRunsInSubmissionOrder(t *testing.T) {
	st := newStream()
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		st.Submit(func() { got = append(got, i) })
	}
	st.Sync()

	require.Len(t, got, 100)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestPointsAdvanceAndReach(t *testing.T) {
	st := newStream()
	require.EqualValues(t, 0, st.LastPoint())
	require.True(t, st.Reached(0), "point zero is reached before any work")

	p1 := st.Submit(func() {})
	p2 := st.Submit(func() {})
	require.Less(t, p1, p2)
	require.Equal(t, p2, st.LastPoint())

	st.Sync()
	require.True(t, st.Reached(p1))
	require.True(t, st.Reached(p2))
}

func TestReachedFalseWhileWorkPending(t *testing.T) {
	st := newStream()
	gate := make(chan struct{})
	p := st.Submit(func() { <-gate })
	require.False(t, st.Reached(p))

	close(gate)
	st.Sync()
	require.True(t, st.Reached(p))
}

func TestWaitOnCrossStreamHazard(t *testing.T) {
	producer := newStream()
	consumer := newStream()

	gate := make(chan struct{})
	p := producer.Submit(func() { <-gate })

	done := make(chan struct{})
	go func() {
		consumer.WaitOn(producer, p)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitOn returned before the producer reached its point")
	default:
	}

	close(gate)
	<-done
	require.True(t, producer.Reached(p))
}

func TestLaunchConfigHeuristics(t *testing.T) {
	d := &stream.Device{ID: 0}

	blocks, threads := d.LaunchConfig(1000, 0, 0)
	require.Equal(t, 256, threads)
	require.Equal(t, 4, blocks)

	// Small totals round the thread count down to a warp multiple.
	blocks, threads = d.LaunchConfig(10, 0, 0)
	require.Equal(t, 32, threads)
	require.Equal(t, 1, blocks)

	blocks, _ = d.LaunchConfig(1000, 0, 16)
	require.Equal(t, 16, blocks)

	capped := &stream.Device{ID: 1, SMCount: 2}
	blocks, _ = capped.LaunchConfig(1<<20, 32, 0)
	require.Equal(t, 64, blocks, "block count is capped at 32 per SM")
}

func TestActiveStreamContext(t *testing.T) {
	_, ok := stream.Active(context.Background())
	require.False(t, ok)

	st := newStream()
	ctx := stream.WithActive(context.Background(), st)
	got, ok := stream.Active(ctx)
	require.True(t, ok)
	require.Same(t, st, got)
}
