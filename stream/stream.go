package stream

import (
	"context"
	"sync"
)

// Point is the ordering primitive: a monotonically increasing sequence
// number handed out when work is submitted to a Stream.
// A Point is "reached" once the Stream has finished executing the work
// submitted up to and including it.
type Point uint64

// Stream is a serial work queue on one backend, keyed by (device,
// stream-index). All work submitted to a Stream executes in submission
// order.
type Stream struct {
	Device *Device
	Index  int
	Tag    BackendTag

	mu        sync.Mutex
	cond      *sync.Cond
	issued    uint64
	completed uint64
	queue     []func()
	draining  bool
}

// New creates a Stream bound to device/index, executing work serially in its
// own goroutine loop.
func New(device *Device, index int, tag BackendTag) *Stream {
	s := &Stream{Device: device, Index: index, Tag: tag}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Submit enqueues work to run on this stream and returns the ordering Point
// reached once it completes. Submission is synchronous; the work itself runs
// asynchronously in the stream's drain goroutine.
func (s *Stream) Submit(work func()) Point {
	s.mu.Lock()
	s.issued++
	point := Point(s.issued)
	s.queue = append(s.queue, work)
	if !s.draining {
		s.draining = true
		go s.drain()
	}
	s.mu.Unlock()
	return point
}

func (s *Stream) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		work := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		work()

		s.mu.Lock()
		s.completed++
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// Reached reports whether the stream has completed all work up to p.
func (s *Stream) Reached(p Point) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed >= uint64(p)
}

// LastPoint returns the Point of the most recently submitted work.
func (s *Stream) LastPoint() Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Point(s.issued)
}

// Sync blocks the calling goroutine until every point submitted so far has
// completed. The engine-wide mutex must be released by the caller across
// this wait; Sync itself only blocks on the stream's own lock.
func (s *Stream) Sync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.issued
	for s.completed < target {
		s.cond.Wait()
	}
}

// WaitOn blocks until other has reached p. Used to resolve cross-stream
// hazards: the consumer stream waits on the producer stream's ordering point
// before launching dependent work.
func (s *Stream) WaitOn(other *Stream, p Point) {
	other.mu.Lock()
	defer other.mu.Unlock()
	for other.completed < uint64(p) {
		other.cond.Wait()
	}
}

type activeKey struct{}

// WithActive returns a context carrying st as the active stream.
func WithActive(ctx context.Context, st *Stream) context.Context {
	return context.WithValue(ctx, activeKey{}, st)
}

// Active returns the active stream carried by ctx, if any.
func Active(ctx context.Context) (*Stream, bool) {
	st, ok := ctx.Value(activeKey{}).(*Stream)
	return st, ok
}
