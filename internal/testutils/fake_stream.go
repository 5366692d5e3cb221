package testutils

import (
	"io"
	"sync"
	"sync/atomic"
)

type readResult struct {
	data []byte
	err  error
}

// FakeStream is a scripted device.Stream. Reads return fed chunks in order;
// Close unblocks a pending Read with io.ErrClosedPipe.
type FakeStream struct {
	reads chan readResult

	mu       sync.Mutex
	pending  []byte
	written  [][]byte
	writeErr error

	closed     chan struct{}
	closeOnce  sync.Once
	closeCalls int32
}

func NewFakeStream() *FakeStream {
	return &FakeStream{
		reads:  make(chan readResult, 256),
		closed: make(chan struct{}),
	}
}

// Feed queues a chunk for a future Read.
func (s *FakeStream) Feed(chunks ...[]byte) *FakeStream {
	for _, c := range chunks {
		s.reads <- readResult{data: append([]byte(nil), c...)}
	}
	return s
}

// FeedEOF makes the next Read (after queued chunks) report end of stream.
func (s *FakeStream) FeedEOF() *FakeStream {
	s.reads <- readResult{err: io.EOF}
	return s
}

// FeedError makes the next Read (after queued chunks) fail with err.
func (s *FakeStream) FeedError(err error) *FakeStream {
	s.reads <- readResult{err: err}
	return s
}

// FailWrites makes every subsequent Write fail with err.
func (s *FakeStream) FailWrites(err error) *FakeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
	return s
}

func (s *FakeStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	// A closed stream wins over queued data
	select {
	case <-s.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	select {
	case <-s.closed:
		return 0, io.ErrClosedPipe
	case r := <-s.reads:
		if r.err != nil {
			return 0, r.err
		}
		n := copy(p, r.data)
		if n < len(r.data) {
			s.mu.Lock()
			s.pending = append(s.pending, r.data[n:]...)
			s.mu.Unlock()
		}
		return n, nil
	}
}

func (s *FakeStream) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.written = append(s.written, append([]byte(nil), p...))
	return len(p), nil
}

func (s *FakeStream) Close() error {
	atomic.AddInt32(&s.closeCalls, 1)
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Written returns a copy of every successful Write, in order.
func (s *FakeStream) Written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.written))
	copy(out, s.written)
	return out
}

// CloseCalls returns how many times Close was invoked.
func (s *FakeStream) CloseCalls() int {
	return int(atomic.LoadInt32(&s.closeCalls))
}

func (s *FakeStream) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
