package nectar

import (
	"sync"
	"sync/atomic"
)

// RequestStream is a thread-safe adapter over a lazy, possibly-infinite
// sequence of requests. Workers call Next until it returns ok=false;
// after that it keeps returning ok=false and Finished becomes true
// without requiring a lock to observe.
type RequestStream struct {
	mu       sync.Mutex
	next     func() (*Request, bool)
	finished atomic.Bool
}

// NewRequestStream wraps a generator function. The function must return
// (nil, false) once exhaustion is reached. RequestStream never calls it
// again after that first false, so it need not tolerate repeat calls.
func NewRequestStream(gen func() (*Request, bool)) *RequestStream {
	return &RequestStream{next: gen}
}

// NewSliceRequestStream builds a RequestStream over a fixed slice, the
// common case for batch downloads.
func NewSliceRequestStream(reqs []*Request) *RequestStream {
	i := 0
	return NewRequestStream(func() (*Request, bool) {
		if i >= len(reqs) {
			return nil, false
		}
		r := reqs[i]
		i++
		return r, true
	})
}

// Next atomically advances the underlying generator. Concurrent callers
// are serialized by a single mutex.
func (s *RequestStream) Next() (*Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished.Load() {
		return nil, false
	}
	req, ok := s.next()
	if !ok {
		s.finished.Store(true)
		return nil, false
	}
	return req, true
}

// Finished reports whether the stream has been exhausted. Safe to call
// without holding any lock.
func (s *RequestStream) Finished() bool { return s.finished.Load() }
