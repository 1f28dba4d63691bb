package nectar

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestStreamExhaustion(t *testing.T) {
	reqs := []*Request{
		NewRequest("http://a", PathDestination("/tmp/a"), nil, nil),
		NewRequest("http://b", PathDestination("/tmp/b"), nil, nil),
	}
	s := NewSliceRequestStream(reqs)

	r1, ok := s.Next()
	assert.True(t, ok)
	assert.Equal(t, "http://a", r1.URL)
	assert.False(t, s.Finished())

	r2, ok := s.Next()
	assert.True(t, ok)
	assert.Equal(t, "http://b", r2.URL)

	_, ok = s.Next()
	assert.False(t, ok)
	assert.True(t, s.Finished())

	_, ok = s.Next()
	assert.False(t, ok, "stream must keep returning END after exhaustion")
}

func TestRequestStreamConcurrentNextIsSerialized(t *testing.T) {
	const n = 200
	reqs := make([]*Request, n)
	for i := range reqs {
		reqs[i] = NewRequest("http://x", PathDestination("/tmp/x"), i, nil)
	}
	s := NewSliceRequestStream(reqs)

	seen := make(map[int]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				req, ok := s.Next()
				if !ok {
					return
				}
				mu.Lock()
				seen[req.Data.(int)] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n, "every request must be delivered exactly once")
}
