package nectar

import (
	"net/url"
	"sync"
)

// origin extracts the host[:port] authority from a URL, the granularity
// at which failedNetlocs memoizes connection failures. Adapted from the
// teacher's URL-to-path host extraction (internal/utils/urlpath.go),
// narrowed to just the authority component.
func origin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Host, nil
}

// failedNetlocs is a concurrent set of origins that have produced a hard
// connection failure. Reads are frequent (one per dispatched request),
// writes rare (one per newly-failed host), so a RWMutex-guarded map beats
// sync.Map here once request volume is high enough for read contention
// to matter.
type failedNetlocs struct {
	mu sync.RWMutex
	m  map[string]struct{}
}

func newFailedNetlocs() *failedNetlocs {
	return &failedNetlocs{m: make(map[string]struct{})}
}

func (f *failedNetlocs) Contains(host string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.m[host]
	return ok
}

func (f *failedNetlocs) Add(host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[host] = struct{}{}
}
