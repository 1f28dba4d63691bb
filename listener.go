package nectar

import "sync"

// EventListener receives lifecycle callbacks for fetches driven by a
// downloader. Every method is optional to implement meaningfully;
// NoopListener is embedded by convention so implementers only override
// what they need.
//
// The engine invokes every callback under a single emission lock shared
// by all workers of a downloader, so an implementation may assume
// exclusive access across concurrent fetches but must not re-enter the
// downloader (e.g. call Cancel or start a new Download) from within a
// callback.
type EventListener interface {
	DownloadStarted(r *Report)
	DownloadHeaders(r *Report)
	DownloadProgress(r *Report)
	DownloadSucceeded(r *Report)
	DownloadFailed(r *Report)
}

// NoopListener implements EventListener with empty bodies. Embed it to
// get a zero-value-safe EventListener.
type NoopListener struct{}

func (NoopListener) DownloadStarted(*Report)   {}
func (NoopListener) DownloadHeaders(*Report)   {}
func (NoopListener) DownloadProgress(*Report)  {}
func (NoopListener) DownloadSucceeded(*Report) {}
func (NoopListener) DownloadFailed(*Report)    {}

// AggregatingEventListener collects succeeded and failed reports into
// slices, guarded by its own mutex so it can be shared across a
// downloader's workers.
type AggregatingEventListener struct {
	NoopListener

	mu        sync.Mutex
	Succeeded []*Report
	FailedRpt []*Report
}

func (a *AggregatingEventListener) DownloadSucceeded(r *Report) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Succeeded = append(a.Succeeded, r)
}

func (a *AggregatingEventListener) DownloadFailed(r *Report) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.FailedRpt = append(a.FailedRpt, r)
}

// AllReports returns every report the listener has seen, successes
// followed by failures.
func (a *AggregatingEventListener) AllReports() []*Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Report, 0, len(a.Succeeded)+len(a.FailedRpt))
	out = append(out, a.Succeeded...)
	out = append(out, a.FailedRpt...)
	return out
}
