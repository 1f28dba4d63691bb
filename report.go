package nectar

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is one stage of a Report's lifecycle.
type State string

const (
	StateWaiting     State = "waiting"
	StateDownloading State = "downloading"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
	StateCanceled    State = "canceled"
)

// Report is the mutable lifecycle record for one fetch. It is created
// when a fetch begins and handed to every listener callback for that
// fetch; callers must not mutate it.
type Report struct {
	// ID correlates events for the same fetch independent of Data; see
	// SPEC_FULL.md §4.13.
	ID string

	URL         string
	Destination Destination
	Data        any

	TotalBytes      *int64
	BytesDownloaded int64 // atomic

	StartTime  time.Time
	FinishTime time.Time

	ErrorMsg    string
	ErrorReport map[string]any

	// Err is the typed cause of a non-success terminal state, when one is
	// known, so callers can errors.As/errors.Is instead of string-matching
	// ErrorMsg. It is nil for a successful report.
	Err error

	Headers http.Header

	// SuggestedFilename is the filename parameter of a Content-Disposition
	// response header, when present; see SPEC_FULL.md §4.11.
	SuggestedFilename string

	mu    sync.Mutex
	state State
}

// NewReportFromRequest builds a WAITING report for req.
func NewReportFromRequest(req *Request) *Report {
	return &Report{
		ID:          uuid.NewString(),
		URL:         req.URL,
		Destination: req.Destination,
		Data:        req.Data,
		ErrorReport: make(map[string]any),
		state:       StateWaiting,
	}
}

// State returns the report's current state.
func (r *Report) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// AddBytes atomically increments the downloaded-byte counter and returns
// the new total.
func (r *Report) AddBytes(n int64) int64 {
	return atomic.AddInt64(&r.BytesDownloaded, n)
}

// Started transitions WAITING -> DOWNLOADING. Re-entrant: a call on any
// other state is a no-op.
func (r *Report) Started() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateWaiting {
		return
	}
	r.state = StateDownloading
	r.StartTime = time.Now().UTC()
}

// Succeeded transitions DOWNLOADING -> SUCCEEDED. Re-entrant.
func (r *Report) Succeeded() { r.finish(StateSucceeded, nil) }

// Failed transitions DOWNLOADING -> FAILED, defaulting ErrorMsg if unset.
// Re-entrant.
func (r *Report) Failed() {
	r.finish(StateFailed, func() {
		if r.ErrorMsg == "" {
			r.ErrorMsg = "Download Failed"
		}
	})
}

// Canceled transitions DOWNLOADING -> CANCELED. Re-entrant.
func (r *Report) Canceled() {
	r.finish(StateCanceled, func() {
		if r.Err == nil {
			r.Err = ErrCanceled
		}
	})
}

// finish applies onTransition (under the lock) and moves to state only
// when the report is DOWNLOADING; on any other state it does nothing.
func (r *Report) finish(state State, onTransition func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateDownloading {
		return
	}
	if onTransition != nil {
		onTransition()
	}
	r.state = state
	r.FinishTime = time.Now().UTC()
}

// Skipped marks the report FAILED with the "Download skipped" message
// without requiring the report to be in DOWNLOADING state and without
// setting FinishTime — it short-circuits before a fetch ever starts.
func (r *Report) Skipped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Err = ErrSkipped
	r.ErrorMsg = "Download skipped"
	r.state = StateFailed
}

// ConnectionError marks the report FAILED with err as the cause and sets
// FinishTime, bypassing the DOWNLOADING-only guard used by finish (a
// connect failure can occur before Started is ever observed by a caller
// racing the report).
func (r *Report) ConnectionError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Err = err
	r.ErrorMsg = err.Error()
	r.state = StateFailed
	r.FinishTime = time.Now().UTC()
}

// SetErr records both a typed error and its message without transitioning
// state; callers pair it with Failed so the report carries a cause that
// errors.As/errors.Is can inspect.
func (r *Report) SetErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Err = err
	r.ErrorMsg = err.Error()
}
