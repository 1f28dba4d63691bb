package nectar

import (
	"io"
	"os"
	"sync/atomic"
)

// Destination describes where a fetched body is written. A Request's
// destination is either a filesystem path (created/truncated on first
// write and closed by the engine) or a pre-opened writable sink that the
// engine writes to but never closes.
type Destination interface {
	isDestination()
}

// PathDestination is a filesystem path. The engine opens it for
// writing (O_CREATE|O_TRUNC) the first time the request is fetched and
// closes it in the scoped-release step.
type PathDestination string

func (PathDestination) isDestination() {}

// SinkDestination wraps a caller-owned io.Writer. The engine writes to it
// but never closes it; link modes in LocalDownloader reject sinks since
// they require a filesystem path.
type SinkDestination struct {
	io.Writer
}

func (SinkDestination) isDestination() {}

// Request is an immutable description of one fetch plus a mutable,
// concurrency-safe cancel flag. Construct with NewRequest.
type Request struct {
	URL         string
	Destination Destination
	Data        any
	Headers     map[string]string

	// ExpectedKinds, when non-empty, is consulted by the optional
	// content-kind sniff hook (see DownloaderConfig.SniffContentKind) purely for
	// diagnostics; a mismatch is recorded on the report, not treated as
	// a failure.
	ExpectedKinds []string

	canceled atomic.Bool

	fileHandle io.Writer
	openedHere bool
	closer     io.Closer
}

// NewRequest builds a Request for url/destination with optional
// correlation data and per-request header overrides.
func NewRequest(url string, destination Destination, data any, headers map[string]string) *Request {
	return &Request{
		URL:         url,
		Destination: destination,
		Data:        data,
		Headers:     headers,
	}
}

// Cancel sets this request's cooperative cancel flag. It is safe to call
// from any goroutine, including concurrently with the worker driving the
// fetch.
func (r *Request) Cancel() { r.canceled.Store(true) }

// Canceled reports whether Cancel has been called on this request.
func (r *Request) Canceled() bool { return r.canceled.Load() }

// initializeFileHandle opens the destination for writing, returning the
// writer to use. For a SinkDestination it returns the sink unchanged and
// records that the engine did not open it (so finalize won't close it).
func (r *Request) initializeFileHandle() (io.Writer, error) {
	if r.fileHandle != nil {
		return r.fileHandle, nil
	}
	switch d := r.Destination.(type) {
	case SinkDestination:
		r.fileHandle = d.Writer
		r.openedHere = false
		return r.fileHandle, nil
	case PathDestination:
		f, err := os.Create(string(d))
		if err != nil {
			return nil, err
		}
		r.fileHandle = f
		r.closer = f
		r.openedHere = true
		return r.fileHandle, nil
	default:
		f, err := os.Create("")
		return f, err
	}
}

// finalizeFileHandle closes the handle iff the engine opened it itself.
// Closing a caller-supplied sink is never the engine's responsibility.
func (r *Request) finalizeFileHandle() error {
	if !r.openedHere || r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.fileHandle = nil
	r.closer = nil
	r.openedHere = false
	return err
}
