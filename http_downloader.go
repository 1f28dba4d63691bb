package nectar

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/h2non/filetype"
	"github.com/sirupsen/logrus"
	"github.com/vfaronov/httpheader"

	"github.com/pulp/nectar/internal/nlog"
)

// PreFetchHook mutates a request (URL, headers) before step 1 of the
// fetch procedure runs. See SPEC_FULL.md §4.15 for the ULN realization.
type PreFetchHook func(req *Request, cfg *DownloaderConfig) (*Request, error)

// HTTPDownloader is the worker-pool scheduler described in
// SPEC_FULL.md §4.3-§4.9: it drives a RequestStream across
// config.MaxConcurrent workers sharing one session, one throttle, and one
// failed-netloc set, fanning lifecycle events out to a listener under a
// single emission lock.
type HTTPDownloader struct {
	config   *DownloaderConfig
	listener EventListener

	session      *session
	customSession Session

	preFetchHook PreFetchHook
	log          *logrus.Logger

	isCanceled    atomic.Bool
	failedNetlocs *failedNetlocs
	throttle      *throttle
	emissionMu    sync.Mutex
}

// HTTPDownloaderOption configures an HTTPDownloader at construction.
type HTTPDownloaderOption func(*HTTPDownloader)

func WithListener(l EventListener) HTTPDownloaderOption {
	return func(d *HTTPDownloader) { d.listener = l }
}

// WithCustomSession overrides the Config-derived session with a
// caller-supplied one, primarily for tests that want to mock transport
// behavior without standing up a real server.
func WithCustomSession(s Session) HTTPDownloaderOption {
	return func(d *HTTPDownloader) { d.customSession = s }
}

func WithPreFetchHook(h PreFetchHook) HTTPDownloaderOption {
	return func(d *HTTPDownloader) { d.preFetchHook = h }
}

func WithLogger(l *logrus.Logger) HTTPDownloaderOption {
	return func(d *HTTPDownloader) { d.log = l }
}

// NewHTTPDownloader builds a downloader around config. The session is
// not built here: it is rebuilt at the start of every Download/DownloadOne
// call so that later changes to config's auth and default headers are
// picked up, per SPEC_FULL.md §4.3 step 1.
func NewHTTPDownloader(config *DownloaderConfig, opts ...HTTPDownloaderOption) *HTTPDownloader {
	d := &HTTPDownloader{
		config:        config,
		failedNetlocs: newFailedNetlocs(),
		throttle:      newThrottle(config.MaxSpeed, config.effectiveBufferSize()),
		log:           nlog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Cancel sets the downloader-wide cancellation flag. Every worker
// observes it at the next chunk or request boundary.
func (d *HTTPDownloader) Cancel() { d.isCanceled.Store(true) }

// Download fans requests from stream across config.MaxConcurrent workers
// and blocks until the stream is exhausted, the downloader is canceled,
// or ctx is canceled. It never returns a per-request error; those are
// captured in each request's Report and delivered via the listener.
func (d *HTTPDownloader) Download(ctx context.Context, stream *RequestStream) error {
	if err := d.refreshSession(); err != nil {
		return err
	}

	n := d.config.MaxConcurrent
	if n <= 0 {
		n = defaultMaxConcurrent
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go d.worker(ctx, stream, &wg)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	cdone := ctx.Done()
	for {
		select {
		case <-done:
			return nil
		case <-cdone:
			d.Cancel()
			cdone = nil
		case <-ticker.C:
			// 1-second liveness cadence per SPEC_FULL.md §4.3 step 4;
			// workers observe isCanceled/stream.Finished on their own.
		}
	}
}

func (d *HTTPDownloader) worker(ctx context.Context, stream *RequestStream, wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("panic", r).Error("worker panicked; canceling downloader")
			d.Cancel()
		}
	}()
	for !stream.Finished() && !d.isCanceled.Load() {
		req, ok := stream.Next()
		if !ok || d.isCanceled.Load() {
			break
		}
		d.fetch(ctx, req, true)
	}
}

// DownloadOne performs a single synchronous fetch on the calling
// goroutine. If events is false, listener callbacks are suppressed for
// this call only.
func (d *HTTPDownloader) DownloadOne(ctx context.Context, req *Request, events bool) *Report {
	if err := d.refreshSession(); err != nil {
		report := NewReportFromRequest(req)
		report.Started()
		report.SetErr(err)
		report.Failed()
		return report
	}
	return d.fetch(ctx, req, events)
}

func (d *HTTPDownloader) refreshSession() error {
	if d.customSession != nil {
		return nil
	}
	s, err := buildSession(d.config, d.session)
	if err != nil {
		return err
	}
	d.session = s
	return nil
}

func (d *HTTPDownloader) sessionFor() Session {
	if d.customSession != nil {
		return d.customSession
	}
	return d.session
}

func (d *HTTPDownloader) emit(fireEvents bool, fn func(EventListener)) {
	if !fireEvents || d.listener == nil {
		return
	}
	d.emissionMu.Lock()
	defer d.emissionMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("panic", r).Warn("listener callback panicked")
		}
	}()
	fn(d.listener)
}

// fetch drives one request through the full state machine of
// SPEC_FULL.md §4.4.
func (d *HTTPDownloader) fetch(ctx context.Context, req *Request, fireEvents bool) *Report {
	if d.preFetchHook != nil {
		mutated, err := d.preFetchHook(req, d.config)
		if err != nil {
			report := NewReportFromRequest(req)
			report.Started()
			report.SetErr(err)
			report.Failed()
			d.emit(fireEvents, func(l EventListener) { l.DownloadFailed(report) })
			return report
		}
		req = mutated
	}

	headers := make(map[string]string, len(req.Headers))
	for k, v := range req.Headers {
		headers[k] = v
	}
	// ignore_encoding per SPEC_FULL.md §4.5: .gz resources must reach the
	// caller as the server sent them. An empty Accept-Encoding header is
	// indistinguishable from an absent one to net/http's Transport, so the
	// raw byte stream is obtained by routing through a transport with
	// DisableCompression set instead (see session.Get).
	ignoreEncoding := strings.HasSuffix(urlPath(req.URL), ".gz")

	report := NewReportFromRequest(req)
	report.Started()
	d.emit(fireEvents, func(l EventListener) { l.DownloadStarted(report) })

	host, _ := origin(req.URL)

	if d.isCanceled.Load() || req.Canceled() {
		report.Canceled()
		return d.finish(req, report, fireEvents)
	}
	if host != "" && d.failedNetlocs.Contains(host) {
		report.Skipped()
		return d.finish(req, report, fireEvents)
	}

	resp, err := d.sessionFor().Get(ctx, req.URL, headers, ignoreEncoding)
	if err != nil {
		var netErr net.Error
		timeout := errors.As(err, &netErr) && netErr.Timeout()
		report.ConnectionError(&ConnectionError{URL: req.URL, Timeout: timeout, Err: err})
		if !timeout && host != "" {
			d.failedNetlocs.Add(host)
		}
		d.log.WithError(err).WithField("url", req.URL).Warn("fetch failed")
		return d.finish(req, report, fireEvents)
	}
	defer resp.Body.Close()

	report.Headers = resp.Header
	if resp.ContentLength >= 0 {
		tb := resp.ContentLength
		report.TotalBytes = &tb
	}
	if _, name, err := httpheader.ContentDisposition(resp.Header); err == nil && name != "" {
		report.SuggestedFilename = name
	}
	d.emit(fireEvents, func(l EventListener) { l.DownloadHeaders(report) })

	if resp.StatusCode != http.StatusOK {
		report.ErrorReport["response_code"] = resp.StatusCode
		report.ErrorReport["response_msg"] = resp.Status
		report.SetErr(&HTTPStatusError{URL: req.URL, StatusCode: resp.StatusCode, Status: resp.Status})
		report.Failed()
		return d.finish(req, report, fireEvents)
	}

	dst, err := req.initializeFileHandle()
	if err != nil {
		report.SetErr(err)
		report.Failed()
		return d.finish(req, report, fireEvents)
	}
	d.emit(fireEvents, func(l EventListener) { l.DownloadProgress(report) })

	d.pumpBody(ctx, req, report, resp.Body, dst, fireEvents)

	return d.finish(req, report, fireEvents)
}

func (d *HTTPDownloader) pumpBody(ctx context.Context, req *Request, report *Report, body io.Reader, dst io.Writer, fireEvents bool) {
	buf := make([]byte, d.config.effectiveBufferSize())
	lastProgress := time.Now()
	sniffed := !d.config.SniffContentKind

	for {
		if d.isCanceled.Load() || req.Canceled() {
			report.Canceled()
			break
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				report.SetErr(werr)
				report.Failed()
				break
			}
			report.AddBytes(int64(n))
			if !sniffed {
				sniffed = true
				d.sniffKind(req, report, buf[:n])
			}
			d.throttle.OnChunk(n)
			if time.Since(lastProgress) >= d.config.ProgressInterval {
				d.emit(fireEvents, func(l EventListener) { l.DownloadProgress(report) })
				lastProgress = time.Now()
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				report.Succeeded()
			} else {
				report.SetErr(rerr)
				report.Failed()
			}
			break
		}
	}

	d.emit(fireEvents, func(l EventListener) { l.DownloadProgress(report) })
}

// sniffKind implements the diagnostic-only content-kind check of
// SPEC_FULL.md §4.12: a mismatch is recorded, never treated as failure.
func (d *HTTPDownloader) sniffKind(req *Request, report *Report, head []byte) {
	if len(req.ExpectedKinds) == 0 {
		return
	}
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		report.ErrorReport["content_kind"] = "unknown"
		return
	}
	for _, expected := range req.ExpectedKinds {
		if kind.Extension == expected || kind.MIME.Value == expected {
			return
		}
	}
	report.ErrorReport["content_kind"] = kind.Extension
}

func (d *HTTPDownloader) finish(req *Request, report *Report, fireEvents bool) *Report {
	if err := req.finalizeFileHandle(); err != nil {
		d.log.WithError(err).WithField("url", req.URL).Warn("failed to close destination handle")
	}
	if report.State() == StateSucceeded {
		d.emit(fireEvents, func(l EventListener) { l.DownloadSucceeded(report) })
	} else {
		d.emit(fireEvents, func(l EventListener) { l.DownloadFailed(report) })
	}
	return report
}

func urlPath(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return rawurl
	}
	return u.Path
}
