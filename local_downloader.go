package nectar

import (
	"errors"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/pulp/nectar/internal/nlog"
)

const defaultLocalProgressSeconds = 5

// LocalDownloader is the file:// sibling backend described in
// SPEC_FULL.md §4.8: it shares Request/Report/EventListener with
// HTTPDownloader but copies, hard-links, or symlinks instead of issuing
// network calls.
type LocalDownloader struct {
	config   *DownloaderConfig
	listener EventListener
	log      *logrus.Logger

	isCanceled atomic.Bool
	emissionMu sync.Mutex
}

// LocalDownloaderOption configures a LocalDownloader at construction.
type LocalDownloaderOption func(*LocalDownloader)

func WithLocalListener(l EventListener) LocalDownloaderOption {
	return func(d *LocalDownloader) { d.listener = l }
}

func WithLocalLogger(l *logrus.Logger) LocalDownloaderOption {
	return func(d *LocalDownloader) { d.log = l }
}

func NewLocalDownloader(config *DownloaderConfig, opts ...LocalDownloaderOption) *LocalDownloader {
	d := &LocalDownloader{config: config, log: nlog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *LocalDownloader) Cancel() { d.isCanceled.Store(true) }

// Download processes every request in stream sequentially — the source
// backend has no worker pool of its own, matching SPEC_FULL.md §4.8's
// "simpler sibling" framing.
func (d *LocalDownloader) Download(stream *RequestStream) {
	for {
		if d.isCanceled.Load() {
			return
		}
		req, ok := stream.Next()
		if !ok {
			return
		}
		d.DownloadOne(req, true)
	}
}

func (d *LocalDownloader) DownloadOne(req *Request, fireEvents bool) *Report {
	report := NewReportFromRequest(req)

	switch {
	case d.config.UseSymLinks:
		return d.link(req, report, os.Symlink, fireEvents)
	case d.config.UseHardLinks:
		return d.link(req, report, os.Link, fireEvents)
	default:
		return d.copy(req, report, fireEvents)
	}
}

func (d *LocalDownloader) emit(fireEvents bool, fn func(EventListener)) {
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

func (d *LocalDownloader) link(req *Request, report *Report, linkFn func(src, dst string) error, fireEvents bool) *Report {
	report.Started()
	d.emit(fireEvents, func(l EventListener) { l.DownloadStarted(report) })

	if d.isCanceled.Load() || req.Canceled() {
		report.Canceled()
		return d.finish(report, fireEvents)
	}

	dstPath, ok := req.Destination.(PathDestination)
	if !ok {
		report.SetErr(&UnlinkableDestinationError{URL: req.URL})
		report.Failed()
		return d.finish(report, fireEvents)
	}

	srcPath, err := localPathFromURL(req.URL)
	if err != nil {
		report.SetErr(err)
		report.Failed()
		return d.finish(report, fireEvents)
	}

	if err := linkFn(srcPath, string(dstPath)); err != nil {
		report.SetErr(err)
		report.Failed()
		return d.finish(report, fireEvents)
	}

	if fi, err := os.Stat(string(dstPath)); err == nil {
		report.BytesDownloaded = fi.Size()
	}
	report.Succeeded()
	return d.finish(report, fireEvents)
}

func (d *LocalDownloader) copy(req *Request, report *Report, fireEvents bool) *Report {
	report.Started()
	d.emit(fireEvents, func(l EventListener) { l.DownloadStarted(report) })

	srcPath, err := localPathFromURL(req.URL)
	if err != nil {
		report.SetErr(err)
		report.Failed()
		return d.finish(report, fireEvents)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		report.SetErr(err)
		report.Failed()
		return d.finish(report, fireEvents)
	}
	defer src.Close()

	var fl *flock.Flock
	if dstPath, ok := req.Destination.(PathDestination); ok {
		fl = flock.New(string(dstPath) + ".nectar.lock")
		if err := fl.Lock(); err != nil {
			report.SetErr(err)
			report.Failed()
			return d.finish(report, fireEvents)
		}
		defer func() {
			fl.Unlock()
			os.Remove(fl.Path())
		}()
	}

	dst, err := req.initializeFileHandle()
	if err != nil {
		report.SetErr(err)
		report.Failed()
		return d.finish(report, fireEvents)
	}
	d.emit(fireEvents, func(l EventListener) { l.DownloadProgress(report) })

	buf := make([]byte, d.localBufferSize())
	interval := d.progressInterval()
	lastProgress := time.Now()

	for {
		if d.isCanceled.Load() || req.Canceled() {
			report.Canceled()
			break
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				report.SetErr(werr)
				report.Failed()
				break
			}
			report.AddBytes(int64(n))
			if time.Since(lastProgress) >= interval {
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

	req.finalizeFileHandle()
	return d.finish(report, fireEvents)
}

func (d *LocalDownloader) finish(report *Report, fireEvents bool) *Report {
	if report.State() == StateSucceeded {
		d.emit(fireEvents, func(l EventListener) { l.DownloadSucceeded(report) })
	} else {
		d.emit(fireEvents, func(l EventListener) { l.DownloadFailed(report) })
	}
	return report
}

func (d *LocalDownloader) localBufferSize() int {
	if d.config.BufferSize > 0 {
		return d.config.BufferSize
	}
	return defaultBufferSizeLocal
}

func (d *LocalDownloader) progressInterval() time.Duration {
	if d.config.ProgressInterval > 0 {
		return d.config.ProgressInterval
	}
	return defaultLocalProgressSeconds * time.Second
}

// localPathFromURL strips the file:// scheme and returns the filesystem
// path, rejecting any URL whose scheme does not start with "file".
func localPathFromURL(rawurl string) (string, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(u.Scheme, "file") {
		return "", &UnsupportedSchemeError{Scheme: u.Scheme}
	}
	return u.Path, nil
}
