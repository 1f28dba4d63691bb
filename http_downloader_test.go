package nectar

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulp/nectar/internal/testutil"
)

func TestHTTPDownloaderHappyPath(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 102400)
	srv := testutil.NewHTTPServerT(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	cfg, err := NewDownloaderConfig()
	require.NoError(t, err)
	defer cfg.Finalize()

	listener := &AggregatingEventListener{}
	d := NewHTTPDownloader(cfg, WithListener(listener))

	dst := filepath.Join(t.TempDir(), "out.bin")
	req := NewRequest(srv.URL, PathDestination(dst), nil, nil)

	report := d.DownloadOne(context.Background(), req, true)

	require.Equal(t, StateSucceeded, report.State())
	assert.EqualValues(t, 102400, report.BytesDownloaded)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))

	assert.Len(t, listener.Succeeded, 1)
}

func TestHTTPDownloaderMixedBatch(t *testing.T) {
	okPayload := []byte("ok")
	srv := testutil.NewHTTPServerT(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "missing") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(okPayload)
	}))
	defer srv.Close()

	cfg, err := NewDownloaderConfig(WithMaxConcurrent(3))
	require.NoError(t, err)
	defer cfg.Finalize()

	listener := &AggregatingEventListener{}
	d := NewHTTPDownloader(cfg, WithListener(listener))

	tmp := t.TempDir()
	var reqs []*Request
	for i := 0; i < 3; i++ {
		reqs = append(reqs, NewRequest(srv.URL+"/ok", PathDestination(filepath.Join(tmp, "ok")), i, nil))
	}
	for i := 0; i < 2; i++ {
		reqs = append(reqs, NewRequest(srv.URL+"/missing", PathDestination(filepath.Join(tmp, "missing")), i, nil))
	}

	err = d.Download(context.Background(), NewSliceRequestStream(reqs))
	require.NoError(t, err)

	assert.Len(t, listener.Succeeded, 3)
	assert.Len(t, listener.FailedRpt, 2)
}

func TestHTTPDownloaderPerOriginShortCircuit(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := testutil.NewHTTPServerT(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		hj, ok := w.(http.Hijacker)
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		conn, _, _ := hj.Hijack()
		conn.Close() // simulate a hard connection reset
	}))
	defer srv.Close()

	cfg, err := NewDownloaderConfig(WithTries(1))
	require.NoError(t, err)
	defer cfg.Finalize()

	d := NewHTTPDownloader(cfg)
	tmp := t.TempDir()

	req1 := NewRequest(srv.URL, PathDestination(filepath.Join(tmp, "a")), nil, nil)
	r1 := d.DownloadOne(context.Background(), req1, false)
	assert.Equal(t, StateFailed, r1.State())

	req2 := NewRequest(srv.URL, PathDestination(filepath.Join(tmp, "b")), nil, nil)
	r2 := d.DownloadOne(context.Background(), req2, false)
	assert.Equal(t, StateFailed, r2.State())
	assert.Equal(t, "Download skipped", r2.ErrorMsg)
}

// TestHTTPDownloaderGzRequestBypassesTransparentDecompression exercises the
// actual failure mode the ignore_encoding workaround exists to prevent: a
// server that gzip-encodes its response regardless of what the client
// negotiated. A non-.gz request lets Go's Transport auto-negotiate and
// transparently gunzip, so the destination ends up holding the
// already-decompressed plaintext. A .gz request must instead land the
// untouched gzip bytes on disk.
func TestHTTPDownloaderGzRequestBypassesTransparentDecompression(t *testing.T) {
	plain := []byte("the quick brown fox jumps over the lazy dog")
	var compressed bytes.Buffer
	gw := gzip.NewWriter(&compressed)
	_, err := gw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	srv := testutil.NewHTTPServerT(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(compressed.Bytes())
	}))
	defer srv.Close()

	cfg, err := NewDownloaderConfig()
	require.NoError(t, err)
	defer cfg.Finalize()

	d := NewHTTPDownloader(cfg)

	plainDst := filepath.Join(t.TempDir(), "out.bin")
	plainReq := NewRequest(srv.URL+"/file.bin", PathDestination(plainDst), nil, nil)
	plainReport := d.DownloadOne(context.Background(), plainReq, false)
	require.Equal(t, StateSucceeded, plainReport.State())
	gotPlain, err := os.ReadFile(plainDst)
	require.NoError(t, err)
	assert.Equal(t, plain, gotPlain, "non-.gz request should receive transparently decompressed bytes")

	gzDst := filepath.Join(t.TempDir(), "out.gz")
	gzReq := NewRequest(srv.URL+"/file.gz", PathDestination(gzDst), nil, nil)
	gzReport := d.DownloadOne(context.Background(), gzReq, false)
	require.Equal(t, StateSucceeded, gzReport.State())
	gotGz, err := os.ReadFile(gzDst)
	require.NoError(t, err)
	assert.Equal(t, compressed.Bytes(), gotGz, ".gz request must bypass decompression and keep the raw gzip bytes")
}

func TestHTTPDownloaderCancelMidStream(t *testing.T) {
	srv := testutil.NewHTTPServerT(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		chunk := bytes.Repeat([]byte("x"), 4096)
		for i := 0; i < 1000; i++ {
			w.Write(chunk)
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(2 * time.Millisecond)
		}
	}))
	defer srv.Close()

	cfg, err := NewDownloaderConfig(WithBufferSize(4096))
	require.NoError(t, err)
	defer cfg.Finalize()

	d := NewHTTPDownloader(cfg)
	dst := filepath.Join(t.TempDir(), "big.bin")
	req := NewRequest(srv.URL, PathDestination(dst), nil, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		d.Cancel()
	}()

	report := d.DownloadOne(context.Background(), req, false)
	assert.Equal(t, StateCanceled, report.State())
}

func TestHTTPDownloaderRecordsSuggestedFilenameFromContentDisposition(t *testing.T) {
	srv := testutil.NewHTTPServerT(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="report.csv"`)
		w.Write([]byte("a,b,c"))
	}))
	defer srv.Close()

	cfg, err := NewDownloaderConfig()
	require.NoError(t, err)
	defer cfg.Finalize()

	d := NewHTTPDownloader(cfg)
	dst := filepath.Join(t.TempDir(), "out")
	req := NewRequest(srv.URL, PathDestination(dst), nil, nil)

	report := d.DownloadOne(context.Background(), req, false)
	require.Equal(t, StateSucceeded, report.State())
	assert.Equal(t, "report.csv", report.SuggestedFilename)
}

// idSequenceListener captures the Report.ID observed by every callback
// invocation, addressing SPEC_FULL.md §8's requirement that a single
// fetch's ID stay stable across its whole started/headers/progress/
// succeeded callback sequence — not merely that two different reports get
// different IDs (report_test.go's TestReportIDIsUniquePerReport).
type idSequenceListener struct {
	NoopListener
	mu  sync.Mutex
	ids []string
}

func (l *idSequenceListener) record(r *Report) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, r.ID)
}

func (l *idSequenceListener) DownloadStarted(r *Report)   { l.record(r) }
func (l *idSequenceListener) DownloadHeaders(r *Report)   { l.record(r) }
func (l *idSequenceListener) DownloadProgress(r *Report)  { l.record(r) }
func (l *idSequenceListener) DownloadSucceeded(r *Report) { l.record(r) }

func TestHTTPDownloaderReportIDStableAcrossEventSequence(t *testing.T) {
	srv := testutil.NewHTTPServerT(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("z"), 4096))
	}))
	defer srv.Close()

	cfg, err := NewDownloaderConfig()
	require.NoError(t, err)
	defer cfg.Finalize()

	listener := &idSequenceListener{}
	d := NewHTTPDownloader(cfg, WithListener(listener))

	dst := filepath.Join(t.TempDir(), "out.bin")
	req := NewRequest(srv.URL, PathDestination(dst), nil, nil)
	report := d.DownloadOne(context.Background(), req, true)

	require.Equal(t, StateSucceeded, report.State())
	require.NotEmpty(t, listener.ids)
	for _, id := range listener.ids {
		assert.Equal(t, report.ID, id, "every callback in the sequence must observe the same report ID")
	}
}

func TestHTTPDownloaderDownloadOneSuppressesEvents(t *testing.T) {
	srv := testutil.NewHTTPServerT(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hi"))
	}))
	defer srv.Close()

	cfg, err := NewDownloaderConfig()
	require.NoError(t, err)
	defer cfg.Finalize()

	listener := &AggregatingEventListener{}
	d := NewHTTPDownloader(cfg, WithListener(listener))

	dst := filepath.Join(t.TempDir(), "out")
	req := NewRequest(srv.URL, PathDestination(dst), nil, nil)
	report := d.DownloadOne(context.Background(), req, false)

	assert.Equal(t, StateSucceeded, report.State())
	assert.Empty(t, listener.Succeeded, "events must be suppressed when events=false")
}
