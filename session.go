package nectar

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/net/proxy"
)

// Session is the pluggable HTTP capability the downloader consumes. It is
// safe for concurrent use by multiple workers. When ignoreEncoding is
// true, the response body is handed back exactly as the server sent it
// on the wire — see SPEC_FULL.md §4.5's ignore_encoding requirement.
type Session interface {
	Get(ctx context.Context, rawurl string, headers map[string]string, ignoreEncoding bool) (*http.Response, error)
}

type session struct {
	client            *retryablehttp.Client
	rawClient         *retryablehttp.Client // transport has DisableCompression set
	defaultHeaders    map[string]string
	basicAuthUsername string
	basicAuthPassword string
}

// buildSession is the pure Config -> Session translation described in
// SPEC_FULL.md §4.2. When existing is non-nil its underlying transports
// (and therefore connection pools) are reused, matching the source's
// build_session(config, session) reuse behavior; only basic auth and
// default headers are refreshed. Transport-level settings (TLS, proxy,
// timeouts) keep the values from the first build.
func buildSession(cfg *DownloaderConfig, existing *session) (*session, error) {
	transport, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}

	client := newRetryClient(cfg, transport)

	// rawTransport is a clone dedicated to ignore_encoding fetches: cloning
	// (rather than mutating transport) keeps the normal path's automatic
	// gzip negotiation untouched while giving .gz requests a transport that
	// never self-negotiates or transparently undoes compression, per
	// SPEC_FULL.md §4.5.
	rawTransport := transport.Clone()
	rawTransport.DisableCompression = true
	rawClient := newRetryClient(cfg, rawTransport)

	if existing != nil {
		// Always reuse the prior transports and their connection pools.
		client.HTTPClient.Transport = existing.client.HTTPClient.Transport
		rawClient.HTTPClient.Transport = existing.rawClient.HTTPClient.Transport
	}

	return &session{
		client:            client,
		rawClient:         rawClient,
		defaultHeaders:    cfg.Headers,
		basicAuthUsername: cfg.BasicAuthUsername,
		basicAuthPassword: cfg.BasicAuthPassword,
	}, nil
}

func newRetryClient(cfg *DownloaderConfig, transport *http.Transport) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.Logger = nil
	// tries counts the first attempt itself (threaded.py: "total number of
	// requests made ... including first unsuccessful one"), while RetryMax
	// counts only the retries beyond it.
	client.RetryMax = max(cfg.Tries-1, 0)
	client.RetryWaitMin = 1 * time.Second
	client.RetryWaitMax = 8 * time.Second
	client.Backoff = retryAfterAwareBackoff
	client.CheckRetry = retryablehttp.DefaultRetryPolicy
	// Once retries are exhausted, hand back the last response (e.g. a 503)
	// or transport error as-is, so a status failure reaches the fetch loop
	// as an HTTP status rather than as a connection error.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.HTTPClient = &http.Client{Transport: transport}
	return client
}

func newTransport(cfg *DownloaderConfig) (*http.Transport, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: !cfg.SSLValidation}

	if cfg.SSLValidation && cfg.SSLCACertPath != "" {
		pool, err := loadCertPool(cfg.SSLCACertPath)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.SSLClientCertPath != "" && cfg.SSLClientKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.SSLClientCertPath, cfg.SSLClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("loading client cert/key: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	transport := &http.Transport{
		TLSClientConfig:       tlsConfig,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
	}

	if cfg.ProxyURL != "" {
		if err := applyProxy(transport, cfg); err != nil {
			return nil, err
		}
	}

	return transport, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// applyProxy wires an http(s) or socks5 proxy into transport, URL-encoding
// proxy credentials per SPEC_FULL.md §4.2. An empty proxy username is
// treated as absent (no credentials attached).
func applyProxy(transport *http.Transport, cfg *DownloaderConfig) error {
	proxyURL, err := url.Parse(cfg.ProxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy_url: %w", err)
	}
	if cfg.ProxyPort != 0 {
		proxyURL.Host = fmt.Sprintf("%s:%d", proxyURL.Hostname(), cfg.ProxyPort)
	}

	if proxyURL.Scheme == "socks5" || proxyURL.Scheme == "socks5h" {
		var auth *proxy.Auth
		if cfg.ProxyUsername != "" {
			auth = &proxy.Auth{User: cfg.ProxyUsername, Password: cfg.ProxyPassword}
		}
		dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
		if err != nil {
			return fmt.Errorf("building socks5 dialer: %w", err)
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
		return nil
	}

	if cfg.ProxyUsername != "" {
		proxyURL.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
	}
	transport.Proxy = http.ProxyURL(proxyURL)
	return nil
}

// Get issues a request, merging default headers under per-request
// overrides, attaching basic auth when configured, and delegating
// retry/backoff to the retryablehttp-mounted client. When ignoreEncoding
// is true the request is routed through a transport with
// DisableCompression set, so the server's bytes reach the caller
// untouched regardless of Content-Encoding.
func (s *session) Get(ctx context.Context, rawurl string, headers map[string]string, ignoreEncoding bool) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, err
	}

	for k, v := range s.defaultHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if s.basicAuthUsername != "" {
		req.SetBasicAuth(s.basicAuthUsername, s.basicAuthPassword)
	}

	if ignoreEncoding {
		return s.rawClient.Do(req)
	}
	return s.client.Do(req)
}

// retryAfterAwareBackoff honors a server's Retry-After header (seconds
// or HTTP-date form) ahead of the default exponential schedule, capped
// at max either way.
func retryAfterAwareBackoff(minWait, maxWait time.Duration, attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				d := time.Duration(secs) * time.Second
				if d > maxWait {
					return maxWait
				}
				if d > 0 {
					return d
				}
			} else if t, err := http.ParseTime(ra); err == nil {
				d := time.Until(t)
				if d > maxWait {
					return maxWait
				}
				if d > 0 {
					return d
				}
			}
		}
	}
	return retryablehttp.DefaultBackoff(minWait, maxWait, attempt, resp)
}
