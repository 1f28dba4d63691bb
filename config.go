package nectar

import (
	"fmt"
	"os"
	"time"
)

const (
	defaultMaxConcurrent   = 5
	defaultBufferSizeHTTP  = 8 * 1024
	defaultBufferSizeLocal = 1024 * 1024
	defaultProgressSeconds = 5
	defaultConnectTimeout  = 6050 * time.Millisecond
	defaultReadTimeout     = 27 * time.Second
	defaultTries           = 5
)

// DownloaderConfig enumerates every knob the engine consults. Build one
// with NewDownloaderConfig and a list of Options; construction validates
// eagerly and fails fast the same way the source's config object did,
// but as a structured record rather than dynamic attribute lookup (see
// SPEC_FULL.md Design Notes).
type DownloaderConfig struct {
	MaxConcurrent int

	BasicAuthUsername string
	BasicAuthPassword string

	SSLValidation    bool
	SSLCACert        []byte
	SSLCACertPath    string
	SSLClientCert    []byte
	SSLClientCertPath string
	SSLClientKey     []byte
	SSLClientKeyPath string

	ProxyURL      string
	ProxyPort     int
	ProxyUsername string
	ProxyPassword string

	MaxSpeed   *int64 // bytes/sec, nil = unthrottled
	BufferSize int
	ProgressInterval time.Duration

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	Headers map[string]string

	UseHardLinks bool
	UseSymLinks  bool

	Tries int

	// SniffContentKind enables the diagnostic content-kind sniff hook
	// described in SPEC_FULL.md §4.12.
	SniffContentKind bool

	tempFiles []string
}

// Option mutates a DownloaderConfig under construction, returning an
// error for a value it rejects.
type Option func(*DownloaderConfig) error

// NewDownloaderConfig applies opts over a config preloaded with defaults
// (max_concurrent=5, ssl_validation=true, buffer_size unset,
// progress_interval=5s, timeouts (6.05s, 27s), tries=5) and validates the
// result, materializing any inline TLS fields to temp files.
func NewDownloaderConfig(opts ...Option) (*DownloaderConfig, error) {
	c := &DownloaderConfig{
		MaxConcurrent: defaultMaxConcurrent,
		SSLValidation: true,
		// BufferSize is left unset (0): HTTPDownloader.effectiveBufferSize
		// and LocalDownloader.localBufferSize apply their own distinct
		// defaults (8KiB vs 1MiB, SPEC_FULL.md §6) when it is zero.
		ProgressInterval: defaultProgressSeconds * time.Second,
		ConnectTimeout:   defaultConnectTimeout,
		ReadTimeout:      defaultReadTimeout,
		Tries:            defaultTries,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	if err := c.materializeTLS(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *DownloaderConfig) validate() error {
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("%w: max_concurrent must be > 0, got %d", ErrInvalidConfig, c.MaxConcurrent)
	}
	if len(c.SSLCACert) > 0 && c.SSLCACertPath != "" {
		return fmt.Errorf("%w: ssl_ca_cert and ssl_ca_cert_path are mutually exclusive", ErrInvalidConfig)
	}
	if len(c.SSLClientCert) > 0 && c.SSLClientCertPath != "" {
		return fmt.Errorf("%w: ssl_client_cert and ssl_client_cert_path are mutually exclusive", ErrInvalidConfig)
	}
	if len(c.SSLClientKey) > 0 && c.SSLClientKeyPath != "" {
		return fmt.Errorf("%w: ssl_client_key and ssl_client_key_path are mutually exclusive", ErrInvalidConfig)
	}
	for _, p := range []string{c.SSLCACertPath, c.SSLClientCertPath, c.SSLClientKeyPath} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: unreadable cert path %q: %v", ErrInvalidConfig, p, err)
		}
	}
	return nil
}

// materializeTLS writes any inline TLS material to a temp file prefixed
// "nectar-<field>-" so components that need a filesystem path (e.g. an
// x509 KeyPair loader) can use one uniformly; both the inline bytes and
// the path remain accessible afterward.
func (c *DownloaderConfig) materializeTLS() error {
	fields := []struct {
		data *[]byte
		path *string
		name string
	}{
		{&c.SSLCACert, &c.SSLCACertPath, "ssl_ca_cert"},
		{&c.SSLClientCert, &c.SSLClientCertPath, "ssl_client_cert"},
		{&c.SSLClientKey, &c.SSLClientKeyPath, "ssl_client_key"},
	}
	for _, f := range fields {
		if len(*f.data) == 0 {
			continue
		}
		tmp, err := os.CreateTemp("", "nectar-"+f.name+"-")
		if err != nil {
			return err
		}
		if _, err := tmp.Write(*f.data); err != nil {
			tmp.Close()
			return err
		}
		tmp.Close()
		*f.path = tmp.Name()
		c.tempFiles = append(c.tempFiles, tmp.Name())
	}
	return nil
}

// Finalize removes any temp files created for inline TLS material. Call
// it when the config is no longer needed.
func (c *DownloaderConfig) Finalize() {
	for _, p := range c.tempFiles {
		os.Remove(p)
	}
	c.tempFiles = nil
}

// Get is a narrow dynamic-lookup escape hatch for the handful of call
// sites that want dictionary semantics instead of a struct field (see
// SPEC_FULL.md Design Notes on re-architecting dynamic attribute
// config). Unknown names return def.
func (c *DownloaderConfig) Get(name string, def any) any {
	switch name {
	case "headers":
		if c.Headers != nil {
			return c.Headers
		}
	case "proxy_password":
		if c.ProxyPassword != "" {
			return c.ProxyPassword
		}
	case "progress_interval":
		if c.ProgressInterval != 0 {
			return c.ProgressInterval
		}
	case "max_speed":
		if c.MaxSpeed != nil {
			return *c.MaxSpeed
		}
	case "buffer_size":
		if c.BufferSize != 0 {
			return c.BufferSize
		}
	}
	return def
}

// --- options ---

func WithMaxConcurrent(n int) Option {
	return func(c *DownloaderConfig) error { c.MaxConcurrent = n; return nil }
}

func WithBasicAuth(username, password string) Option {
	return func(c *DownloaderConfig) error {
		c.BasicAuthUsername, c.BasicAuthPassword = username, password
		return nil
	}
}

func WithSSLValidation(enabled bool) Option {
	return func(c *DownloaderConfig) error { c.SSLValidation = enabled; return nil }
}

func WithCACertPath(path string) Option {
	return func(c *DownloaderConfig) error { c.SSLCACertPath = path; return nil }
}

func WithCACert(data []byte) Option {
	return func(c *DownloaderConfig) error { c.SSLCACert = data; return nil }
}

func WithClientCertPath(certPath, keyPath string) Option {
	return func(c *DownloaderConfig) error {
		c.SSLClientCertPath, c.SSLClientKeyPath = certPath, keyPath
		return nil
	}
}

func WithClientCert(certData, keyData []byte) Option {
	return func(c *DownloaderConfig) error {
		c.SSLClientCert, c.SSLClientKey = certData, keyData
		return nil
	}
}

func WithProxy(url string, port int, username, password string) Option {
	return func(c *DownloaderConfig) error {
		c.ProxyURL, c.ProxyPort, c.ProxyUsername, c.ProxyPassword = url, port, username, password
		return nil
	}
}

func WithMaxSpeed(bytesPerSecond int64) Option {
	return func(c *DownloaderConfig) error { c.MaxSpeed = &bytesPerSecond; return nil }
}

func WithBufferSize(n int) Option {
	return func(c *DownloaderConfig) error { c.BufferSize = n; return nil }
}

func WithProgressInterval(d time.Duration) Option {
	return func(c *DownloaderConfig) error { c.ProgressInterval = d; return nil }
}

func WithTimeouts(connect, read time.Duration) Option {
	return func(c *DownloaderConfig) error { c.ConnectTimeout, c.ReadTimeout = connect, read; return nil }
}

func WithHeaders(h map[string]string) Option {
	return func(c *DownloaderConfig) error { c.Headers = h; return nil }
}

func WithLinkMode(hard, sym bool) Option {
	return func(c *DownloaderConfig) error { c.UseHardLinks, c.UseSymLinks = hard, sym; return nil }
}

func WithTries(n int) Option {
	return func(c *DownloaderConfig) error { c.Tries = n; return nil }
}

func WithContentKindSniffing(enabled bool) Option {
	return func(c *DownloaderConfig) error { c.SniffContentKind = enabled; return nil }
}

// effectiveBufferSize returns BufferSize or the HTTP default.
func (c *DownloaderConfig) effectiveBufferSize() int {
	if c.BufferSize > 0 {
		return c.BufferSize
	}
	return defaultBufferSizeHTTP
}
