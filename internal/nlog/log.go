// Package nlog provides the engine's ambient structured logger.
//
// It is configured exactly once per process (mirroring the lazy,
// sync.Once-guarded file logger the teacher used for its own debug
// output) but backed by logrus so library consumers get leveled,
// structured fields instead of a flat debug.log.
package nlog

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	once    sync.Once
	logger  *logrus.Logger
)

// Default returns the package-level logger, initializing it on first use
// with InfoLevel output to stderr. Callers that want different behavior
// should call SetDefault before constructing any downloader.
func Default() *logrus.Logger {
	once.Do(func() {
		logger = logrus.New()
		logger.SetOutput(os.Stderr)
		logger.SetLevel(logrus.InfoLevel)
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	})
	return logger
}

// SetDefault overrides the package-level logger. It must be called before
// any downloader is constructed to take effect everywhere.
func SetDefault(l *logrus.Logger) {
	once.Do(func() {}) // ensure Default() never re-initializes after this
	logger = l
}
