// Package nectar is a concurrent bulk download engine. It accepts a stream
// of download requests and executes them against HTTP/HTTPS or local
// filesystem backends, reporting per-request lifecycle events to a
// caller-supplied listener and producing a terminal Report for each
// request.
//
// The package does not parse configuration files or provide a CLI;
// callers build a DownloaderConfig (inline TLS material is written to temp
// files there) and hand it a stream of requests, and it drives the
// fetches.
package nectar
