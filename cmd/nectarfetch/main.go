// Command nectarfetch is a thin manual-verification harness around the
// nectar engine. It is not part of the library's public contract.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pulp/nectar"
)

type printListener struct {
	nectar.NoopListener
}

func (printListener) DownloadStarted(r *nectar.Report) {
	fmt.Printf("started  %s\n", r.URL)
}

func (printListener) DownloadSucceeded(r *nectar.Report) {
	fmt.Printf("done     %s (%d bytes)\n", r.URL, r.BytesDownloaded)
}

func (printListener) DownloadFailed(r *nectar.Report) {
	fmt.Printf("failed   %s: %s\n", r.URL, r.ErrorMsg)
}

func main() {
	out := flag.String("out", "", "destination path")
	concurrency := flag.Int("concurrency", 5, "worker count")
	local := flag.Bool("local", false, "use the local file:// backend")
	flag.Parse()

	if flag.NArg() != 1 || *out == "" {
		fmt.Fprintln(os.Stderr, "usage: nectarfetch -out <dest> [-concurrency N] [-local] <url>")
		os.Exit(2)
	}
	rawurl := flag.Arg(0)

	cfg, err := nectar.NewDownloaderConfig(nectar.WithMaxConcurrent(*concurrency))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	defer cfg.Finalize()

	req := nectar.NewRequest(rawurl, nectar.PathDestination(*out), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var report *nectar.Report
	if *local {
		d := nectar.NewLocalDownloader(cfg, nectar.WithLocalListener(printListener{}))
		report = d.DownloadOne(req, true)
	} else {
		d := nectar.NewHTTPDownloader(cfg, nectar.WithListener(printListener{}))
		report = d.DownloadOne(ctx, req, true)
	}

	if report.State() != nectar.StateSucceeded {
		os.Exit(1)
	}
}
