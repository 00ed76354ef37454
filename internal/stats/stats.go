// Package stats prints the periodic observability line described in §6:
// cumulative bytes moved through a TrunkLink's outbound TCP links, and its
// live virtual-connection count.
package stats

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/getlantern/golog"
)

var log = golog.LoggerFor("stats")

// Source is anything a Reporter can sample. internal/trunk.Link implements
// this directly.
type Source interface {
	BytesOut() uint64
	BytesIn() uint64
	LiveConnections() int
}

// Reporter prints Source's counters to out on a fixed interval until ctx is
// cancelled.
type Reporter struct {
	src      Source
	interval time.Duration
	out      io.Writer
}

// New builds a Reporter. A non-positive interval disables reporting
// entirely: Run returns immediately without printing anything.
func New(src Source, interval time.Duration, out io.Writer) *Reporter {
	return &Reporter{src: src, interval: interval, out: out}
}

// Run blocks, printing one line every interval, until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *Reporter) report() {
	outKB := r.src.BytesOut() / 1024
	inKB := r.src.BytesIn() / 1024
	cnt := r.src.LiveConnections()

	if _, err := fmt.Fprintf(r.out, "Out: %d kByte, In: %d kByte, Cnt: %d\n", outKB, inKB, cnt); err != nil {
		log.Debugf("stats: write line: %v", err)
	}
}
