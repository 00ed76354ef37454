package stats

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

type fakeSource struct {
	out, in uint64
	cnt     int
}

func (f *fakeSource) BytesOut() uint64     { return f.out }
func (f *fakeSource) BytesIn() uint64      { return f.in }
func (f *fakeSource) LiveConnections() int { return f.cnt }

func TestReporterPrintsLineOnEachTick(t *testing.T) {
	src := &fakeSource{out: 2048, in: 1024, cnt: 3}
	var buf bytes.Buffer
	r := New(src, 10*time.Millisecond, &buf)

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	lines := strings.Count(buf.String(), "\n")
	if lines < 2 {
		t.Fatalf("expected at least 2 reported lines, got %d: %q", lines, buf.String())
	}
	if !strings.Contains(buf.String(), "Out: 2 kByte, In: 1 kByte, Cnt: 3") {
		t.Fatalf("unexpected line content: %q", buf.String())
	}
}

func TestReporterWithNonPositiveIntervalNeverWrites(t *testing.T) {
	src := &fakeSource{out: 1, in: 1, cnt: 1}
	var buf bytes.Buffer
	r := New(src, 0, &buf)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
}
