package chunkpool

import "testing"

func TestFillCopiesAndTruncatesToValidLength(t *testing.T) {
	p := New("fill-test", 4, 8, false)
	el := p.Acquire()
	defer p.Release(el)

	got, err := Fill(el, []byte("abcd"))
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if string(got) != "abcd" {
		t.Fatalf("Fill = %q, want %q", got, "abcd")
	}
}

func TestFillRejectsOversizedSource(t *testing.T) {
	p := New("fill-test", 4, 4, false)
	el := p.Acquire()
	defer p.Release(el)

	if _, err := Fill(el, []byte("too long")); err == nil {
		t.Fatal("expected error for source exceeding chunk size")
	}
}

func TestBytesExposesFullBackingBuffer(t *testing.T) {
	p := New("bytes-test", 4, 8, false)
	el := p.Acquire()
	defer p.Release(el)

	buf := Bytes(el)
	if len(buf) != 8 {
		t.Fatalf("len(Bytes) = %d, want 8", len(buf))
	}

	copy(buf, []byte("hi"))
	if got, err := Fill(el, buf[:2]); err != nil || string(got) != "hi" {
		t.Fatalf("Fill after direct write = %q, %v", got, err)
	}
}

func TestReleaseThenAcquireReusesSlotWithClearedState(t *testing.T) {
	p := New("reuse-test", 1, 4, false)

	el := p.Acquire()
	if _, err := Fill(el, []byte("xy")); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	p.Release(el)

	el2 := p.Acquire()
	defer p.Release(el2)

	if got := el2.Data.(*chunk).GetSlice(); len(got) != 0 {
		t.Fatalf("reacquired chunk carries stale length, GetSlice() = %q", got)
	}
}
