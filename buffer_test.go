package msgio

import (
	"bytes"
	"testing"
)

func TestCursor(t *testing.T) {
	var c cursor
	c.buf = []byte("abcdef")

	if c.complete() {
		t.Fatal("fresh cursor reports complete")
	}
	c.advance(4)
	if got := string(c.pending()); got != "ef" {
		t.Errorf("pending = %q, want %q", got, "ef")
	}
	c.advance(2)
	if !c.complete() {
		t.Error("cursor not complete after consuming all bytes")
	}

	c.reset()
	if c.buf != nil || c.off != 0 {
		t.Error("reset did not clear the cursor")
	}
}

func TestScratch_AcquireReusesBuffer(t *testing.T) {
	s := newScratch(64)

	a := s.acquire(10)
	b := s.acquire(20)
	if len(a) != 10 || len(b) != 20 {
		t.Fatalf("lengths = %d, %d, want 10, 20", len(a), len(b))
	}
	if &a[0] != &b[0] {
		t.Error("small acquisitions should share the scratch buffer")
	}
	if !s.owns(b) {
		t.Error("scratch does not own its own buffer")
	}
}

func TestScratch_AcquireLargeIsOneOff(t *testing.T) {
	s := newScratch(16)

	big := s.acquire(100)
	if len(big) != 100 {
		t.Fatalf("len = %d, want 100", len(big))
	}
	if s.owns(big) {
		t.Error("large allocation should not be the scratch buffer")
	}
	if s.buf != nil {
		t.Error("large allocation should not create the scratch buffer")
	}
}

func TestScratch_GrowKeepsHeader(t *testing.T) {
	s := newScratch(HeaderSize)

	hdr := s.acquire(HeaderSize)
	copy(hdr, "HEADER!!")

	grown := s.grow(hdr, HeaderSize+32)
	if len(grown) != HeaderSize+32 {
		t.Fatalf("len = %d, want %d", len(grown), HeaderSize+32)
	}
	if !bytes.Equal(grown[:HeaderSize], []byte("HEADER!!")) {
		t.Errorf("header bytes lost on grow: %q", grown[:HeaderSize])
	}
}

func TestScratch_GrowWithinCapacity(t *testing.T) {
	s := newScratch(64)

	hdr := s.acquire(HeaderSize)
	grown := s.grow(hdr, 40)
	if &grown[0] != &hdr[0] {
		t.Error("grow within capacity should reslice in place")
	}
}

func TestScratch_ReleaseRetained(t *testing.T) {
	s := newScratch(64)

	first := s.acquire(32)
	copy(first, "kept by a message")

	s.release(first, false)
	if !s.owns(s.acquire(1)) {
		t.Fatal("unretained buffer should be reused")
	}

	s.release(first, true)
	second := s.acquire(32)
	if &second[0] == &first[0] {
		t.Fatal("retained buffer was handed out again")
	}
	if !bytes.HasPrefix(first, []byte("kept by a message")) {
		t.Error("retained bytes were overwritten")
	}
}

func TestScratch_ReleaseForeignBuffer(t *testing.T) {
	s := newScratch(64)
	own := s.acquire(8)

	s.release(make([]byte, 8), true)
	if !s.owns(own) || s.buf == nil {
		t.Error("releasing a foreign buffer dropped the scratch buffer")
	}
}

func TestOverlaps(t *testing.T) {
	buf := make([]byte, 32)

	if !overlaps(buf[4:8], buf[6:10]) {
		t.Error("overlapping slices not detected")
	}
	if !overlaps(buf[:0], buf) {
		t.Error("zero length slice of the same array should overlap through its capacity")
	}
	if overlaps(buf, make([]byte, 32)) {
		t.Error("distinct arrays reported as overlapping")
	}
	if overlaps(nil, buf) {
		t.Error("nil slice reported as overlapping")
	}
}
