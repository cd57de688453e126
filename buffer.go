package msgio

import "unsafe"

// cursor tracks progress through one partially sent or received frame.
type cursor struct {
	buf []byte
	off int
}

func (c *cursor) pending() []byte {
	return c.buf[c.off:]
}

func (c *cursor) complete() bool {
	return c.off >= len(c.buf)
}

func (c *cursor) advance(n int) {
	c.off += n
}

func (c *cursor) reset() {
	c.buf, c.off = nil, 0
}

// scratch hands out a reusable buffer for typical frames and one-off
// allocations for larger ones.
type scratch struct {
	size int
	buf  []byte
}

func newScratch(size int) *scratch {
	return &scratch{size: size}
}

// acquire returns a buffer of length n.
func (s *scratch) acquire(n int) []byte {
	if n > s.size {
		return make([]byte, n)
	}
	if s.buf == nil {
		s.buf = make([]byte, s.size)
	}
	return s.buf[:n]
}

// grow extends b to length n keeping its content.
func (s *scratch) grow(b []byte, n int) []byte {
	if cap(b) >= n {
		return b[:n]
	}
	nb := s.acquire(n)
	copy(nb, b)
	return nb
}

// owns reports whether b shares its backing array with the scratch buffer.
func (s *scratch) owns(b []byte) bool {
	return s.buf != nil && overlaps(b, s.buf)
}

// release is called once a frame decoded out of b has been dispatched.
// A retained scratch buffer is abandoned and reallocated on next use.
func (s *scratch) release(b []byte, retained bool) {
	if retained && s.owns(b) {
		s.buf = nil
	}
}

func overlaps(a, b []byte) bool {
	a, b = a[:cap(a)], b[:cap(b)]
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	as := uintptr(unsafe.Pointer(unsafe.SliceData(a)))
	bs := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	return as < bs+uintptr(len(b)) && bs < as+uintptr(len(a))
}
