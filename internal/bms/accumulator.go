package bms

import "bytes"

// Accumulator collects notification chunks until a decoder can frame
// them. Consumed bytes are skipped with a cursor and reclaimed lazily.
type Accumulator struct {
	buf []byte
	off int
}

// Append adds p to the unread tail.
func (a *Accumulator) Append(p []byte) {
	if a.off > 0 && a.off >= len(a.buf)/2 {
		n := copy(a.buf, a.buf[a.off:])
		a.buf = a.buf[:n]
		a.off = 0
	}
	a.buf = append(a.buf, p...)
}

// Bytes returns the unread bytes. The slice is valid until the next
// Append, Consume or Reset.
func (a *Accumulator) Bytes() []byte { return a.buf[a.off:] }

// Len is the number of unread bytes.
func (a *Accumulator) Len() int { return len(a.buf) - a.off }

// Consume drops n leading bytes; n past the end empties the buffer.
func (a *Accumulator) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= a.Len() {
		a.Reset()
		return
	}
	a.off += n
}

// KeepLast drops all but the final n bytes.
func (a *Accumulator) KeepLast(n int) {
	if l := a.Len(); l > n {
		a.Consume(l - n)
	}
}

// Index returns the offset of the first occurrence of sep in the unread
// bytes, or -1.
func (a *Accumulator) Index(sep []byte) int { return bytes.Index(a.Bytes(), sep) }

// Reset empties the buffer, keeping its capacity.
func (a *Accumulator) Reset() {
	a.buf = a.buf[:0]
	a.off = 0
}
