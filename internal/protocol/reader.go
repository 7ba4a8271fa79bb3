package protocol

import (
	"encoding/binary"
)

// Reader walks a TLV payload and its parallel fd list left to right. Every
// primitive bounds-checks and returns a MalformedPayloadError on truncation
// so callers never need to pre-validate length.
type Reader struct {
	buf []byte
	pos int

	fds   []int
	fdPos int
}

// NewReader wraps a request payload and the fds carried alongside it.
func NewReader(buf []byte, fds []int) *Reader {
	return &Reader{buf: buf, fds: fds}
}

// Len returns the number of unread payload bytes.
func (r *Reader) Len() int { return len(r.buf) - r.pos }

// Done reports whether the payload has been fully consumed.
func (r *Reader) Done() bool { return r.pos >= len(r.buf) }

// RemainingFds reports how many fds have not yet been consumed by Fd.
func (r *Reader) RemainingFds() int { return len(r.fds) - r.fdPos }

// Byte reads a single tag or flag byte.
func (r *Reader) Byte() (byte, error) {
	if r.Len() < 1 {
		return 0, malformed("truncated: expected 1 byte, have %d", r.Len())
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// Bytes reads exactly n raw bytes.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if n < 0 || r.Len() < n {
		return nil, malformed("truncated: expected %d bytes, have %d", n, r.Len())
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Uint32 reads a little-endian u32.
func (r *Reader) Uint32() (uint32, error) {
	b, err := r.Bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Int32 reads a little-endian i32.
func (r *Reader) Int32() (int32, error) {
	v, err := r.Uint32()
	return int32(v), err
}

// Uint64 reads a little-endian u64.
func (r *Reader) Uint64() (uint64, error) {
	b, err := r.Bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// CString reads bytes up to and including a NUL terminator and returns the
// string without the terminator.
func (r *Reader) CString() (string, error) {
	start := r.pos
	for i := r.pos; i < len(r.buf); i++ {
		if r.buf[i] == 0 {
			s := string(r.buf[start:i])
			r.pos = i + 1
			return s, nil
		}
	}
	return "", malformed("truncated: unterminated string")
}

// LString reads a u32 length prefix followed by that many raw bytes,
// returned as a string (used for the EXEC message's leading `name` field
// and the EXEC_COMPLETE error string; spec.md §4.1, §4.3).
func (r *Reader) LString() (string, error) {
	n, err := r.Uint32()
	if err != nil {
		return "", err
	}
	b, err := r.Bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Fd consumes and returns the next borrowed file descriptor carried by the
// message. Every descriptor-consuming tag must call this exactly once.
func (r *Reader) Fd() (int, error) {
	if r.fdPos >= len(r.fds) {
		return -1, malformed("fd list exhausted")
	}
	fd := r.fds[r.fdPos]
	r.fdPos++
	return fd, nil
}

// LeakedFds returns the fds that were never consumed by Fd, so the caller
// can close them rather than leak them (spec.md §8: "no leaks, no
// double-consumption").
func (r *Reader) LeakedFds() []int {
	return r.fds[r.fdPos:]
}
