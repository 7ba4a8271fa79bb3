package protocol

import "encoding/binary"

// Writer builds a TLV payload and the parallel list of fds a message will
// carry. Used both by cmd/spawnerctl (building EXEC requests) and by the
// response encoders below.
type Writer struct {
	buf []byte
	fds []int
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated payload.
func (w *Writer) Bytes() []byte { return w.buf }

// Fds returns the accumulated fd list, in the order AddFd was called.
func (w *Writer) Fds() []int { return w.fds }

// Byte appends a single byte.
func (w *Writer) Byte(b byte) { w.buf = append(w.buf, b) }

// RawBytes appends raw bytes verbatim.
func (w *Writer) RawBytes(b []byte) { w.buf = append(w.buf, b...) }

// Uint32 appends a little-endian u32.
func (w *Writer) Uint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// Int32 appends a little-endian i32.
func (w *Writer) Int32(v int32) { w.Uint32(uint32(v)) }

// Uint64 appends a little-endian u64.
func (w *Writer) Uint64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// LString appends a u32 length prefix followed by s's bytes.
func (w *Writer) LString(s string) {
	w.Uint32(uint32(len(s)))
	w.RawBytes([]byte(s))
}

// CString appends s followed by a NUL terminator.
func (w *Writer) CString(s string) {
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// AddFd records an fd to be carried alongside the payload and returns its
// position in the fd list (informational only; consumption order on the
// decode side is implicit, not by index).
func (w *Writer) AddFd(fd int) int {
	w.fds = append(w.fds, fd)
	return len(w.fds) - 1
}

// ExecCompleteItem is one entry of an EXEC_COMPLETE batch (spec.md §4.1).
type ExecCompleteItem struct {
	ID  uint32
	Err string // empty means success
}

// ExitItem is one entry of an EXIT batch (spec.md §4.1).
type ExitItem struct {
	ID     uint32
	Status int32
}

// EncodeExecComplete splits items into payload batches of at most
// MaxBatchItems, each prefixed with RespExecComplete.
func EncodeExecComplete(items []ExecCompleteItem) [][]byte {
	var out [][]byte
	for len(items) > 0 {
		n := len(items)
		if n > MaxBatchItems {
			n = MaxBatchItems
		}
		w := NewWriter()
		w.Byte(byte(RespExecComplete))
		for _, it := range items[:n] {
			w.Uint32(it.ID)
			w.Uint32(uint32(len(it.Err)))
			w.RawBytes([]byte(it.Err))
		}
		out = append(out, w.Bytes())
		items = items[n:]
	}
	return out
}

// EncodeExit splits items into payload batches of at most MaxBatchItems,
// each prefixed with RespExit.
func EncodeExit(items []ExitItem) [][]byte {
	var out [][]byte
	for len(items) > 0 {
		n := len(items)
		if n > MaxBatchItems {
			n = MaxBatchItems
		}
		w := NewWriter()
		w.Byte(byte(RespExit))
		for _, it := range items[:n] {
			w.Uint32(it.ID)
			w.Int32(it.Status)
		}
		out = append(out, w.Bytes())
		items = items[n:]
	}
	return out
}

// DecodeExecComplete parses a single EXEC_COMPLETE batch payload (without
// the leading kind byte). Used by cmd/spawnerctl and tests.
func DecodeExecComplete(payload []byte) ([]ExecCompleteItem, error) {
	r := NewReader(payload, nil)
	var items []ExecCompleteItem
	for !r.Done() {
		id, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		n, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		b, err := r.Bytes(int(n))
		if err != nil {
			return nil, err
		}
		items = append(items, ExecCompleteItem{ID: id, Err: string(b)})
	}
	return items, nil
}

// DecodeExit parses a single EXIT batch payload (without the leading kind
// byte). Used by cmd/spawnerctl and tests.
func DecodeExit(payload []byte) ([]ExitItem, error) {
	r := NewReader(payload, nil)
	var items []ExitItem
	for !r.Done() {
		id, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		status, err := r.Int32()
		if err != nil {
			return nil, err
		}
		items = append(items, ExitItem{ID: id, Status: status})
	}
	return items, nil
}
