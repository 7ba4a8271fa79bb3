package protocol

import "testing"

func TestReaderPrimitives(t *testing.T) {
	w := NewWriter()
	w.Byte(0x42)
	w.Uint32(123456)
	w.Int32(-7)
	w.CString("hello")
	fd := w.AddFd(99)
	if fd != 0 {
		t.Fatalf("AddFd index = %d, want 0", fd)
	}

	r := NewReader(w.Bytes(), w.Fds())
	b, err := r.Byte()
	if err != nil || b != 0x42 {
		t.Fatalf("Byte() = %v, %v", b, err)
	}
	u, err := r.Uint32()
	if err != nil || u != 123456 {
		t.Fatalf("Uint32() = %v, %v", u, err)
	}
	i, err := r.Int32()
	if err != nil || i != -7 {
		t.Fatalf("Int32() = %v, %v", i, err)
	}
	s, err := r.CString()
	if err != nil || s != "hello" {
		t.Fatalf("CString() = %q, %v", s, err)
	}
	gotFd, err := r.Fd()
	if err != nil || gotFd != 99 {
		t.Fatalf("Fd() = %v, %v", gotFd, err)
	}
	if !r.Done() {
		t.Fatalf("expected reader to be drained, %d bytes remain", r.Len())
	}
}

func TestReaderTruncation(t *testing.T) {
	r := NewReader([]byte{1, 2}, nil)
	if _, err := r.Uint32(); !IsMalformed(err) {
		t.Fatalf("expected MalformedPayloadError, got %v", err)
	}
}

func TestReaderCStringUnterminated(t *testing.T) {
	r := NewReader([]byte("no-nul"), nil)
	if _, err := r.CString(); !IsMalformed(err) {
		t.Fatalf("expected MalformedPayloadError, got %v", err)
	}
}

func TestReaderFdExhausted(t *testing.T) {
	r := NewReader(nil, nil)
	if _, err := r.Fd(); !IsMalformed(err) {
		t.Fatalf("expected MalformedPayloadError, got %v", err)
	}
}

func TestReaderLeakedFds(t *testing.T) {
	r := NewReader(nil, []int{3, 4, 5})
	if _, err := r.Fd(); err != nil {
		t.Fatal(err)
	}
	leaked := r.LeakedFds()
	if len(leaked) != 2 || leaked[0] != 4 || leaked[1] != 5 {
		t.Fatalf("LeakedFds() = %v", leaked)
	}
}

func TestExecCompleteRoundTrip(t *testing.T) {
	items := []ExecCompleteItem{
		{ID: 7, Err: ""},
		{ID: 8, Err: "execve: no such file or directory"},
	}
	batches := EncodeExecComplete(items)
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	kind, body, err := ParseCommand(batches[0])
	if err != nil {
		t.Fatal(err)
	}
	if ResponseKind(kind) != RespExecComplete {
		t.Fatalf("kind = %x, want %x", kind, RespExecComplete)
	}
	got, err := DecodeExecComplete(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != items[0] || got[1] != items[1] {
		t.Fatalf("got %+v, want %+v", got, items)
	}
}

func TestExitRoundTrip(t *testing.T) {
	items := []ExitItem{{ID: 10, Status: 0}, {ID: 11, Status: 0xFF00}}
	batches := EncodeExit(items)
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	_, body, err := ParseCommand(batches[0])
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeExit(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != items[0] || got[1] != items[1] {
		t.Fatalf("got %+v, want %+v", got, items)
	}
}

func TestExecCompleteBatching(t *testing.T) {
	items := make([]ExecCompleteItem, MaxBatchItems+1)
	for i := range items {
		items[i] = ExecCompleteItem{ID: uint32(i)}
	}
	batches := EncodeExecComplete(items)
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	_, body0, _ := ParseCommand(batches[0])
	first, err := DecodeExecComplete(body0)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != MaxBatchItems {
		t.Fatalf("first batch has %d items, want %d", len(first), MaxBatchItems)
	}
	_, body1, _ := ParseCommand(batches[1])
	second, err := DecodeExecComplete(body1)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 {
		t.Fatalf("second batch has %d items, want 1", len(second))
	}
}

func TestDecodeConnect(t *testing.T) {
	if _, err := DecodeConnect([]byte{1}, []int{5}); !IsMalformed(err) {
		t.Fatalf("expected malformed for non-empty payload, got %v", err)
	}
	if _, err := DecodeConnect(nil, nil); !IsMalformed(err) {
		t.Fatalf("expected malformed for zero fds, got %v", err)
	}
	if _, err := DecodeConnect(nil, []int{5, 6}); !IsMalformed(err) {
		t.Fatalf("expected malformed for >1 fd, got %v", err)
	}
	fd, err := DecodeConnect(nil, []int{5})
	if err != nil || fd != 5 {
		t.Fatalf("DecodeConnect() = %v, %v", fd, err)
	}
}

func TestKillRoundTrip(t *testing.T) {
	items := []KillItem{{ID: 10, Signal: 15}}
	payload := EncodeKill(items)
	_, body, err := ParseCommand(payload)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeKill(body, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != items[0] {
		t.Fatalf("got %+v, want %+v", got, items)
	}
}

func TestDecodeKillRejectsFds(t *testing.T) {
	if _, err := DecodeKill(nil, []int{1}); !IsMalformed(err) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestNSKindValid(t *testing.T) {
	if !NSCgroup.Valid() {
		t.Fatal("NSCgroup should be valid")
	}
	if NSKind(200).Valid() {
		t.Fatal("out of range NSKind should be invalid")
	}
}

func TestMountKindValid(t *testing.T) {
	if !MountHome.Valid() {
		t.Fatal("MountHome should be valid")
	}
	if MountKind(200).Valid() {
		t.Fatal("out of range MountKind should be invalid")
	}
}
