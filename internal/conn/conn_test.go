package conn

import (
	"io"
	"time"

	"testing"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ctrlplane-oss/spawnerd/internal/engine"
	"github.com/ctrlplane-oss/spawnerd/internal/protocol"
)

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func execRequest(id uint32, name, path string) []byte {
	w := protocol.NewWriter()
	w.Byte(byte(protocol.CmdExec))
	w.Uint32(id)
	w.LString(name)
	w.Byte(byte(protocol.TagExecPath))
	w.CString(path)
	return w.Bytes()
}

func killRequest(id uint32, sig int32) []byte {
	return protocol.EncodeKill([]protocol.KillItem{{ID: id, Signal: sig}})
}

func TestDispatchMalformedPayloadKeepsConnectionAlive(t *testing.T) {
	a, _ := socketpair(t)
	c := New(a, &engine.Engine{}, discardLog())
	c.dispatch([]byte{0xFF}, nil) // unknown command tag
	if c.Dead() {
		t.Fatalf("malformed payload should not tear down the connection")
	}
}

func TestHandleKillUnknownIDIsNoop(t *testing.T) {
	a, _ := socketpair(t)
	c := New(a, &engine.Engine{}, discardLog())
	c.handleKill(killRequest(42, int32(unix.SIGTERM))[1:], nil)
	if c.WantsWrite() {
		t.Fatalf("unknown-id KILL should not produce a response")
	}
}

func TestEnqueueDrainFIFOOrder(t *testing.T) {
	a, b := socketpair(t)
	c := New(a, &engine.Engine{}, discardLog())

	c.enqueueExecComplete(protocol.ExecCompleteItem{ID: 1, Err: ""})
	c.enqueueExecComplete(protocol.ExecCompleteItem{ID: 2, Err: "boom"})
	c.enqueueExit(protocol.ExitItem{ID: 1, Status: 0})

	c.OnWritable()
	if c.WantsWrite() {
		t.Fatalf("expected both queues drained")
	}

	var gotExec []protocol.ExecCompleteItem
	var gotExit []protocol.ExitItem
	buf := make([]byte, 4096)
	for i := 0; i < 3; i++ {
		n, _, _, _, err := unix.Recvmsg(b, buf, nil, 0)
		if err != nil {
			t.Fatalf("Recvmsg: %v", err)
		}
		kind := protocol.ResponseKind(buf[0])
		switch kind {
		case protocol.RespExecComplete:
			items, err := protocol.DecodeExecComplete(buf[1:n])
			if err != nil {
				t.Fatalf("DecodeExecComplete: %v", err)
			}
			gotExec = append(gotExec, items...)
		case protocol.RespExit:
			items, err := protocol.DecodeExit(buf[1:n])
			if err != nil {
				t.Fatalf("DecodeExit: %v", err)
			}
			gotExit = append(gotExit, items...)
		default:
			t.Fatalf("unexpected response kind %#x", byte(kind))
		}
	}

	if len(gotExec) != 2 || gotExec[0].ID != 1 || gotExec[1].ID != 2 || gotExec[1].Err != "boom" {
		t.Fatalf("unexpected exec-complete batches: %+v", gotExec)
	}
	if len(gotExit) != 1 || gotExit[0].ID != 1 {
		t.Fatalf("unexpected exit batch: %+v", gotExit)
	}
}

func TestHandleExecSpawnsAndCompletesSuccessfully(t *testing.T) {
	a, b := socketpair(t)
	c := New(a, &engine.Engine{}, discardLog())

	req := execRequest(9, "true", "/bin/true")
	c.handleExec(req[1:], nil) // strip the leading command-tag byte only

	if c.reg.Lookup(9) == nil {
		t.Fatalf("expected id 9 to be tracked after a successful spawn")
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.reg.Lookup(9) != nil && time.Now().Before(deadline) {
		c.reg.OnPidfdReadable(9)
		time.Sleep(10 * time.Millisecond)
	}
	if c.reg.Lookup(9) != nil {
		t.Fatalf("child 9 never completed")
	}

	c.OnWritable()
	buf := make([]byte, 4096)
	n, _, _, _, err := unix.Recvmsg(b, buf, nil, 0)
	if err != nil {
		t.Fatalf("Recvmsg: %v", err)
	}
	items, err := protocol.DecodeExecComplete(buf[1:n])
	if err != nil {
		t.Fatalf("DecodeExecComplete: %v", err)
	}
	if len(items) != 1 || items[0].ID != 9 || items[0].Err != "" {
		t.Fatalf("unexpected exec-complete: %+v", items)
	}
}
