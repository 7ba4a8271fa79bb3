// Package conn implements the per-client session state machine (spec.md
// §4.2, C8): receiving framed requests, dispatching them, and queuing
// batched responses with non-blocking backpressure.
//
// Conn talks to its socket through raw MSG_DONTWAIT recvmsg/sendmsg calls
// rather than net.UnixConn's blocking Read/Write: the reactor (C1) decides
// when the fd is readable or writable, and a single failed non-blocking
// attempt has to come back as EAGAIN rather than parking the calling
// goroutine the way Go's net package would.
package conn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ctrlplane-oss/spawnerd/internal/engine"
	"github.com/ctrlplane-oss/spawnerd/internal/protocol"
	"github.com/ctrlplane-oss/spawnerd/internal/registry"
	"github.com/ctrlplane-oss/spawnerd/internal/spawn"
)

// recvBufSize bounds a single atomic receive (spec.md §4.1: "a single
// receive yields one message atomically"). Large enough for an EXEC TLV
// stream with the argv/env/mount counts spec.md §8 exercises.
const recvBufSize = 1 << 20

// recvBufPool avoids a fresh megabyte allocation on every readable event.
var recvBufPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, recvBufSize)
	},
}

// Conn is one client session. It owns its fd, its child registry, and two
// independent FIFO response queues (spec.md §4.2 step 3, §5's "response
// ordering across EXEC_COMPLETE and EXIT is not synchronized").
type Conn struct {
	fd     int
	engine *engine.Engine
	reg    *registry.Registry
	log    *logrus.Entry

	execQueue [][]byte
	exitQueue [][]byte

	dead bool

	// OnAdopt is called when a CONNECT request hands this connection a new
	// client fd to adopt (spec.md §4.1's CONNECT); the supervisor (C9)
	// supplies this to register the new Conn with the reactor.
	OnAdopt func(fd int)
	// OnPeerClosed is called once, when the connection tears down, so the
	// supervisor can drop it from its connection list (spec.md §4.8).
	OnPeerClosed func(*Conn)

	// AddPidfdWatch registers fd for read-readiness with the reactor,
	// calling onReadable when a tracked child exits (spec.md §4.7's
	// "readiness for every pidfd (read = child exited)"). Supplied by the
	// supervisor; left nil in tests that never spawn a pidfd-bearing
	// child.
	AddPidfdWatch func(fd int, onReadable func()) error
	// RemovePidfdWatch drops fd from the reactor and closes it, once the
	// child it watched has exited or the connection is tearing down.
	RemovePidfdWatch func(fd int)
}

// New wraps fd (already accepted/adopted, SOCK_SEQPACKET or SOCK_DGRAM) as
// a Conn with an empty child registry.
func New(fd int, e *engine.Engine, log *logrus.Entry) *Conn {
	c := &Conn{fd: fd, engine: e, log: log}
	c.reg = registry.New(c.onChildExit, c.onPidfdDone)
	return c
}

// Fd returns the underlying descriptor, for reactor registration.
func (c *Conn) Fd() int { return c.fd }

// Dead reports whether Teardown has already run.
func (c *Conn) Dead() bool { return c.dead }

// WantsWrite reports whether either response queue is non-empty (spec.md
// §4.2: "writing is scheduled when either queue becomes non-empty").
func (c *Conn) WantsWrite() bool {
	return len(c.execQueue) > 0 || len(c.exitQueue) > 0
}

// OnReadable performs one atomic non-blocking receive and dispatches it.
// Called by the reactor when the fd reports read-readiness.
func (c *Conn) OnReadable() {
	buf := recvBufPool.Get().([]byte)
	defer recvBufPool.Put(buf)

	oob := make([]byte, unix.CmsgSpace(unix.SizeofInt*protocol.MaxFds))
	n, oobn, _, _, err := unix.Recvmsg(c.fd, buf, oob, unix.MSG_DONTWAIT)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return
	}
	if err != nil {
		c.log.WithError(err).Warn("recvmsg failed, tearing down connection")
		c.Teardown()
		return
	}
	if n == 0 {
		// Peer closed (spec.md §4.2 step 1, §7's PeerClosed kind).
		c.Teardown()
		return
	}

	fds, err := parseFds(oob[:oobn])
	if err != nil {
		c.log.WithError(err).Warn("malformed ancillary data")
		return
	}
	if len(fds) > protocol.MaxFds {
		closeAll(fds)
		c.log.Warnf("message carried %d fds, max is %d", len(fds), protocol.MaxFds)
		return
	}

	c.dispatch(buf[:n], fds)
}

func parseFds(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for _, m := range msgs {
		if m.Header.Level != unix.SOL_SOCKET || m.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		got, err := unix.ParseUnixRights(&m)
		if err != nil {
			return nil, err
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// dispatch decodes the command tag and routes to the matching handler
// (spec.md §4.2 step 2). Decoding failures are MalformedPayload: logged,
// message discarded, connection kept (spec.md §4.1, §7).
func (c *Conn) dispatch(payload []byte, fds []int) {
	cmd, body, err := protocol.ParseCommand(payload)
	if err != nil {
		c.logMalformed(err)
		closeAll(fds)
		return
	}

	switch cmd {
	case protocol.CmdConnect:
		c.handleConnect(body, fds)
	case protocol.CmdExec:
		c.handleExec(body, fds)
	case protocol.CmdKill:
		c.handleKill(body, fds)
	default:
		c.logMalformed(fmt.Errorf("unknown command tag %#x", byte(cmd)))
		closeAll(fds)
	}
}

func (c *Conn) logMalformed(err error) {
	c.log.WithError(err).Warn("malformed request")
}

func (c *Conn) handleConnect(body []byte, fds []int) {
	fd, err := protocol.DecodeConnect(body, fds)
	if err != nil {
		c.logMalformed(err)
		closeAll(fds)
		return
	}
	if c.OnAdopt != nil {
		c.OnAdopt(fd)
	} else {
		unix.Close(fd)
	}
}

func (c *Conn) handleKill(body []byte, fds []int) {
	items, err := protocol.DecodeKill(body, fds)
	if err != nil {
		c.logMalformed(err)
		closeAll(fds)
		return
	}
	if err := c.reg.HandleKill(items); err != nil {
		c.log.WithError(err).Warn("kill delivery failed")
	}
}

func (c *Conn) handleExec(body []byte, fds []int) {
	pc, err := spawn.Parse(body, fds)
	if err != nil {
		c.logMalformed(err)
		closeAll(fds)
		return
	}

	child, err := c.engine.Spawn(pc)
	if err != nil {
		c.enqueueExecComplete(protocol.ExecCompleteItem{ID: pc.ID, Err: err.Error()})
		if errors.Is(err, engine.ErrAuthorizationDenied) {
			// spec.md §6.4: denial also produces a synthetic EXIT, since
			// no child (and thus no later EXIT) will ever exist for this id.
			c.enqueueExit(protocol.ExitItem{ID: pc.ID, Status: protocol.SpawnFailureStatus})
			c.log.WithError(err).WithField("id", pc.ID).Warn("authorization denied")
		} else {
			// ResourceUnavailable/KernelFailure (spec.md §7): the engine
			// already turned the raw errno into this error, it only needs
			// a log line before becoming a protocol message.
			c.log.WithError(err).WithField("id", pc.ID).Error("spawn failed")
		}
		return
	}

	if err := c.reg.Track(pc.ID, child); err != nil {
		// id collision: the child is already running, nothing to do but
		// report it and let it leak until its own exit is observed by
		// whichever registration holds it.
		c.enqueueExecComplete(protocol.ExecCompleteItem{ID: pc.ID, Err: err.Error()})
		return
	}
	if child.Pidfd >= 0 && c.AddPidfdWatch != nil {
		id := pc.ID
		if err := c.AddPidfdWatch(child.Pidfd, func() { c.reg.OnPidfdReadable(id) }); err != nil {
			c.log.WithError(err).WithField("id", id).Error("pidfd watch registration failed")
		}
	}
	c.enqueueExecComplete(protocol.ExecCompleteItem{ID: pc.ID, Err: ""})
}

func (c *Conn) onChildExit(id uint32, status int32) {
	c.enqueueExit(protocol.ExitItem{ID: id, Status: status})
}

// onPidfdDone is Registry's hook for releasing a pidfd-tracked child's
// watch once it's no longer needed (spec.md §4.7 step 1's "drop the
// pidfd"). RemovePidfdWatch, when set, owns closing fd itself (it has to
// drop it from the reactor's interest set first); with no reactor wired
// up at all, the pidfd still has to be closed here or it leaks.
func (c *Conn) onPidfdDone(pidfd int) {
	if c.RemovePidfdWatch != nil {
		c.RemovePidfdWatch(pidfd)
		return
	}
	unix.Close(pidfd)
}

func (c *Conn) enqueueExecComplete(item protocol.ExecCompleteItem) {
	c.execQueue = append(c.execQueue, protocol.EncodeExecComplete([]protocol.ExecCompleteItem{item})...)
}

func (c *Conn) enqueueExit(item protocol.ExitItem) {
	c.exitQueue = append(c.exitQueue, protocol.EncodeExit([]protocol.ExitItem{item})...)
}

// OnWritable drains as much of the two response queues as a non-blocking
// sendmsg allows, preserving FIFO order within each queue (spec.md §4.2
// step 3, §5). It alternates one batch at a time rather than draining one
// queue before the other, since neither queue has priority over the other.
func (c *Conn) OnWritable() {
	for c.WantsWrite() {
		if len(c.execQueue) > 0 && !c.trySend(c.execQueue[0]) {
			return
		}
		if len(c.execQueue) > 0 {
			c.execQueue = c.execQueue[1:]
		}
		if len(c.exitQueue) > 0 && !c.trySend(c.exitQueue[0]) {
			return
		}
		if len(c.exitQueue) > 0 {
			c.exitQueue = c.exitQueue[1:]
		}
	}
}

// trySend makes one non-blocking sendmsg attempt. A false return means
// EWOULDBLOCK: the batch stays at the head of its queue for the next
// writable event (spec.md §4.1: "batches are queued and flushed on
// writable-readiness").
func (c *Conn) trySend(batch []byte) bool {
	err := unix.Sendmsg(c.fd, batch, nil, nil, unix.MSG_DONTWAIT)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return false
	}
	if err != nil {
		c.log.WithError(err).Warn("sendmsg failed, tearing down connection")
		c.Teardown()
		return false
	}
	return true
}

// Teardown implements spec.md §4.2's "closing a connection issues SIGTERM
// to every child tracked by this connection, releases the child record,
// and releases all leases" — Registry.Teardown already does exactly that.
func (c *Conn) Teardown() {
	if c.dead {
		return
	}
	c.dead = true
	c.reg.Teardown()
	unix.Close(c.fd)
	if c.OnPeerClosed != nil {
		c.OnPeerClosed(c)
	}
}
