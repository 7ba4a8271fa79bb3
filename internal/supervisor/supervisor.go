// Package supervisor owns the spawner process's lifecycle: the listening
// socket, the reactor, the cgroup/tmpfs managers, the zombie reaper, and
// the set of live connections (spec.md §4.8, C9).
package supervisor

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ctrlplane-oss/spawnerd/internal/cgroupmgr"
	"github.com/ctrlplane-oss/spawnerd/internal/conn"
	"github.com/ctrlplane-oss/spawnerd/internal/engine"
	"github.com/ctrlplane-oss/spawnerd/internal/reactor"
	"github.com/ctrlplane-oss/spawnerd/internal/registry"
	"github.com/ctrlplane-oss/spawnerd/internal/tmpfsmgr"
	"github.com/ctrlplane-oss/spawnerd/pkg/unixsocket"
)

// Supervisor is C9: it multiplexes every connection through a single
// reactor thread, and the accept loop (the one piece of this system that
// has to block) runs on its own goroutine, handing newly accepted fds
// across via a self-pipe per spec.md §5's "an optional threaded
// front-end ... may inject events through a wakeup pipe protected by a
// single lock".
type Supervisor struct {
	React   *reactor.Reactor
	Cgroups *cgroupmgr.Manager
	Tmpfs   *tmpfsmgr.Manager

	engine *engine.Engine
	log    *logrus.Entry

	listener *net.UnixListener

	conns         map[int]*conn.Conn
	everConnected bool

	wakeupR, wakeupW int
	mu               sync.Mutex
	pendingAccepts   []int
	shutdownPending  bool
	shutdownDone     bool
}

// New builds a Supervisor around an already-bound, already-listening
// unix socket (net.ListenUnix("unixpacket", ...), per SPEC_FULL.md
// §6.5's cmd/spawnerctl talking "unixpacket" back to it).
func New(listener *net.UnixListener, cg *cgroupmgr.Manager, tfm *tmpfsmgr.Manager, e *engine.Engine, log *logrus.Entry) (*Supervisor, error) {
	r, err := reactor.New()
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		r.Close()
		return nil, fmt.Errorf("supervisor: wakeup pipe: %w", err)
	}

	s := &Supervisor{
		React:    r,
		Cgroups:  cg,
		Tmpfs:    tfm,
		engine:   e,
		log:      log,
		listener: listener,
		conns:    make(map[int]*conn.Conn),
		wakeupR:  fds[0],
		wakeupW:  fds[1],
	}
	if err := r.Add(&reactor.FuncSource{FdValue: s.wakeupR, OnReadableFunc: s.drainAccepts}); err != nil {
		unix.Close(s.wakeupR)
		unix.Close(s.wakeupW)
		r.Close()
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	return s, nil
}

// Run starts the zombie reaper and the background accept loop, then
// drives the reactor until either Close is racing in, a fatal poll error
// occurs, or the last connection closes — at which point the reactor
// stops and Run returns (spec.md §4.8: "When the last connection is
// gone, the supervisor disables the reaper, cancels timers, and returns
// from Run()").
func (s *Supervisor) Run() error {
	registry.Zombies().Start()
	go s.acceptLoop()
	return s.React.Run()
}

// Close releases the reactor's epoll fd, the wakeup pipe, and stops the
// tmpfs manager's background sweep. Call after Run returns.
func (s *Supervisor) Close() {
	unix.Close(s.wakeupR)
	unix.Close(s.wakeupW)
	s.React.Close()
	if s.Tmpfs != nil {
		s.Tmpfs.Close()
	}
}

func (s *Supervisor) acceptLoop() {
	for {
		c, err := s.listener.AcceptUnix()
		if err != nil {
			return
		}
		fd, err := rawNonblockingFd(c)
		c.Close()
		if err != nil {
			s.log.WithError(err).Warn("failed to extract a raw fd from an accepted connection")
			continue
		}
		s.mu.Lock()
		s.pendingAccepts = append(s.pendingAccepts, fd)
		s.mu.Unlock()
		s.wake()
	}
}

func (s *Supervisor) wake() {
	var b [1]byte
	unix.Write(s.wakeupW, b[:])
}

// drainAccepts runs on the reactor thread, woken by the accept goroutine
// via the self-pipe.
func (s *Supervisor) drainAccepts() {
	var buf [64]byte
	for {
		if _, err := unix.Read(s.wakeupR, buf[:]); err != nil {
			break
		}
	}

	s.mu.Lock()
	fds := s.pendingAccepts
	s.pendingAccepts = nil
	shuttingDown := s.shutdownPending
	s.mu.Unlock()

	for _, fd := range fds {
		if err := s.AddConnection(fd); err != nil {
			s.log.WithError(err).Warn("failed to register an accepted connection with the reactor")
		}
	}
	if shuttingDown {
		s.doShutdown()
	}
}

// AddConnection wraps fd as a Conn, wires its callbacks to the reactor
// and this Supervisor's bookkeeping, and registers it for readability
// (spec.md §4.8: "Every AddConnection(socket) appends to the list and
// schedules a read"). Call only from the reactor thread.
func (s *Supervisor) AddConnection(fd int) error {
	fields := logrus.Fields{"conn": fd}
	if cred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED); err == nil {
		fields["peer_pid"] = cred.Pid
	}

	c := conn.New(fd, s.engine, s.log.WithFields(fields))
	c.OnPeerClosed = s.removeConn
	c.OnAdopt = s.adopt
	c.AddPidfdWatch = s.addPidfdWatch
	c.RemovePidfdWatch = s.removePidfdWatch

	if err := s.React.Add(c); err != nil {
		unix.Close(fd)
		return err
	}

	s.conns[fd] = c
	s.everConnected = true
	return nil
}

func (s *Supervisor) addPidfdWatch(pidfd int, onReadable func()) error {
	return s.React.Add(&reactor.FuncSource{FdValue: pidfd, OnReadableFunc: onReadable})
}

func (s *Supervisor) removePidfdWatch(pidfd int) {
	s.React.Remove(pidfd)
	unix.Close(pidfd)
}

// adopt handles a CONNECT request's fd (spec.md §4.1): a new, as-yet
// unvalidated descriptor the client wants treated as its own connection.
// unixsocket.NewSocket both confirms it's really a unix socket and hands
// back a independently-owned duplicate, so a client can't smuggle in an
// arbitrary fd and have it driven as if it spoke the wire protocol.
func (s *Supervisor) adopt(fd int) {
	sock, err := unixsocket.NewSocket(fd)
	if err != nil {
		s.log.WithError(err).Warn("CONNECT carried an fd that isn't a unix socket")
		return
	}
	raw, err := rawNonblockingFd(sock.UnixConn)
	sock.Close()
	if err != nil {
		s.log.WithError(err).Warn("failed to extract a raw fd from an adopted connection")
		return
	}
	if err := s.AddConnection(raw); err != nil {
		s.log.WithError(err).Warn("failed to register an adopted connection with the reactor")
	}
}

func (s *Supervisor) removeConn(c *conn.Conn) {
	s.React.Remove(c.Fd())
	delete(s.conns, c.Fd())
	if s.everConnected && len(s.conns) == 0 {
		// Already on the reactor thread (this runs from within Conn.Teardown,
		// itself called from an OnReadable/OnWritable callback), so the stop
		// sequence can run immediately rather than round-tripping through the
		// wakeup pipe.
		s.doShutdown()
	}
}

// Shutdown implements spec.md §4.8's idle-exit ("the supervisor disables
// the reaper, cancels timers, and returns from Run()"), exposed so an
// external signal handler (cmd/spawnerd) can force the same sequence
// regardless of how many connections are still open. Safe to call from
// any goroutine: epoll_wait may be blocked indefinitely on the reactor
// thread, so this only closes the listener itself (safe from any thread)
// and wakes the reactor through the self-pipe, which runs the rest of the
// sequence once drainAccepts observes the pending flag.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	already := s.shutdownPending
	s.shutdownPending = true
	s.mu.Unlock()
	if already {
		return
	}
	s.listener.Close()
	s.wake()
}

// doShutdown runs the actual stop sequence. Called either directly from
// removeConn (already on the reactor thread) or from drainAccepts after
// an external Shutdown call wakes the reactor.
func (s *Supervisor) doShutdown() {
	if s.shutdownDone {
		return
	}
	s.shutdownDone = true
	registry.Zombies().Stop()
	s.listener.Close()
	s.React.Stop()
}

// rawNonblockingFd detaches a *net.UnixConn's descriptor from Go's
// runtime poller and returns an independently-owned, non-blocking,
// close-on-exec copy of it, suitable for internal/conn's raw
// recvmsg/sendmsg(MSG_DONTWAIT) use.
func rawNonblockingFd(c *net.UnixConn) (int, error) {
	f, err := c.File()
	if err != nil {
		return -1, err
	}
	fd, err := unix.Dup(int(f.Fd()))
	f.Close()
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
