// Package registry tracks running children per connection and demultiplexes
// their exit notifications (spec.md §4.7, C7).
//
// Each child is watched for death one of two ways: by its pidfd, polled for
// readability by the reactor, or — when the kernel didn't hand back a pidfd
// (CLONE_PIDFD unsupported; see pkg/forkexec.Runner.NeedPidfd) — by the
// process-global ZombieReaper's SIGCHLD/waitpid fallback.
package registry

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ctrlplane-oss/spawnerd/internal/engine"
	"github.com/ctrlplane-oss/spawnerd/internal/protocol"
)

// ChildRecord is one running child, owned by the connection that spawned it
// (spec.md §4.7's "each connection owns a map id → ChildRecord").
type ChildRecord struct {
	ID    uint32
	Pid   int
	Pidfd int // -1 when the legacy SIGCHLD path applies

	child *engine.Child
}

// Registry is the per-connection id → ChildRecord map. It is not safe for
// concurrent use: per spec.md §5 every connection is driven from the single
// reactor thread, so no locking is needed here. The one exception is the
// cross-thread handoff from ZombieReaper, which is synchronized separately
// (see zombiereaper.go).
type Registry struct {
	records     map[uint32]*ChildRecord
	onExit      func(id uint32, status int32)
	onPidfdDone func(pidfd int)
}

// New creates a Registry. onExit is invoked once per child, after its
// record has been removed and its resources released, with the raw wait
// status to encode into an EXIT response (spec.md §4.7 step 2).
// onPidfdDone is invoked with a pidfd-tracked child's pidfd once it is no
// longer needed (the child has exited or the connection is tearing down),
// so the caller can drop it from the reactor and close it; it is not
// called for legacy SIGCHLD-path children, which never had a pidfd to
// begin with. Either callback may be nil.
func New(onExit func(id uint32, status int32), onPidfdDone func(pidfd int)) *Registry {
	return &Registry{
		records:     make(map[uint32]*ChildRecord),
		onExit:      onExit,
		onPidfdDone: onPidfdDone,
	}
}

// Track registers a freshly spawned child under id. It returns an error if
// id is already in use (the caller is responsible for allocating unique
// request ids; spec.md §4.1).
func (r *Registry) Track(id uint32, c *engine.Child) error {
	if _, exists := r.records[id]; exists {
		return fmt.Errorf("registry: id %d already tracked", id)
	}
	rec := &ChildRecord{ID: id, Pid: c.Pid, Pidfd: c.Pidfd, child: c}
	r.records[id] = rec
	if rec.Pidfd < 0 {
		globalZombies.watch(rec.Pid, r)
	}
	return nil
}

// Lookup returns the record for id, or nil if it isn't tracked (e.g. a KILL
// raced with the child's own exit — spec.md §8 invariant 3: "if i is not
// live, the KILL is silently ignored").
func (r *Registry) Lookup(id uint32) *ChildRecord {
	return r.records[id]
}

// PidfdsForPoll returns the (id, pidfd) pairs the reactor should register
// for read-readiness. Children on the legacy SIGCHLD path (Pidfd == -1) are
// excluded; ZombieReaper handles those.
func (r *Registry) PidfdsForPoll() map[uint32]int {
	out := make(map[uint32]int, len(r.records))
	for id, rec := range r.records {
		if rec.Pidfd >= 0 {
			out[id] = rec.Pidfd
		}
	}
	return out
}

// OnPidfdReadable is called by the reactor when id's pidfd becomes readable.
// spec.md §4.7 describes this as waitid(P_PIDFD) yielding the exit status;
// golang.org/x/sys/unix's Siginfo leaves the wait-result union undecoded
// (only Signo/Errno/Code are exposed on linux/amd64), so this reaps via
// syscall.Wait4 on the known pid instead — pidfd readability is still what
// tells the reactor a wait won't block, it's just not the call that
// retrieves the status. pkg/forkexec's own handleChildFailed uses the same
// Wait4 idiom.
func (r *Registry) OnPidfdReadable(id uint32) {
	rec, ok := r.records[id]
	if !ok {
		return
	}
	var wstatus syscall.WaitStatus
	_, err := syscall.Wait4(rec.Pid, &wstatus, 0, nil)
	for err == syscall.EINTR {
		_, err = syscall.Wait4(rec.Pid, &wstatus, 0, nil)
	}
	r.complete(rec, int32(wstatus))
}

// completeFromReaper is ZombieReaper's entry point for the legacy path: it
// already has a pid and a raw wait status from waitpid(-1, WNOHANG).
func (r *Registry) completeFromReaper(pid int, wstatus syscall.WaitStatus) {
	for _, rec := range r.records {
		if rec.Pid == pid {
			r.complete(rec, int32(wstatus))
			return
		}
	}
}

func (r *Registry) complete(rec *ChildRecord, status int32) {
	delete(r.records, rec.ID)
	if rec.Pidfd < 0 {
		globalZombies.unwatch(rec.Pid)
	} else if r.onPidfdDone != nil {
		r.onPidfdDone(rec.Pidfd)
	}
	rec.child.Release()
	if r.onExit != nil {
		r.onExit(rec.ID, status)
	}
}

// HandleKill processes (id, signo) pairs from a KILL request (spec.md
// §4.7). Unknown ids are silently ignored per spec.md §8 invariant 3.
func (r *Registry) HandleKill(items []protocol.KillItem) error {
	var firstErr error
	for _, it := range items {
		rec, ok := r.records[it.ID]
		if !ok {
			continue
		}
		if err := r.signal(rec, it.Signal); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// signal delivers sig to rec via pidfd_send_signal when a pidfd is held
// (atomic and race-free against pid reuse, per spec.md §4.7), falling back
// to a plain kill(2) on the legacy path.
func (r *Registry) signal(rec *ChildRecord, sig int32) error {
	if rec.Pidfd >= 0 {
		return unix.PidfdSendSignal(rec.Pidfd, unix.Signal(sig), nil, 0)
	}
	return syscall.Kill(rec.Pid, syscall.Signal(sig))
}

// Teardown kills and reaps every still-tracked child, for PeerClosed
// handling (spec.md §7): "the connection and all its children are torn
// down." It waits for each child inline, mirroring
// pkg/forkexec's handleChildFailed, rather than leaving an unwatched
// zombie behind for ZombieReaper to never find (its waiters entry is
// removed here too).
func (r *Registry) Teardown() {
	for id, rec := range r.records {
		delete(r.records, id)
		if rec.Pidfd < 0 {
			globalZombies.unwatch(rec.Pid)
		} else if r.onPidfdDone != nil {
			r.onPidfdDone(rec.Pidfd)
		}
		r.signal(rec, int32(syscall.SIGKILL))
		var wstatus syscall.WaitStatus
		_, err := syscall.Wait4(rec.Pid, &wstatus, 0, nil)
		for err == syscall.EINTR {
			_, err = syscall.Wait4(rec.Pid, &wstatus, 0, nil)
		}
		rec.child.Release()
	}
}
