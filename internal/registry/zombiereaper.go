package registry

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// globalZombies is the process-wide SIGCHLD fallback path (spec.md §4.7:
// "a process-global ZombieReaper ... for children whose pidfd path is not
// available"). Modeled on spin-stack/spinbox's vminitd, which does the same
// signal.Notify(unix.SIGCHLD) + reap-on-signal dance in its main select
// loop; here it runs on its own goroutine since this module's reactor
// dispatches pidfd readiness, not bare signals.
var globalZombies = newZombieReaper()

// Zombies returns the process-wide ZombieReaper singleton, so the
// supervisor (C9) can Start it at startup and Stop it once the last
// connection is gone (spec.md §4.8).
func Zombies() *ZombieReaper { return globalZombies }

// ZombieReaper owns the pid → owning-Registry index for children spawned
// without a pidfd, and drains zombies off SIGCHLD. Its index is the one
// piece of state in this package touched from more than one goroutine (the
// signal-handling goroutine and whichever thread calls Track/complete), so
// unlike Registry it carries its own mutex.
type ZombieReaper struct {
	mu      sync.Mutex
	waiters map[int]*Registry

	sig  chan os.Signal
	stop chan struct{}
	once sync.Once
}

func newZombieReaper() *ZombieReaper {
	return &ZombieReaper{
		waiters: make(map[int]*Registry),
		sig:     make(chan os.Signal, 1),
		stop:    make(chan struct{}),
	}
}

// Start begins listening for SIGCHLD. Safe to call multiple times; only the
// first call has effect. The supervisor (C9) calls this once at startup and
// Stop when the last connection is gone (spec.md §4.8).
func (z *ZombieReaper) Start() {
	z.once.Do(func() {
		signal.Notify(z.sig, unix.SIGCHLD)
		go z.loop()
	})
}

// Stop disables the reaper (spec.md §4.8's "the supervisor disables the
// reaper ... and returns from Run()").
func (z *ZombieReaper) Stop() {
	signal.Stop(z.sig)
	close(z.stop)
}

func (z *ZombieReaper) loop() {
	for {
		select {
		case <-z.sig:
			z.Reap()
		case <-z.stop:
			return
		}
	}
}

// Reap drains every zombie currently waitable via waitpid(-1, WNOHANG),
// dispatching each to the Registry that's tracking its pid. Exported so the
// reactor can also call it directly once a self-pipe/epoll integration
// exists, rather than only reacting to the signal channel.
func (z *ZombieReaper) Reap() {
	for {
		var wstatus syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &wstatus, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		z.mu.Lock()
		owner := z.waiters[pid]
		delete(z.waiters, pid)
		z.mu.Unlock()
		if owner != nil {
			owner.completeFromReaper(pid, wstatus)
		}
	}
}

func (z *ZombieReaper) watch(pid int, r *Registry) {
	z.mu.Lock()
	z.waiters[pid] = r
	z.mu.Unlock()
}

func (z *ZombieReaper) unwatch(pid int) {
	z.mu.Lock()
	delete(z.waiters, pid)
	z.mu.Unlock()
}
