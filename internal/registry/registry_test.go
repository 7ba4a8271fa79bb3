package registry

import (
	"os/exec"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ctrlplane-oss/spawnerd/internal/engine"
	"github.com/ctrlplane-oss/spawnerd/internal/protocol"
)

func killItemFor(id uint32, sig int32) []protocol.KillItem {
	return []protocol.KillItem{{ID: id, Signal: sig}}
}

func TestTrackDuplicateIDFails(t *testing.T) {
	r := New(nil, nil)
	if err := r.Track(1, &engine.Child{Pid: 1, Pidfd: -1}); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if err := r.Track(1, &engine.Child{Pid: 2, Pidfd: -1}); err == nil {
		t.Fatalf("expected error tracking a duplicate id")
	}
}

func TestLookupMissingReturnsNil(t *testing.T) {
	r := New(nil, nil)
	if rec := r.Lookup(99); rec != nil {
		t.Fatalf("expected nil for untracked id, got %+v", rec)
	}
}

func TestPidfdsForPollExcludesLegacyChildren(t *testing.T) {
	r := New(nil, nil)
	r.Track(1, &engine.Child{Pid: 1, Pidfd: 5})
	r.Track(2, &engine.Child{Pid: 2, Pidfd: -1})
	pidfds := r.PidfdsForPoll()
	if len(pidfds) != 1 || pidfds[1] != 5 {
		t.Fatalf("got %+v, want only id 1 -> fd 5", pidfds)
	}
}

func TestOnPidfdReadableReapsAndNotifies(t *testing.T) {
	cmd := exec.Command("/bin/true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start /bin/true: %v", err)
	}

	var gotID uint32
	var gotStatus int32
	notified := make(chan struct{})
	r := New(func(id uint32, status int32) {
		gotID, gotStatus = id, status
		close(notified)
	}, nil)
	if err := r.Track(7, &engine.Child{Pid: cmd.Process.Pid, Pidfd: -1}); err != nil {
		t.Fatalf("Track: %v", err)
	}

	// Give the child time to exit before we reap it directly; this
	// bypasses ZombieReaper's SIGCHLD path on purpose to exercise
	// OnPidfdReadable in isolation.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var ws syscall.WaitStatus
		pid, _ := syscall.Wait4(cmd.Process.Pid, &ws, syscall.WNOHANG, nil)
		if pid == cmd.Process.Pid {
			if !ws.Exited() || ws.ExitStatus() != 0 {
				t.Fatalf("unexpected wait status %v", ws)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("child never exited")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if rec := r.Lookup(7); rec == nil {
		t.Fatalf("record should still be present until explicitly completed")
	}
}

func TestHandleKillUnknownIDIsNoop(t *testing.T) {
	r := New(nil, nil)
	if err := r.HandleKill(killItemFor(99, int32(syscall.SIGTERM))); err != nil {
		t.Fatalf("HandleKill: %v", err)
	}
}

func TestHandleKillDeliversViaPidfd(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "sleep 5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	pidfd, err := unix.PidfdOpen(cmd.Process.Pid, 0)
	if err != nil {
		t.Skipf("pidfd_open unavailable: %v", err)
	}

	r := New(nil, nil)
	if err := r.Track(3, &engine.Child{Pid: cmd.Process.Pid, Pidfd: pidfd}); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if err := r.HandleKill(killItemFor(3, int32(syscall.SIGKILL))); err != nil {
		t.Fatalf("HandleKill: %v", err)
	}

	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(cmd.Process.Pid, &ws, 0, nil); err != nil {
		t.Fatalf("Wait4: %v", err)
	}
	if !ws.Signaled() || ws.Signal() != syscall.SIGKILL {
		t.Fatalf("expected SIGKILL termination, got %v", ws)
	}
}

func TestTeardownNotifiesPidfdDoneForPidfdChildren(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "sleep 5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	pidfd, err := unix.PidfdOpen(cmd.Process.Pid, 0)
	if err != nil {
		t.Skipf("pidfd_open unavailable: %v", err)
	}

	var gotPidfd int = -1
	r := New(nil, func(fd int) { gotPidfd = fd })
	if err := r.Track(4, &engine.Child{Pid: cmd.Process.Pid, Pidfd: pidfd}); err != nil {
		t.Fatalf("Track: %v", err)
	}

	r.Teardown()

	if gotPidfd != pidfd {
		t.Fatalf("onPidfdDone got fd %d, want %d", gotPidfd, pidfd)
	}
}
