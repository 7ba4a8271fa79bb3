package cgroupmgr

import (
	"os"
	"testing"

	"github.com/ctrlplane-oss/spawnerd/pkg/cgroup"
)

func TestJoinEnabled(t *testing.T) {
	have := cgroup.ControllerSet{"cpu": true, "memory": true, "cpuset": true}
	got := joinEnabled([]string{"cpu", "io", "memory", "pids"}, have)
	if got != "cpu +memory" {
		t.Fatalf("joinEnabled = %q, want %q", got, "cpu +memory")
	}
}

func TestJoinEnabledNoneAvailable(t *testing.T) {
	got := joinEnabled([]string{"cpu", "io"}, cgroup.ControllerSet{})
	if got != "" {
		t.Fatalf("joinEnabled = %q, want empty", got)
	}
}

// TestManagerLifecycle exercises the real cgroup v2 filesystem. It needs
// root privilege and a v2 hierarchy, so it's skipped otherwise -- this
// mirrors how the teacher's own cgroup tests gate on os.Getuid().
func TestManagerLifecycle(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("no root privilege")
	}
	if cgroup.DetectType() != cgroup.CgroupTypeV2 {
		t.Skip("not running under cgroup v2")
	}

	m, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cg, err := m.EnsureSession("spawnerd-test", "session-1")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	t.Cleanup(func() {
		m.RemoveSession("spawnerd-test", "session-1")
	})

	if err := m.SetAttr(cg, "pids.max", "16"); err != nil {
		t.Fatalf("SetAttr: %v", err)
	}
	b, err := cg.ReadFile("pids.max")
	if err != nil || string(b) != "16\n" && string(b) != "16" {
		t.Fatalf("pids.max = %q, err %v", b, err)
	}

	fd, err := m.OpenDirFD(cg)
	if err != nil {
		t.Fatalf("OpenDirFD: %v", err)
	}
	os.NewFile(uintptr(fd), cg.Path()).Close()

	again, err := m.EnsureSession("spawnerd-test", "session-1")
	if err != nil {
		t.Fatalf("EnsureSession (idempotent): %v", err)
	}
	if again != cg {
		t.Fatalf("EnsureSession did not return the cached session cgroup")
	}
}
