package engine

import (
	"testing"

	"github.com/ctrlplane-oss/spawnerd/internal/protocol"
	"github.com/ctrlplane-oss/spawnerd/internal/spawn"
)

func TestBuildMountsTmpfs(t *testing.T) {
	pc := spawn.New(1, "x")
	pc.Mounts = []spawn.MountDirective{
		{Kind: protocol.MountTmpfs, Target: "/tmp", Writable: true},
	}
	rm, err := buildMounts(pc, nil)
	if err != nil {
		t.Fatalf("buildMounts: %v", err)
	}
	if len(rm.syscalls) != 1 {
		t.Fatalf("got %d syscalls, want 1", len(rm.syscalls))
	}
}

func TestBuildMountsHomeWithoutHomeDirFails(t *testing.T) {
	pc := spawn.New(1, "x")
	pc.Mounts = []spawn.MountDirective{
		{Kind: protocol.MountHome, Target: "/home/x"},
	}
	if _, err := buildMounts(pc, nil); err == nil {
		t.Fatalf("expected error for MOUNT_HOME with no home dir resolved")
	}
}

func TestBuildMountsHomeWithHomeDir(t *testing.T) {
	pc := spawn.New(1, "x")
	pc.HomeDir = "/var/lib/home/x"
	pc.Mounts = []spawn.MountDirective{
		{Kind: protocol.MountHome, Target: "/home/x", Writable: true},
	}
	rm, err := buildMounts(pc, nil)
	if err != nil {
		t.Fatalf("buildMounts: %v", err)
	}
	if len(rm.syscalls) != 1 {
		t.Fatalf("got %d syscalls, want 1", len(rm.syscalls))
	}
}

func TestBuildMountsPivotRootSetsPivotNotASyscall(t *testing.T) {
	pc := spawn.New(1, "x")
	pc.Mounts = []spawn.MountDirective{
		{Kind: protocol.MountPivotRoot, Target: "/newroot"},
	}
	rm, err := buildMounts(pc, nil)
	if err != nil {
		t.Fatalf("buildMounts: %v", err)
	}
	if rm.pivot != "/newroot" {
		t.Fatalf("pivot = %q, want /newroot", rm.pivot)
	}
	if len(rm.syscalls) != 0 {
		t.Fatalf("PIVOT_ROOT should not itself add a mount syscall, got %d", len(rm.syscalls))
	}
}

func TestBuildMountsOptionalBindSkipsMissingSource(t *testing.T) {
	pc := spawn.New(1, "x")
	pc.Mounts = []spawn.MountDirective{
		{Kind: protocol.MountBind, Source: "/does/not/exist/at/all", Target: "/x", Optional: true},
	}
	rm, err := buildMounts(pc, nil)
	if err != nil {
		t.Fatalf("buildMounts: %v", err)
	}
	if len(rm.syscalls) != 0 {
		t.Fatalf("optional bind with missing source should be skipped, got %d syscalls", len(rm.syscalls))
	}
}

func TestBuildMountsUnhandledKindFails(t *testing.T) {
	pc := spawn.New(1, "x")
	pc.Mounts = []spawn.MountDirective{
		{Kind: protocol.MountKind(99), Target: "/x"},
	}
	if _, err := buildMounts(pc, nil); err == nil {
		t.Fatalf("expected error for unhandled mount kind")
	}
}
