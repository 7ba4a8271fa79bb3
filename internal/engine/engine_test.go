package engine

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/ctrlplane-oss/spawnerd/internal/spawn"
)

func TestCloneFlagsAlwaysUnsharesMountNS(t *testing.T) {
	pc := spawn.New(1, "x")
	if cloneFlags(pc)&unix.CLONE_NEWNS == 0 {
		t.Fatalf("expected CLONE_NEWNS to always be set")
	}
}

func TestCloneFlagsUTSImpliedByHostname(t *testing.T) {
	pc := spawn.New(1, "x")
	if cloneFlags(pc)&unix.CLONE_NEWUTS != 0 {
		t.Fatalf("CLONE_NEWUTS should not be set without a hostname")
	}
	pc.Hostname = "sandbox"
	if cloneFlags(pc)&unix.CLONE_NEWUTS == 0 {
		t.Fatalf("CLONE_NEWUTS should be implied by a non-empty hostname")
	}
}

func TestCloneFlagsMapsNamespaceBools(t *testing.T) {
	pc := spawn.New(1, "x")
	pc.UserNS, pc.PIDNS, pc.NetNS, pc.IPCNS, pc.CgroupNS = true, true, true, true, true
	flags := cloneFlags(pc)
	for _, want := range []uintptr{unix.CLONE_NEWUSER, unix.CLONE_NEWPID, unix.CLONE_NEWNET, unix.CLONE_NEWIPC, unix.CLONE_NEWCGROUP} {
		if flags&want == 0 {
			t.Fatalf("flags %#x missing %#x", flags, want)
		}
	}
}

func TestBuildSeccompFilterNilWithoutForbidFlags(t *testing.T) {
	pc := spawn.New(1, "x")
	filter, err := buildSeccompFilter(pc)
	if err != nil {
		t.Fatalf("buildSeccompFilter: %v", err)
	}
	if filter != nil {
		t.Fatalf("expected nil filter when no forbid_* flags are set")
	}
}

func TestBuildSeccompFilterForbidBind(t *testing.T) {
	pc := spawn.New(1, "x")
	pc.ForbidBind = true
	filter, err := buildSeccompFilter(pc)
	if err != nil {
		t.Fatalf("buildSeccompFilter: %v", err)
	}
	if filter == nil {
		t.Fatalf("expected a filter when forbid_bind is set")
	}
}

func TestBuildSeccompFilterForbidUserNS(t *testing.T) {
	pc := spawn.New(1, "x")
	pc.ForbidUserNS = true
	filter, err := buildSeccompFilter(pc)
	if err != nil {
		t.Fatalf("buildSeccompFilter: %v", err)
	}
	if filter == nil {
		t.Fatalf("expected a filter when forbid_user_ns is set")
	}
}

func TestKeepCapMaskWithoutCapSysResource(t *testing.T) {
	pc := spawn.New(1, "x")
	mask, err := keepCapMask(pc)
	if err != nil {
		t.Fatalf("keepCapMask: %v", err)
	}
	if mask != 0 {
		t.Fatalf("expected zero mask, got %#x", mask)
	}
}

func TestKeepCapMaskWithCapSysResource(t *testing.T) {
	pc := spawn.New(1, "x")
	pc.CapSysResource = true
	mask, err := keepCapMask(pc)
	if err != nil {
		t.Fatalf("keepCapMask: %v", err)
	}
	if mask == 0 {
		t.Fatalf("expected non-zero mask when cap_sys_resource is set")
	}
}
