// Package spawn holds the typed description of a child process built from
// an EXEC message (spec.md §3, §4.3) and the TLV parser that builds one.
package spawn

import (
	"os"

	"github.com/ctrlplane-oss/spawnerd/internal/protocol"
)

// MountDirective is one entry of PreparedChild.Mounts, preserving the
// order the client sent them in (spec.md §4.3).
type MountDirective struct {
	Kind     protocol.MountKind
	Source   string
	Target   string
	Writable bool
	Exec     bool
	Optional bool
	Contents []byte
	SourceFD int // borrowed fd for FD_BIND/FD_BIND_FILE, -1 if unused
}

// CgroupAttr is one CGROUP_SET or CGROUP_XATTR entry.
type CgroupAttr struct {
	Key   string
	Value string
}

// RLimitEntry is one RLIMIT entry, indexed by resource id (e.g.
// syscall.RLIMIT_NOFILE).
type RLimitEntry struct {
	Index int
	Cur   uint64
	Max   uint64
}

// NamedNamespace is a resolved (kind, name) -> open namespace file, set by
// the engine before clone for the pinned-namespace case (SPEC_FULL.md §3).
type NamedNamespace struct {
	Kind protocol.NSKind
	Name string
	File *os.File
}

// PreparedChild is the parameter block built from a single EXEC message
// (spec.md §3). Zero value has ExecFD = -1, Umask = -1 and every borrowed
// fd field = -1, so "unset" is always distinguishable from fd 0.
type PreparedChild struct {
	ID   uint32
	Name string

	ExecPath string
	ExecFD   int // -1 unless EXEC_FD was given

	Args []string
	Env  []string

	StdinFD, StdoutFD, StderrFD int // -1 unless set; aliasing stdin onto stdout/stderr is caller's job via the same fd value
	StderrPath                  string

	ReturnStderrFD   int // -1 unless RETURN_STDERR was given
	ReturnPidfdFD    int
	ReturnCgroupFDFD int

	UserNS, PIDNS, NetNS, IPCNS, CgroupNS bool
	PinnedName                            map[protocol.NSKind]string

	Mounts []MountDirective

	CgroupName     string
	CgroupSession  string
	CgroupAttrs    []CgroupAttr
	CgroupXattrs   []CgroupAttr
	sawCgroupName  bool

	HaveCredentials bool
	UID, GID        uint32
	Groups          []uint32

	SchedIdle, IOPrioIdle                      bool
	ForbidUserNS, ForbidMulticast, ForbidBind bool
	CapSysResource                              bool

	NoNewPrivs bool
	Nice       int32
	Chroot     string
	Chdir      string
	Hostname   string
	Umask      int32 // -1 unless set
	HookInfo   uint64
	TTY        bool

	RLimits []RLimitEntry

	// SPEC_FULL.md §3 additive fields, resolved by the engine before clone.
	KeepCapabilities uint64
	NamedNamespaces  []NamedNamespace

	// HomeDir is resolved by the engine from the final credentials
	// (defaults or authorized request) before MOUNT_HOME is validated;
	// the wire protocol has no home-directory tag of its own.
	HomeDir string
}

// New returns a PreparedChild with every "unset" sentinel in place.
func New(id uint32, name string) *PreparedChild {
	return &PreparedChild{
		ID:               id,
		Name:             name,
		ExecFD:           -1,
		StdinFD:          -1,
		StdoutFD:         -1,
		StderrFD:         -1,
		ReturnStderrFD:   -1,
		ReturnPidfdFD:    -1,
		ReturnCgroupFDFD: -1,
		Umask:            -1,
		PinnedName:       make(map[protocol.NSKind]string),
	}
}
