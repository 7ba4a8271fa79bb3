package forkexec

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// defines missing consts from syscall package
const (
	SECCOMP_SET_MODE_STRICT   = 0
	SECCOMP_SET_MODE_FILTER   = 1
	SECCOMP_FILTER_FLAG_TSYNC = 1

	// Unshare flags
	UnshareFlags = unix.CLONE_NEWIPC | unix.CLONE_NEWNET | unix.CLONE_NEWNS |
		unix.CLONE_NEWPID | unix.CLONE_NEWUSER | unix.CLONE_NEWUTS | unix.CLONE_NEWCGROUP

	// Read-only bind mount need to be remounted
	bindRo = unix.MS_BIND | unix.MS_RDONLY

	// setpriority(2) PRIO_PROCESS
	_PRIO_PROCESS = 0

	// sched_setscheduler(2) policy for SCHED_IDLE
	_SCHED_IDLE = 5

	// ioprio_set(2) who and value encoding (see ioprio.h)
	_IOPRIO_WHO_PROCESS = 1
	_IOPRIO_CLASS_IDLE  = 3
	_ioprioClassShift   = 13
	_ioprioIdleValue    = _IOPRIO_CLASS_IDLE<<_ioprioClassShift | 7

	// clone3(2) flags not yet exposed by golang.org/x/sys/unix at the
	// version this module pins
	_CLONE_PIDFD        = 0x1000
	_CLONE_INTO_CGROUP  = 0x200000000

	// securebits(7) SECBIT_* flags, from <linux/securebits.h>, not exposed
	// by golang.org/x/sys/unix at the version this module pins
	_SECURE_NOROOT                 = 1 << 0
	_SECURE_NOROOT_LOCKED          = 1 << 1
	_SECURE_NO_SETUID_FIXUP        = 1 << 2
	_SECURE_NO_SETUID_FIXUP_LOCKED = 1 << 3
	_SECURE_KEEP_CAPS              = 1 << 4
	_SECURE_KEEP_CAPS_LOCKED       = 1 << 5
)

// used by unshare remount / to private
var (
	none  = [...]byte{'n', 'o', 'n', 'e', 0}
	slash = [...]byte{'/', 0}
	empty = [...]byte{0}
	tmpfs = [...]byte{'t', 'm', 'p', 'f', 's', 0}

	// tmp dir made by pivot_root
	OldRoot = "old_root"
	oldRoot = [...]byte{'o', 'l', 'd', '_', 'r', 'o', 'o', 't', 0}

	// written to /proc/[pid]/setgroups before the gid_map write, per user_namespaces(7)
	setGIDDeny  = []byte("deny")
	setGIDAllow = []byte("allow")

	// retry backoff for ETXTBSY on execve against a just-copied binary
	etxtbsyRetryInterval = syscall.Timespec{Sec: 0, Nsec: 1e6}

	// go does not allow constant uintptr to be negative...
	_AT_FDCWD = unix.AT_FDCWD

	capHeader = unix.CapUserHeader{
		Version: unix.LINUX_CAPABILITY_VERSION_3,
		Pid:     0,
	}
)

// capDataFor builds the two 32-bit CapUserData words capset(2) needs under
// _LINUX_CAPABILITY_VERSION_3 for a 64-bit keep-mask. Effective, permitted
// and inheritable are all set equal to keep: the child never needs a
// capability it didn't already have effective.
func capDataFor(keep uint64) [2]unix.CapUserData {
	lo, hi := uint32(keep), uint32(keep>>32)
	return [2]unix.CapUserData{
		{Effective: lo, Permitted: lo, Inheritable: lo},
		{Effective: hi, Permitted: hi, Inheritable: hi},
	}
}
