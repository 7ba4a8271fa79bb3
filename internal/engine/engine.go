// Package engine converts a spawn.PreparedChild into a running process
// (spec.md §4.6, C6). Parent-side preparation (mount/lease resolution,
// authorization, cgroup placement, namespace pinning, seccomp filter
// construction) happens here; the ordered child-side sequence itself
// lives in pkg/forkexec, generalized to the fields this package fills in.
package engine

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ctrlplane-oss/spawnerd/internal/cgroupmgr"
	"github.com/ctrlplane-oss/spawnerd/internal/protocol"
	"github.com/ctrlplane-oss/spawnerd/internal/spawn"
	"github.com/ctrlplane-oss/spawnerd/internal/tmpfsmgr"
	"github.com/ctrlplane-oss/spawnerd/pkg/capability"
	"github.com/ctrlplane-oss/spawnerd/pkg/forkexec"
	"github.com/ctrlplane-oss/spawnerd/pkg/netns"
	"github.com/ctrlplane-oss/spawnerd/pkg/pipe"
	"github.com/ctrlplane-oss/spawnerd/pkg/pty"
	"github.com/ctrlplane-oss/spawnerd/pkg/rlimit"
	"github.com/ctrlplane-oss/spawnerd/pkg/seccomp"
	"github.com/ctrlplane-oss/spawnerd/pkg/seccomp/libseccomp"
)

// Credentials are the uid/gid/groups substituted for a PreparedChild that
// didn't carry its own (spec.md §6.3's "default_uid_gid").
type Credentials struct {
	UID, GID uint32
	Groups   []uint32
}

// Engine holds the shared parent-side services a Spawn call consults.
type Engine struct {
	Cgroups   *cgroupmgr.Manager
	Tmpfs     *tmpfsmgr.Manager
	Authorize func(*spawn.PreparedChild) bool
	Default   Credentials
}

// Child is the parent-side handle to a process Spawn started: the pid,
// an optional pidfd, and whatever resources must outlive the clone call
// (tmpfs leases, the pty's slave end, memfds bound into WRITE_FILE
// mounts).
type Child struct {
	Pid   int
	Pidfd int // -1 if NeedPidfd wasn't granted by the kernel

	mounts  *resolvedMounts
	nsFiles []*os.File
	pty     *pty.Pair
}

// Release drops resources this child's Spawn call acquired for it:
// tmpfs leases, open memfds, pinned-namespace fds, and the pty. Call
// once the child has exited or been reaped.
func (c *Child) Release() {
	if c.mounts != nil {
		c.mounts.close()
		releaseLeases(c.mounts.leases)
	}
	for _, f := range c.nsFiles {
		f.Close()
	}
	if c.pty != nil {
		c.pty.Close()
	}
}

// ErrAuthorizationDenied is returned by Spawn when the request carried
// credentials and the authorization hook rejected them (spec.md §6.4).
// Callers distinguish it from other Spawn failures because it alone also
// produces a synthetic EXIT in addition to EXEC_COMPLETE's error.
var ErrAuthorizationDenied = fmt.Errorf("engine: credentials not authorized")

// Spawn runs the full parent-side sequence and clones pc into a running
// process (spec.md §4.6). Callers that set pc.ReturnStderrFD get the
// child's stderr piped onto that fd as a side effect; the caller owns
// and must eventually close it.
func (e *Engine) Spawn(pc *spawn.PreparedChild) (*Child, error) {
	if err := e.resolveCredentials(pc); err != nil {
		return nil, err
	}

	rm, err := buildMounts(pc, e.Tmpfs)
	if err != nil {
		return nil, fmt.Errorf("resolve mounts: %w", err)
	}

	nsFiles, pinned, err := resolvePinnedNamespaces(pc)
	if err != nil {
		rm.close()
		releaseLeases(rm.leases)
		return nil, err
	}

	runner, err := e.buildRunner(pc, rm, pinned)
	if err != nil {
		rm.close()
		releaseLeases(rm.leases)
		closeAll(nsFiles)
		return nil, err
	}

	var pair *pty.Pair
	if pc.TTY {
		pair, err = pty.Open()
		if err != nil {
			rm.close()
			releaseLeases(rm.leases)
			closeAll(nsFiles)
			return nil, fmt.Errorf("allocate pty: %w", err)
		}
		bindPTY(runner, pair)
		defer pair.Slave.Close()
	}

	pid, err := runner.Start()
	if err != nil {
		rm.close()
		releaseLeases(rm.leases)
		closeAll(nsFiles)
		if pair != nil {
			pair.Close()
		}
		return nil, fmt.Errorf("clone: %w", err)
	}

	if pc.ReturnPidfdFD >= 0 && runner.Pidfd >= 0 {
		_ = sendReturnFD(pc.ReturnPidfdFD, runner.Pidfd)
	}
	if pc.ReturnCgroupFDFD >= 0 && runner.TargetCgroupFD != 0 {
		_ = sendReturnFD(pc.ReturnCgroupFDFD, int(runner.TargetCgroupFD))
	}

	return &Child{
		Pid:     pid,
		Pidfd:   runner.Pidfd,
		mounts:  rm,
		nsFiles: nsFiles,
		pty:     pair,
	}, nil
}

// sendReturnFD hands fd to the peer of sock via SCM_RIGHTS, for the
// return_pidfd/return_cgroup_fd channels (spec.md §3: "return channels:
// optional sockets on which the spawner shall send back {captured
// stderr, pidfd, cgroup fd}"). Unlike return_stderr, which streams
// content through pkg/pipe, these are one-shot fd handoffs: a single
// zero-length message carrying the descriptor, after which the channel
// is done and closed.
func sendReturnFD(sockFD, fd int) error {
	defer unix.Close(sockFD)
	return unix.Sendmsg(sockFD, nil, unix.UnixRights(fd), nil, 0)
}

// resolveCredentials applies spec.md §4.6's "verify credentials" step:
// substitute defaults when the request carried none, otherwise consult
// the authorization hook.
func (e *Engine) resolveCredentials(pc *spawn.PreparedChild) error {
	if !pc.HaveCredentials {
		pc.UID, pc.GID, pc.Groups = e.Default.UID, e.Default.GID, e.Default.Groups
		return nil
	}
	if e.Authorize != nil && !e.Authorize(pc) {
		return ErrAuthorizationDenied
	}
	return nil
}

// buildRunner translates a PreparedChild into the generalized
// pkg/forkexec.Runner that carries out the child-side sequence.
func (e *Engine) buildRunner(pc *spawn.PreparedChild, rm *resolvedMounts, pinned []forkexec.NamespaceFd) (*forkexec.Runner, error) {
	r := &forkexec.Runner{
		Args:             append([]string{pc.ExecPath}, pc.Args...),
		Env:              pc.Env,
		WorkDir:          pc.Chdir,
		HostName:         pc.Hostname,
		Chroot:           pc.Chroot,
		Umask:            int(pc.Umask),
		Nice:             int(pc.Nice),
		SchedIdle:        pc.SchedIdle,
		IOPrioIdle:       pc.IOPrioIdle,
		NoNewPrivs:       pc.NoNewPrivs,
		NeedPidfd:        true,
		CloneFlags:       cloneFlags(pc),
		PinnedNamespaces: pinned,
		Credential: &syscall.Credential{
			Uid:    pc.UID,
			Gid:    pc.GID,
			Groups: pc.Groups,
		},
	}

	if pc.ExecFD >= 0 {
		r.ExecFile = uintptr(pc.ExecFD)
	}

	if err := bindStdio(r, pc); err != nil {
		return nil, err
	}

	r.PivotRoot = rm.pivot
	r.Mounts = rm.syscalls

	for _, entry := range pc.RLimits {
		r.RLimits = append(r.RLimits, rlimit.RLimit{
			Res:  entry.Index,
			Rlim: syscall.Rlimit{Cur: entry.Cur, Max: entry.Max},
		})
	}

	if pc.CgroupName != "" {
		cg, err := e.Cgroups.EnsureSession(pc.CgroupName, pc.CgroupSession)
		if err != nil {
			return nil, fmt.Errorf("cgroup placement: %w", err)
		}
		for _, a := range pc.CgroupAttrs {
			if err := e.Cgroups.SetAttr(cg, a.Key, a.Value); err != nil {
				return nil, fmt.Errorf("cgroup attr %q: %w", a.Key, err)
			}
		}
		for _, a := range pc.CgroupXattrs {
			if err := e.Cgroups.SetXattr(cg, a.Key, a.Value); err != nil {
				return nil, fmt.Errorf("cgroup xattr %q: %w", a.Key, err)
			}
		}
		fd, err := e.Cgroups.OpenDirFD(cg)
		if err != nil {
			return nil, fmt.Errorf("open cgroup dir: %w", err)
		}
		r.TargetCgroupFD = uintptr(fd)
	}

	keep, err := keepCapMask(pc)
	if err != nil {
		return nil, err
	}
	r.KeepCaps = keep

	filter, err := buildSeccompFilter(pc)
	if err != nil {
		return nil, fmt.Errorf("seccomp: %w", err)
	}
	if filter != nil {
		r.Seccomp = filter.SockFprog()
	}

	if pc.ReturnStderrFD >= 0 {
		if err := bindStderrCapture(r, pc); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// cloneFlags maps PreparedChild's namespace flags to CLONE_NEW* bits
// (spec.md §4.6's "flags implied by the namespace flags"). The mount
// namespace is always unshared, since MountDirective is meaningless in
// the host's mount namespace; the UTS namespace is unshared whenever a
// hostname was requested, since the wire protocol has no standalone
// UTS flag (spec.md §3 only enumerates user/pid/net/ipc/cgroup).
func cloneFlags(pc *spawn.PreparedChild) uintptr {
	flags := uintptr(unix.CLONE_NEWNS)
	if pc.UserNS {
		flags |= unix.CLONE_NEWUSER
	}
	if pc.PIDNS {
		flags |= unix.CLONE_NEWPID
	}
	if pc.NetNS {
		flags |= unix.CLONE_NEWNET
	}
	if pc.IPCNS {
		flags |= unix.CLONE_NEWIPC
	}
	if pc.CgroupNS {
		flags |= unix.CLONE_NEWCGROUP
	}
	if pc.Hostname != "" {
		flags |= unix.CLONE_NEWUTS
	}
	return flags
}

func bindStdio(r *forkexec.Runner, pc *spawn.PreparedChild) error {
	files := make([]uintptr, 3)
	for i, fd := range []int{pc.StdinFD, pc.StdoutFD, pc.StderrFD} {
		if fd >= 0 {
			files[i] = uintptr(fd)
			continue
		}
		files[i] = uintptr(i) // inherit the daemon's own std fd as a fallback
	}
	if pc.StderrPath != "" {
		f, err := os.OpenFile(pc.StderrPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open stderr_path: %w", err)
		}
		files[2] = f.Fd()
	}
	r.Files = files
	return nil
}

// bindPTY substitutes the pty slave fd for every stdio slot, mirroring
// spec.md §4.6 step 10's "FD plumbing" note for allocated terminals
// (SPEC_FULL.md §4.6).
func bindPTY(r *forkexec.Runner, pair *pty.Pair) {
	slave := pair.Slave.Fd()
	for i := range r.Files {
		r.Files[i] = slave
	}
	r.CTTY = true
}

func bindStderrCapture(r *forkexec.Runner, pc *spawn.PreparedChild) error {
	sock := os.NewFile(uintptr(pc.ReturnStderrFD), "return-stderr")
	_, w, err := pipe.NewPipe(sock, 1<<20)
	if err != nil {
		return fmt.Errorf("return_stderr pipe: %w", err)
	}
	r.Files[2] = w.Fd()
	return nil
}

// resolvePinnedNamespaces opens /run/<kind>/<name> for every entry in
// pc.PinnedName (spec.md §4.6 step 1), special-casing the network
// namespace through pkg/netns, which also understands the legacy
// /var/run/netns location iproute2 uses. The returned files must be
// closed once the child has joined them (setns borrows the fd, it
// doesn't consume it).
func resolvePinnedNamespaces(pc *spawn.PreparedChild) ([]*os.File, []forkexec.NamespaceFd, error) {
	var files []*os.File
	var pins []forkexec.NamespaceFd
	for kind, name := range pc.PinnedName {
		f, err := openNamedNamespace(kind, name)
		if err != nil {
			closeAll(files)
			return nil, nil, fmt.Errorf("pinned namespace %q: %w", name, err)
		}
		files = append(files, f)
		pins = append(pins, forkexec.NamespaceFd{Type: nsCloneFlag(kind), Fd: f.Fd()})
	}
	for _, ns := range pc.NamedNamespaces {
		pins = append(pins, forkexec.NamespaceFd{Type: nsCloneFlag(ns.Kind), Fd: ns.File.Fd()})
	}
	return files, pins, nil
}

func openNamedNamespace(kind protocol.NSKind, name string) (*os.File, error) {
	if kind == protocol.NSNet {
		return netns.Open(name)
	}
	return os.Open(fmt.Sprintf("/run/%s/%s", nsDir(kind), name))
}

func nsDir(k protocol.NSKind) string {
	switch k {
	case protocol.NSUser:
		return "userns"
	case protocol.NSPID:
		return "pidns"
	case protocol.NSNet:
		return "netns"
	case protocol.NSIPC:
		return "ipcns"
	case protocol.NSCgroup:
		return "cgroupns"
	default:
		return "ns"
	}
}

func nsCloneFlag(k protocol.NSKind) int {
	switch k {
	case protocol.NSUser:
		return unix.CLONE_NEWUSER
	case protocol.NSPID:
		return unix.CLONE_NEWPID
	case protocol.NSNet:
		return unix.CLONE_NEWNET
	case protocol.NSIPC:
		return unix.CLONE_NEWIPC
	case protocol.NSCgroup:
		return unix.CLONE_NEWCGROUP
	default:
		return 0
	}
}

func keepCapMask(pc *spawn.PreparedChild) (uint64, error) {
	mask := pc.KeepCapabilities
	if pc.CapSysResource {
		bit, err := capability.Mask("CAP_SYS_RESOURCE")
		if err != nil {
			return 0, err
		}
		mask |= bit
	}
	return mask, nil
}

// buildSeccompFilter implements spec.md §4.6 step 11: nil when none of
// the forbid_* flags were set, since an allow-everything filter buys
// nothing over having no filter at all.
func buildSeccompFilter(pc *spawn.PreparedChild) (seccomp.Filter, error) {
	if !pc.ForbidUserNS && !pc.ForbidMulticast && !pc.ForbidBind {
		return nil, nil
	}

	b := &libseccomp.Builder{Default: seccomp.ActionAllow}

	if pc.ForbidMulticast || pc.ForbidBind {
		b.Deny = append(b.Deny, "bind")
	}

	if pc.ForbidUserNS {
		const cloneNewUser = uint64(unix.CLONE_NEWUSER)
		for _, call := range []string{"clone", "unshare"} {
			b.DenyMaskedEqual = append(b.DenyMaskedEqual,
				libseccomp.MaskedDenyRule{Syscall: call, Arg: 0, Mask: cloneNewUser})
		}
		b.DenyMaskedEqual = append(b.DenyMaskedEqual,
			libseccomp.MaskedDenyRule{Syscall: "setns", Arg: 1, Mask: cloneNewUser})
	}

	return b.Build()
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}
