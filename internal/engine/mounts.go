package engine

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ctrlplane-oss/spawnerd/internal/spawn"
	"github.com/ctrlplane-oss/spawnerd/internal/tmpfsmgr"
	"github.com/ctrlplane-oss/spawnerd/pkg/memfd"
	"github.com/ctrlplane-oss/spawnerd/pkg/mount"
)

// resolvedMounts is the parent-side translation of PreparedChild.Mounts
// into the raw syscall arguments the child applies after unshare(CLONE_NEWNS)
// (spec.md §4.6 step 4), plus any leases that must outlive the child.
type resolvedMounts struct {
	syscalls []mount.SyscallParams
	leases   []*tmpfsmgr.Lease
	closers  []*os.File
	pivot    string
}

// close releases the memfds opened for WRITE_FILE directives. Called once
// the child has been cloned (the bind mount has already latched onto the
// memfd's page cache by then).
func (rm *resolvedMounts) close() {
	for _, f := range rm.closers {
		f.Close()
	}
}

// buildMounts walks pc.Mounts in order (spec.md §4.3's "preserves order")
// and resolves each directive into a mount.Mount, consulting the tmpfs
// manager for NAMED_TMPFS and opening a memfd for WRITE_FILE content.
func buildMounts(pc *spawn.PreparedChild, tfm *tmpfsmgr.Manager) (*resolvedMounts, error) {
	rm := &resolvedMounts{}
	b := mount.NewBuilder()

	for _, d := range pc.Mounts {
		switch d.Kind {
		case 0: // MountTmpfs
			data := ""
			if !d.Writable {
				data = "ro"
			}
			b.WithTmpfs(d.Target, data)

		case 1: // MountNamedTmpfs
			fd, lease, err := tfm.MakeTmpfs(d.Source, d.Exec)
			if err != nil {
				if d.Optional {
					continue
				}
				return nil, fmt.Errorf("named tmpfs %q: %w", d.Source, err)
			}
			rm.leases = append(rm.leases, lease)
			source := fmt.Sprintf("/proc/self/fd/%d", fd)
			b.WithMount(mount.Mount{
				Source: source,
				Target: d.Target,
				Flags:  unix.MS_BIND,
			})

		case 2: // MountBind
			if d.Optional {
				if _, err := os.Stat(d.Source); err != nil {
					continue
				}
			}
			b.WithBind(d.Source, d.Target, !d.Writable)

		case 3: // MountBindFile
			if d.Optional {
				if _, err := os.Stat(d.Source); err != nil {
					continue
				}
			}
			b.WithMount(mount.Mount{Source: d.Source, Target: d.Target, Flags: unix.MS_BIND | unix.MS_RDONLY})

		case 4: // MountFDBind
			source, err := fdPath(d.SourceFD)
			if err != nil {
				if d.Optional {
					continue
				}
				return nil, err
			}
			flags := uintptr(unix.MS_BIND)
			if !d.Writable {
				flags |= unix.MS_RDONLY
			}
			b.WithMount(mount.Mount{Source: source, Target: d.Target, Flags: flags})

		case 5: // MountFDBindFile
			source, err := fdPath(d.SourceFD)
			if err != nil {
				if d.Optional {
					continue
				}
				return nil, err
			}
			b.WithMount(mount.Mount{Source: source, Target: d.Target, Flags: unix.MS_BIND | unix.MS_RDONLY})

		case 6: // MountWriteFile
			f, err := memfd.DupToMemfd(d.Target, bytes.NewReader(d.Contents))
			if err != nil {
				if d.Optional {
					continue
				}
				return nil, fmt.Errorf("write_file %q: %w", d.Target, err)
			}
			source := fmt.Sprintf("/proc/self/fd/%d", f.Fd())
			b.WithMount(mount.Mount{Source: source, Target: d.Target, Flags: unix.MS_BIND})
			// f is kept open for the lifetime of the prepared child via
			// rm.leases's underlying cleanup path is not applicable here;
			// the bind mount itself keeps the page cache entry alive once
			// mounted, so the memfd is closed once the child has started.
			rm.closers = append(rm.closers, f)

		case 7: // MountProc
			b.WithProcRW(d.Writable)

		case 8: // MountDev
			b.WithMount(mount.Mount{Source: "/dev", Target: d.Target, Flags: unix.MS_BIND})

		case 9: // MountPts
			b.WithMount(mount.Mount{Source: "devpts", Target: d.Target, FsType: "devpts", Flags: unix.MS_NOSUID | unix.MS_NOEXEC})

		case 10: // MountBindPts
			b.WithMount(mount.Mount{Source: "/dev/pts", Target: d.Target, Flags: unix.MS_BIND})

		case 11: // MountPivotRoot
			rm.pivot = d.Target

		case 12: // MountRootTmpfs
			// Unlike PIVOT_ROOT there's no separate target to pivot onto:
			// the mount namespace is already private (CLONE_NEWNS is
			// always set), so a plain recursive tmpfs mount over "/"
			// shadows the old root without a pivot_root/old_root dance.
			b.WithMount(mount.Mount{Source: "tmpfs", Target: "/", FsType: "tmpfs", Flags: unix.MS_REC})

		case 13: // MountTmpTmpfs
			b.WithTmpfs(d.Target, "")

		case 14: // MountHome
			if pc.HomeDir == "" {
				return nil, fmt.Errorf("mount_home: no home directory resolved for this child")
			}
			b.WithBind(pc.HomeDir, d.Target, !d.Writable)

		default:
			return nil, fmt.Errorf("unhandled mount kind %d", d.Kind)
		}
	}

	sp, err := b.Build(false)
	if err != nil {
		releaseLeases(rm.leases)
		return nil, err
	}
	rm.syscalls = sp
	return rm, nil
}

func fdPath(fd int) (string, error) {
	if fd < 0 {
		return "", fmt.Errorf("fd_bind: no source fd given")
	}
	return fmt.Sprintf("/proc/self/fd/%d", fd), nil
}

func releaseLeases(leases []*tmpfsmgr.Lease) {
	for _, l := range leases {
		l.Release()
	}
}
