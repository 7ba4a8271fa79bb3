package mount

import (
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	bind  = unix.MS_BIND | unix.MS_NOSUID | unix.MS_PRIVATE
	mFlag = unix.MS_NOSUID | unix.MS_NOATIME | unix.MS_NODEV
)

// Builder builds fork_exec friendly mount syscall sequences.
type Builder struct {
	Mounts []Mount
}

// NewBuilder creates new mount builder instance
func NewBuilder() *Builder {
	return &Builder{}
}

// NewDefaultBuilder creates default builder for minimal rootfs
func NewDefaultBuilder() *Builder {
	return NewBuilder().
		WithBind("/usr", "usr", true).
		WithBind("/lib", "lib", true).
		WithBind("/lib64", "lib64", true).
		WithBind("/bin", "bin", true)
}

// Build creates sequence of syscalls for fork_exec
// skipNotExists skips bind mounts that source not exists
func (b *Builder) Build(skipNotExists bool) ([]SyscallParams, error) {
	var err error
	ret := make([]SyscallParams, 0, len(b.Mounts))
	for _, m := range b.Mounts {
		var mknod bool
		if mknod, err = isBindMountFileOrNotExists(m); err != nil {
			if skipNotExists {
				continue
			}
			return nil, err
		}
		sp, err := m.ToSyscall()
		if err != nil {
			return nil, err
		}
		sp.MakeNod = mknod
		ret = append(ret, *sp)
	}
	return ret, nil
}

func isBindMountFileOrNotExists(m Mount) (bool, error) {
	if m.Flags&unix.MS_BIND == unix.MS_BIND {
		if fi, err := os.Stat(m.Source); os.IsNotExist(err) {
			return false, err
		} else if !fi.IsDir() {
			return true, err
		}
	}
	return false, nil
}

// WithMounts add mounts to builder
func (b *Builder) WithMounts(m []Mount) *Builder {
	b.Mounts = append(b.Mounts, m...)
	return b
}

// WithMount add single mount to builder
func (b *Builder) WithMount(m Mount) *Builder {
	b.Mounts = append(b.Mounts, m)
	return b
}

// WithBind adds a bind mount to builder
func (b *Builder) WithBind(source, target string, readonly bool) *Builder {
	var flags uintptr = bind
	if readonly {
		flags |= unix.MS_RDONLY
	}
	b.Mounts = append(b.Mounts, Mount{
		Source: source,
		Target: target,
		Flags:  flags,
	})
	return b
}

// WithTmpfs add a tmpfs mount to builder
func (b *Builder) WithTmpfs(target, data string) *Builder {
	b.Mounts = append(b.Mounts, Mount{
		Source: "tmpfs",
		Target: target,
		FsType: "tmpfs",
		Flags:  mFlag,
		Data:   data,
	})
	return b
}

// WithProc add a read-only proc file system
func (b *Builder) WithProc() *Builder {
	return b.WithProcRW(false)
}

// WithProcRW add a proc file system, read-write when rw is true
func (b *Builder) WithProcRW(rw bool) *Builder {
	flags := uintptr(unix.MS_NOSUID)
	if !rw {
		flags |= unix.MS_RDONLY
	}
	b.Mounts = append(b.Mounts, Mount{
		Source: "proc",
		Target: "proc",
		FsType: "proc",
		Flags:  flags,
	})
	return b
}

// FilterNotExist drops bind mounts whose source doesn't exist from b.Mounts.
func (b *Builder) FilterNotExist() {
	kept := make([]Mount, 0, len(b.Mounts))
	for _, m := range b.Mounts {
		if m.IsBindMount() {
			if _, err := os.Stat(m.Source); os.IsNotExist(err) {
				continue
			}
		}
		kept = append(kept, m)
	}
	b.Mounts = kept
}

func (b Builder) String() string {
	var sb strings.Builder
	sb.WriteString("Mounts: ")
	for i, m := range b.Mounts {
		sb.WriteString(m.String())
		if i != len(b.Mounts)-1 {
			sb.WriteString(", ")
		}
	}
	return sb.String()
}
