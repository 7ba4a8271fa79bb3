package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Mount calls mount syscall
func (m *Mount) Mount() error {
	if err := ensureMountTargetExists(m.Source, m.Target); err != nil {
		return err
	}
	if err := syscall.Mount(m.Source, m.Target, m.FsType, m.Flags, m.Data); err != nil {
		return err
	}
	// Read-only bind mount need to be remounted
	const bindRo = syscall.MS_BIND | syscall.MS_RDONLY
	if m.Flags&bindRo == bindRo {
		if err := syscall.Mount("", m.Target, m.FsType, m.Flags|syscall.MS_REMOUNT, m.Data); err != nil {
			return err
		}
	}
	return nil
}

// ensureMountTargetExists creates target so the mount syscall has
// something to attach to: a file when source is itself a regular file
// (bind-mounting a single file), a directory otherwise.
func ensureMountTargetExists(source, target string) error {
	fi, err := os.Stat(source)
	if err == nil && !fi.IsDir() {
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE, 0644)
		if err != nil {
			return err
		}
		return f.Close()
	}
	return os.MkdirAll(target, 0755)
}

func (m Mount) String() string {
	switch {
	case m.IsBindMount():
		flag := "rw"
		if m.IsReadOnly() {
			flag = "ro"
		}
		return fmt.Sprintf("bind[%s:%s:%s]", m.Source, m.Target, flag)

	case m.IsTmpFs():
		return fmt.Sprintf("tmpfs[%s]", m.Target)

	case m.FsType == "proc":
		flag := "rw"
		if m.IsReadOnly() {
			flag = "ro"
		}
		return fmt.Sprintf("proc[%s]", flag)

	default:
		return fmt.Sprintf("mount[%s,%s:%s:%x,%s]", m.FsType, m.Source, m.Target, m.Flags, m.Data)
	}
}
