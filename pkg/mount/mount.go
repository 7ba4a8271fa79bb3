package mount

import (
	"syscall"
)

// Mount defines syscall for mount points
type Mount struct {
	Source, Target, FsType, Data string
	Flags                        uintptr
}

// SyscallParams defines the raw syscall arguments to mount
type SyscallParams struct {
	Source, Target, FsType, Data *byte
	Flags                        uintptr
	Prefixes                     []*byte

	// MakeNod indicates the target is a bind-mounted regular file rather
	// than a directory, so the child must mknod/create it before the
	// mount syscall instead of mkdir-ing it.
	MakeNod bool
}

// ToSyscall convert Mount to SyscallPrams
func (m *Mount) ToSyscall() (*SyscallParams, error) {
	var data *byte
	source, err := syscall.BytePtrFromString(m.Source)
	if err != nil {
		return nil, err
	}
	target, err := syscall.BytePtrFromString(m.Target)
	if err != nil {
		return nil, err
	}
	fsType, err := syscall.BytePtrFromString(m.FsType)
	if err != nil {
		return nil, err
	}
	if m.Data != "" {
		data, err = syscall.BytePtrFromString(m.Data)
		if err != nil {
			return nil, err
		}
	}
	prefix := pathPrefix(m.Target)
	paths, err := arrayPtrFromStrings(prefix)
	if err != nil {
		return nil, err
	}
	return &SyscallParams{
		Source:   source,
		Target:   target,
		FsType:   fsType,
		Flags:    m.Flags,
		Data:     data,
		Prefixes: paths,
	}, nil
}

// IsBindMount reports whether m is a bind mount.
func (m Mount) IsBindMount() bool {
	return m.Flags&syscall.MS_BIND == syscall.MS_BIND
}

// IsReadOnly reports whether m carries MS_RDONLY.
func (m Mount) IsReadOnly() bool {
	return m.Flags&syscall.MS_RDONLY == syscall.MS_RDONLY
}

// IsTmpFs reports whether m mounts a tmpfs.
func (m Mount) IsTmpFs() bool {
	return m.FsType == "tmpfs"
}

// pathPrefix get all components from path
func pathPrefix(path string) []string {
	ret := make([]string, 0)
	for i := 1; i < len(path); i++ {
		if path[i] == '/' {
			ret = append(ret, path[:i])
		}
	}
	ret = append(ret, path)
	return ret
}

// arrayPtrFromStrings converts srings to c style strings
func arrayPtrFromStrings(strs []string) ([]*byte, error) {
	bytes := make([]*byte, 0, len(strs))
	for _, s := range strs {
		b, err := syscall.BytePtrFromString(s)
		if err != nil {
			return nil, err
		}
		bytes = append(bytes, b)
	}
	return bytes, nil
}
