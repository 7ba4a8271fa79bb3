package spawn

import (
	"fmt"

	"github.com/ctrlplane-oss/spawnerd/internal/protocol"
)

// MaxArgvEnv bounds argv and env entries (spec.md §3, §8: 16384 succeeds,
// 16385 is rejected).
const MaxArgvEnv = 16384

// MaxGroups bounds the supplementary group list carried by UID_GID
// (spec.md §8: "ngroups equal to the maximum (implementation-defined,
// e.g. 32) succeeds; one more is rejected").
const MaxGroups = 32

func malformed(format string, a ...interface{}) error {
	return &protocol.MalformedPayloadError{Reason: fmt.Sprintf(format, a...)}
}

// Parse decodes an EXEC command body (the payload with the CmdExec tag
// byte already stripped) into a PreparedChild.
func Parse(body []byte, fds []int) (*PreparedChild, error) {
	r := protocol.NewReader(body, fds)

	id, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	name, err := r.LString()
	if err != nil {
		return nil, err
	}
	pc := New(id, name)

	var (
		sawExecPath, sawExecFD                     bool
		sawStderrPath, sawCgroupSession             bool
		sawUIDGID, sawChroot, sawChdir, sawHostname bool
		sawUmask, sawHookInfo, sawNice              bool
		sawNSFlag                                   = map[protocol.NSKind]bool{}
		sawNSName                                   = map[protocol.NSKind]bool{}
		sawPivotRoot, sawRootTmpfs                  bool
	)

	for !r.Done() {
		tagByte, err := r.Byte()
		if err != nil {
			return nil, err
		}
		tag := protocol.Tag(tagByte)

		switch tag {
		case protocol.TagExecPath:
			if sawExecPath || sawExecFD {
				return nil, malformed("exec target set more than once")
			}
			s, err := r.CString()
			if err != nil {
				return nil, err
			}
			pc.ExecPath = s
			sawExecPath = true

		case protocol.TagExecFD:
			if sawExecPath || sawExecFD {
				return nil, malformed("exec target set more than once")
			}
			fd, err := r.Fd()
			if err != nil {
				return nil, err
			}
			pc.ExecFD = fd
			sawExecFD = true

		case protocol.TagArg:
			s, err := r.CString()
			if err != nil {
				return nil, err
			}
			if len(pc.Args) >= MaxArgvEnv {
				return nil, malformed("argv exceeds %d entries", MaxArgvEnv)
			}
			pc.Args = append(pc.Args, s)

		case protocol.TagSetEnv:
			s, err := r.CString()
			if err != nil {
				return nil, err
			}
			if len(pc.Env) >= MaxArgvEnv {
				return nil, malformed("env exceeds %d entries", MaxArgvEnv)
			}
			pc.Env = append(pc.Env, s)

		case protocol.TagStdioFD:
			which, err := r.Byte()
			if err != nil {
				return nil, err
			}
			fd, err := r.Fd()
			if err != nil {
				return nil, err
			}
			switch protocol.StdioKind(which) {
			case protocol.StdioStdin:
				pc.StdinFD = fd
			case protocol.StdioStdout:
				pc.StdoutFD = fd
			case protocol.StdioStderr:
				pc.StderrFD = fd
			default:
				return nil, malformed("unknown stdio kind %d", which)
			}

		case protocol.TagStderrPath:
			if sawStderrPath {
				return nil, malformed("STDERR_PATH set more than once")
			}
			s, err := r.CString()
			if err != nil {
				return nil, err
			}
			pc.StderrPath = s
			sawStderrPath = true

		case protocol.TagNSFlag:
			which, err := r.Byte()
			if err != nil {
				return nil, err
			}
			k := protocol.NSKind(which)
			if !k.Valid() {
				return nil, malformed("unknown namespace kind %d", which)
			}
			if sawNSName[k] {
				return nil, malformed("namespace %d has both a flag and a pinned name", k)
			}
			sawNSFlag[k] = true
			setNSFlag(pc, k, true)

		case protocol.TagNSName:
			which, err := r.Byte()
			if err != nil {
				return nil, err
			}
			k := protocol.NSKind(which)
			if !k.Valid() {
				return nil, malformed("unknown namespace kind %d", which)
			}
			s, err := r.CString()
			if err != nil {
				return nil, err
			}
			if sawNSFlag[k] {
				return nil, malformed("namespace %d has both a flag and a pinned name", k)
			}
			sawNSName[k] = true
			pc.PinnedName[k] = s

		case protocol.TagMount:
			md, err := parseMount(r)
			if err != nil {
				return nil, err
			}
			if md.Kind == protocol.MountPivotRoot {
				sawPivotRoot = true
			}
			if md.Kind == protocol.MountRootTmpfs {
				sawRootTmpfs = true
			}
			if md.Kind == protocol.MountTmpfs && md.Target == "/tmp" {
				return nil, malformed(`MOUNT_TMPFS target "/tmp" is rejected, use MOUNT_TMP_TMPFS`)
			}
			pc.Mounts = append(pc.Mounts, *md)

		case protocol.TagRLimit:
			idx, err := r.Byte()
			if err != nil {
				return nil, err
			}
			cur, err := r.Uint64()
			if err != nil {
				return nil, err
			}
			max, err := r.Uint64()
			if err != nil {
				return nil, err
			}
			pc.RLimits = append(pc.RLimits, RLimitEntry{Index: int(idx), Cur: cur, Max: max})

		case protocol.TagUIDGID:
			if sawUIDGID {
				return nil, malformed("UID_GID set more than once")
			}
			uid, err := r.Int32()
			if err != nil {
				return nil, err
			}
			gid, err := r.Int32()
			if err != nil {
				return nil, err
			}
			ngroups, err := r.Byte()
			if err != nil {
				return nil, err
			}
			if int(ngroups) > MaxGroups {
				return nil, malformed("ngroups %d exceeds maximum %d", ngroups, MaxGroups)
			}
			groups := make([]uint32, ngroups)
			for i := range groups {
				g, err := r.Int32()
				if err != nil {
					return nil, err
				}
				groups[i] = uint32(g)
			}
			pc.UID, pc.GID = uint32(uid), uint32(gid)
			pc.Groups = groups
			pc.HaveCredentials = true
			sawUIDGID = true

		case protocol.TagCgroupName:
			s, err := r.CString()
			if err != nil {
				return nil, err
			}
			pc.CgroupName = s
			pc.sawCgroupName = true

		case protocol.TagCgroupSession:
			if sawCgroupSession {
				return nil, malformed("CGROUP_SESSION set more than once")
			}
			if !pc.sawCgroupName {
				return nil, malformed("CGROUP_SESSION requires CGROUP to be set first")
			}
			s, err := r.CString()
			if err != nil {
				return nil, err
			}
			pc.CgroupSession = s
			sawCgroupSession = true

		case protocol.TagCgroupAttr:
			if !pc.sawCgroupName {
				return nil, malformed("CGROUP_SET/CGROUP_XATTR requires CGROUP to be set first")
			}
			which, err := r.Byte()
			if err != nil {
				return nil, err
			}
			key, err := r.CString()
			if err != nil {
				return nil, err
			}
			value, err := r.CString()
			if err != nil {
				return nil, err
			}
			switch protocol.CgroupAttrKind(which) {
			case protocol.CgroupAttrSet:
				if err := validateCgroupAttrKey(key); err != nil {
					return nil, err
				}
				pc.CgroupAttrs = append(pc.CgroupAttrs, CgroupAttr{Key: key, Value: value})
			case protocol.CgroupAttrXattr:
				pc.CgroupXattrs = append(pc.CgroupXattrs, CgroupAttr{Key: key, Value: value})
			default:
				return nil, malformed("unknown cgroup attr kind %d", which)
			}

		case protocol.TagTTY:
			pc.TTY = true

		case protocol.TagChroot:
			if sawChroot {
				return nil, malformed("CHROOT set more than once")
			}
			s, err := r.CString()
			if err != nil {
				return nil, err
			}
			pc.Chroot = s
			sawChroot = true

		case protocol.TagChdir:
			if sawChdir {
				return nil, malformed("CHDIR set more than once")
			}
			s, err := r.CString()
			if err != nil {
				return nil, err
			}
			pc.Chdir = s
			sawChdir = true

		case protocol.TagHostname:
			if sawHostname {
				return nil, malformed("HOSTNAME set more than once")
			}
			s, err := r.CString()
			if err != nil {
				return nil, err
			}
			pc.Hostname = s
			sawHostname = true

		case protocol.TagUmask:
			if sawUmask {
				return nil, malformed("UMASK set more than once")
			}
			v, err := r.Uint32()
			if err != nil {
				return nil, err
			}
			if v > 0777 {
				return nil, malformed("umask %o out of range", v)
			}
			pc.Umask = int32(v)
			sawUmask = true

		case protocol.TagNoNewPrivs:
			pc.NoNewPrivs = true

		case protocol.TagPriority:
			if sawNice {
				return nil, malformed("PRIORITY set more than once")
			}
			v, err := r.Int32()
			if err != nil {
				return nil, err
			}
			pc.Nice = v
			sawNice = true

		case protocol.TagSchedIdle:
			pc.SchedIdle = true

		case protocol.TagIOPrioIdle:
			pc.IOPrioIdle = true

		case protocol.TagForbidUserNS:
			pc.ForbidUserNS = true

		case protocol.TagForbidMulticast:
			pc.ForbidMulticast = true

		case protocol.TagForbidBind:
			pc.ForbidBind = true

		case protocol.TagCapSysResource:
			pc.CapSysResource = true

		case protocol.TagHookInfo:
			if sawHookInfo {
				return nil, malformed("HOOK_INFO set more than once")
			}
			v, err := r.Uint64()
			if err != nil {
				return nil, err
			}
			pc.HookInfo = v
			sawHookInfo = true

		case protocol.TagReturnStderr:
			fd, err := r.Fd()
			if err != nil {
				return nil, err
			}
			pc.ReturnStderrFD = fd

		case protocol.TagReturnPidfd:
			fd, err := r.Fd()
			if err != nil {
				return nil, err
			}
			pc.ReturnPidfdFD = fd

		case protocol.TagReturnCgroupFD:
			fd, err := r.Fd()
			if err != nil {
				return nil, err
			}
			pc.ReturnCgroupFDFD = fd

		default:
			return nil, malformed("unknown tag 0x%02x", tagByte)
		}
	}

	if !sawExecPath && !sawExecFD {
		return nil, malformed("no exec target given")
	}
	if sawPivotRoot && sawRootTmpfs {
		return nil, malformed("PIVOT_ROOT and MOUNT_ROOT_TMPFS are mutually exclusive")
	}
	if r.RemainingFds() != 0 {
		return nil, malformed("%d fds carried but never consumed", r.RemainingFds())
	}
	return pc, nil
}

func setNSFlag(pc *PreparedChild, k protocol.NSKind, v bool) {
	switch k {
	case protocol.NSUser:
		pc.UserNS = v
	case protocol.NSPID:
		pc.PIDNS = v
	case protocol.NSNet:
		pc.NetNS = v
	case protocol.NSIPC:
		pc.IPCNS = v
	case protocol.NSCgroup:
		pc.CgroupNS = v
	}
}

func parseMount(r *protocol.Reader) (*MountDirective, error) {
	kindByte, err := r.Byte()
	if err != nil {
		return nil, err
	}
	kind := protocol.MountKind(kindByte)
	if !kind.Valid() {
		return nil, malformed("unknown mount kind %d", kindByte)
	}
	md := &MountDirective{Kind: kind, SourceFD: -1}

	readBool := func() (bool, error) {
		b, err := r.Byte()
		return b != 0, err
	}

	switch kind {
	case protocol.MountTmpfs:
		if md.Target, err = r.CString(); err != nil {
			return nil, err
		}
		if md.Writable, err = readBool(); err != nil {
			return nil, err
		}

	case protocol.MountNamedTmpfs:
		if md.Source, err = r.CString(); err != nil {
			return nil, err
		}
		if md.Target, err = r.CString(); err != nil {
			return nil, err
		}
		if md.Writable, err = readBool(); err != nil {
			return nil, err
		}

	case protocol.MountBind:
		if md.Source, err = r.CString(); err != nil {
			return nil, err
		}
		if md.Target, err = r.CString(); err != nil {
			return nil, err
		}
		if md.Writable, err = readBool(); err != nil {
			return nil, err
		}
		if md.Exec, err = readBool(); err != nil {
			return nil, err
		}
		if md.Optional, err = readBool(); err != nil {
			return nil, err
		}

	case protocol.MountBindFile:
		if md.Source, err = r.CString(); err != nil {
			return nil, err
		}
		if md.Target, err = r.CString(); err != nil {
			return nil, err
		}
		if md.Optional, err = readBool(); err != nil {
			return nil, err
		}

	case protocol.MountFDBind:
		if md.SourceFD, err = r.Fd(); err != nil {
			return nil, err
		}
		if md.Target, err = r.CString(); err != nil {
			return nil, err
		}
		if md.Writable, err = readBool(); err != nil {
			return nil, err
		}
		if md.Exec, err = readBool(); err != nil {
			return nil, err
		}
		if md.Optional, err = readBool(); err != nil {
			return nil, err
		}

	case protocol.MountFDBindFile:
		if md.SourceFD, err = r.Fd(); err != nil {
			return nil, err
		}
		if md.Target, err = r.CString(); err != nil {
			return nil, err
		}
		if md.Optional, err = readBool(); err != nil {
			return nil, err
		}

	case protocol.MountWriteFile:
		if md.Target, err = r.CString(); err != nil {
			return nil, err
		}
		n, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		if md.Contents, err = r.Bytes(int(n)); err != nil {
			return nil, err
		}
		if md.Optional, err = readBool(); err != nil {
			return nil, err
		}

	case protocol.MountProc:
		if md.Writable, err = readBool(); err != nil {
			return nil, err
		}

	case protocol.MountDev, protocol.MountPts, protocol.MountBindPts, protocol.MountRootTmpfs:
		// no body

	case protocol.MountPivotRoot, protocol.MountTmpTmpfs:
		if md.Target, err = r.CString(); err != nil {
			return nil, err
		}

	case protocol.MountHome:
		if md.Target, err = r.CString(); err != nil {
			return nil, err
		}
		if md.Writable, err = readBool(); err != nil {
			return nil, err
		}
	}
	return md, nil
}

// validateCgroupAttrKey enforces spec.md §4.5's attribute naming policy:
// no '/', form is "<controller>.<key>", controller is lowercase letters
// and underscores, key is letters/digits/dots/underscores, and controller
// is never "cgroup" (that would let a client migrate/kill processes
// itself instead of through the CGROUP/KILL verbs).
func validateCgroupAttrKey(key string) error {
	dot := -1
	for i, c := range key {
		if c == '/' {
			return malformed("cgroup attribute %q must not contain '/'", key)
		}
		if c == '.' && dot == -1 {
			dot = i
		}
	}
	if dot <= 0 || dot == len(key)-1 {
		return malformed("cgroup attribute %q must be <controller>.<key>", key)
	}
	controller, attr := key[:dot], key[dot+1:]
	if controller == "cgroup" {
		return malformed("cgroup attribute controller %q is reserved", controller)
	}
	for _, c := range controller {
		if !(c >= 'a' && c <= 'z' || c == '_') {
			return malformed("cgroup attribute controller %q has invalid character %q", controller, c)
		}
	}
	for _, c := range attr {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '.' || c == '_') {
			return malformed("cgroup attribute key %q has invalid character %q", attr, c)
		}
	}
	return nil
}
