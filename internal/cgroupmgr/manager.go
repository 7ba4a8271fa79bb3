// Package cgroupmgr discovers the daemon's own cgroup v2 hierarchy at
// startup, enables controllers for its children, and creates the
// per-session leaf cgroups that EXEC's CGROUP/CGROUP_SESSION fields name
// (spec.md §3, §4.5).
package cgroupmgr

import (
	"errors"
	"fmt"
	"os"
	"path"

	"golang.org/x/sys/unix"

	"github.com/ctrlplane-oss/spawnerd/pkg/cgroup"
)

// DefaultRoot is the standard cgroup v2 mountpoint (spec.md §6.3), used
// when the caller has no configured override.
const DefaultRoot = "/sys/fs/cgroup"

// ErrNoKillFile is returned by Kill when the kernel doesn't expose
// cgroup.kill and the caller must fall back to signaling the tracked
// pidfd instead (spec.md §4.5).
var ErrNoKillFile = errors.New("cgroupmgr: cgroup.kill not present")

// Manager owns the daemon's cgroup subtree and the nested per-job/per-
// session groups created underneath it.
type Manager struct {
	root        *cgroup.CgroupV2
	hasKillFile bool

	sessions map[string]*cgroup.CgroupV2
}

// controllersToEnable lists the v2 controllers this daemon advertises to
// its children, excluding cpuset: enabling cpuset_css_online costs ~70ms
// per cgroup creation and nothing in this spec needs a pinned cpu set
// (spec.md §3 step 3).
var controllersToEnable = []string{"cpu", "io", "memory", "pids"}

// New discovers the calling process's own v2 cgroup under cgroupRoot,
// enables controllers for its descendants, and moves the process into a
// "_" leaf so the controllers can actually be enabled (a non-leaf cgroup
// with processes directly attached cannot have subtree_control written,
// spec.md §3 steps 1-4). cgroupRoot is normally DefaultRoot; internal/config
// (A1) allows overriding it for test/container setups with a relocated
// cgroup mount.
func New(cgroupRoot string) (*Manager, error) {
	if cgroup.DetectType() != cgroup.CgroupTypeV2 {
		return nil, fmt.Errorf("cgroupmgr: %s is not mounted as cgroup v2", cgroupRoot)
	}

	prefix, err := cgroup.GetCurrentCgroupPrefix()
	if err != nil {
		return nil, fmt.Errorf("cgroupmgr: discover own cgroup: %w", err)
	}
	root := cgroup.OpenV2(path.Join(cgroupRoot, prefix))

	available, err := cgroup.GetAvailableControllerV2()
	if err != nil {
		return nil, fmt.Errorf("cgroupmgr: read available controllers: %w", err)
	}

	enable := "+" + joinEnabled(controllersToEnable, available)
	if enable != "+" {
		if err := root.WriteFile("cgroup.subtree_control", []byte(enable)); err != nil {
			return nil, fmt.Errorf("cgroupmgr: enable controllers: %w", err)
		}
	}

	leaf, err := cgroup.CreateV2(path.Join(root.Path(), "_"))
	if err != nil {
		return nil, fmt.Errorf("cgroupmgr: create leaf cgroup: %w", err)
	}
	if err := leaf.WriteFile("cgroup.procs", []byte("0")); err != nil {
		return nil, fmt.Errorf("cgroupmgr: migrate into leaf cgroup: %w", err)
	}
	for _, w := range []struct{ file, value string }{
		{"cpu.weight", "10000"},
		{"io.weight", "10000"},
		{"io.bfq.weight", "1000"},
	} {
		// io.bfq.weight only exists when the bfq I/O scheduler is in use;
		// a missing attribute file is not fatal to startup.
		_ = leaf.WriteFile(w.file, []byte(w.value))
	}

	return &Manager{
		root:        root,
		hasKillFile: root.HasKillFile(),
		sessions:    make(map[string]*cgroup.CgroupV2),
	}, nil
}

func joinEnabled(want []string, have cgroup.ControllerSet) string {
	var s string
	for _, c := range want {
		if have[c] {
			if s != "" {
				s += " +"
			}
			s += c
		}
	}
	return s
}

// EnsureSession creates (or reuses) the cgroup at <root>/<name>/<session>
// (spec.md §4.6 step 2).
func (m *Manager) EnsureSession(name, session string) (*cgroup.CgroupV2, error) {
	key := name + "/" + session
	if cg, ok := m.sessions[key]; ok {
		return cg, nil
	}

	group, err := cgroup.CreateV2(path.Join(m.root.Path(), name))
	if err != nil {
		return nil, fmt.Errorf("cgroupmgr: create group %q: %w", name, err)
	}
	sessionCg, err := cgroup.CreateV2(path.Join(group.Path(), session))
	if err != nil {
		return nil, fmt.Errorf("cgroupmgr: create session %q under %q: %w", session, name, err)
	}
	m.sessions[key] = sessionCg
	return sessionCg, nil
}

// SetAttr writes an arbitrary <controller>.<key> attribute file. The
// caller (internal/spawn) is responsible for validating key against the
// naming policy before this is reached.
func (m *Manager) SetAttr(cg *cgroup.CgroupV2, key, value string) error {
	return cg.WriteFile(key, []byte(value))
}

// SetXattr applies a filesystem extended attribute to the group directory
// (spec.md §4.5).
func (m *Manager) SetXattr(cg *cgroup.CgroupV2, key, value string) error {
	return unix.Setxattr(cg.Path(), key, []byte(value), 0)
}

// OpenDirFD opens the group directory for use as clone3's cgroup
// argument, placing a new process into it atomically at creation
// (spec.md §4.6 step 2, SPEC_FULL.md §4.5).
func (m *Manager) OpenDirFD(cg *cgroup.CgroupV2) (int, error) {
	return unix.Open(cg.Path(), unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
}

// Kill terminates every process in cg. If cgroup.kill isn't available on
// this kernel, it returns ErrNoKillFile so the caller falls back to
// pidfd_send_signal on the tracked direct child (spec.md §4.5).
func (m *Manager) Kill(cg *cgroup.CgroupV2) error {
	if !cg.HasKillFile() {
		return ErrNoKillFile
	}
	return cg.Kill()
}

// HasKillFile reports whether the daemon's own cgroup exposes
// cgroup.kill, informing CgroupState for diagnostics/logging.
func (m *Manager) HasKillFile() bool { return m.hasKillFile }

// Root returns the daemon's own cgroup root, <cgroupRoot>/<prefix>.
func (m *Manager) Root() *cgroup.CgroupV2 { return m.root }

// RemoveSession destroys a session cgroup once its last child has exited
// and it has been drained of processes.
func (m *Manager) RemoveSession(name, session string) error {
	key := name + "/" + session
	cg, ok := m.sessions[key]
	if !ok {
		return nil
	}
	delete(m.sessions, key)
	if err := cg.Destroy(); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
