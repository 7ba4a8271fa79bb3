package cgroup

import (
	"fmt"
	"os"
	"path"
	"strings"
)

// ControllerSet is the set of cgroup v2 controllers available or enabled at
// some point in the hierarchy (read from cgroup.controllers).
type ControllerSet map[string]bool

// Contains reports whether every controller in o is also in c.
func (c ControllerSet) Contains(o ControllerSet) bool {
	for name := range o {
		if !c[name] {
			return false
		}
	}
	return true
}

func (c ControllerSet) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	return names
}

func (c ControllerSet) String() string {
	return "[" + strings.Join(c.Names(), ", ") + "]"
}

// GetCurrentCgroupPrefix reads the calling process's own cgroup v2 path
// from /proc/self/cgroup, selecting the "0::<path>" entry (spec.md §3's
// CgroupState is built from this at startup).
func GetCurrentCgroupPrefix() (string, error) {
	c, err := os.ReadFile(procSelfCgroup)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(c), "\n") {
		f := strings.SplitN(line, ":", 3)
		if len(f) == 3 && f[0] == "0" {
			return f[2][1:], nil
		}
	}
	return "", fmt.Errorf("no v2 entry found in %s", procSelfCgroup)
}

// GetAvailableControllerV2 reads the root cgroup.controllers file.
func GetAvailableControllerV2() (ControllerSet, error) {
	return getAvailableControllerV2(".")
}

func getAvailableControllerV2(prefix string) (ControllerSet, error) {
	return getAvailableControllerV2path(path.Join(basePath, prefix, cgroupControllers))
}

func getAvailableControllerV2path(p string) (ControllerSet, error) {
	c, err := readFile(p)
	if err != nil {
		return nil, err
	}
	m := make(ControllerSet)
	for _, v := range strings.Fields(string(c)) {
		m[v] = true
	}
	return m, nil
}
