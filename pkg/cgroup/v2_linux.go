package cgroup

import (
	"bufio"
	"bytes"
	"os"
	"path"
	"strconv"
	"strings"
)

// CgroupV2 is a handle on a single cgroup v2 directory.
type CgroupV2 struct {
	path     string
	existing bool
}

// OpenV2 opens an already-existing v2 cgroup directory.
func OpenV2(p string) *CgroupV2 {
	return &CgroupV2{path: p, existing: true}
}

// CreateV2 creates a v2 cgroup directory, or opens it if it already exists.
func CreateV2(p string) (*CgroupV2, error) {
	if err := os.Mkdir(p, dirPerm); err != nil {
		if !os.IsExist(err) {
			return nil, err
		}
		return &CgroupV2{path: p, existing: true}, nil
	}
	return &CgroupV2{path: p}, nil
}

// Path returns the cgroup's directory under /sys/fs/cgroup.
func (c *CgroupV2) Path() string { return c.path }

// Existing reports whether the directory was opened rather than created.
func (c *CgroupV2) Existing() bool { return c.existing }

// AddProc writes cgroup.procs to migrate a process into the group.
func (c *CgroupV2) AddProc(pid int) error {
	return c.WriteUint(cgroupProcs, uint64(pid))
}

// HasKillFile reports whether cgroup.kill is present (kernel >= 5.14).
func (c *CgroupV2) HasKillFile() bool {
	_, err := os.Stat(path.Join(c.path, cgroupKill))
	return err == nil
}

// Kill writes "1" to cgroup.kill, killing every process in the group and
// its descendants atomically (spec.md §4.5).
func (c *CgroupV2) Kill() error {
	return c.WriteFile(cgroupKill, []byte("1"))
}

// Destroy removes the cgroup directory. The caller must have already
// emptied it (moved or killed its processes).
func (c *CgroupV2) Destroy() error {
	return remove(c.path)
}

// CPUUsage reads cpu.stat usage_usec, in nanoseconds.
func (c *CgroupV2) CPUUsage() (uint64, error) {
	b, err := c.ReadFile("cpu.stat")
	if err != nil {
		return 0, err
	}
	s := bufio.NewScanner(bytes.NewReader(b))
	for s.Scan() {
		parts := strings.Fields(s.Text())
		if len(parts) == 2 && parts[0] == "usage_usec" {
			v, err := strconv.ParseUint(parts[1], 10, 64)
			if err != nil {
				return 0, err
			}
			return v * 1000, nil
		}
	}
	return 0, os.ErrNotExist
}

// MemoryUsage reads memory.current.
func (c *CgroupV2) MemoryUsage() (uint64, error) {
	return c.ReadUint("memory.current")
}

// MemoryMaxUsage reads memory.peak.
func (c *CgroupV2) MemoryMaxUsage() (uint64, error) {
	return c.ReadUint("memory.peak")
}

// SetCPUBandwidth sets cpu.max to "quota period".
func (c *CgroupV2) SetCPUBandwidth(quota, period uint64) error {
	content := strconv.FormatUint(quota, 10) + " " + strconv.FormatUint(period, 10)
	return c.WriteFile("cpu.max", []byte(content))
}

// SetMemoryLimit writes memory.max.
func (c *CgroupV2) SetMemoryLimit(l uint64) error {
	return c.WriteUint("memory.max", l)
}

// SetProcLimit writes pids.max.
func (c *CgroupV2) SetProcLimit(l uint64) error {
	return c.WriteUint("pids.max", l)
}

// WriteUint writes a decimal uint64 into filename under the group.
func (c *CgroupV2) WriteUint(filename string, i uint64) error {
	return c.WriteFile(filename, []byte(strconv.FormatUint(i, 10)))
}

// ReadUint reads a decimal uint64 from filename under the group.
func (c *CgroupV2) ReadUint(filename string) (uint64, error) {
	b, err := c.ReadFile(filename)
	if err != nil {
		return 0, err
	}
	s, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, err
	}
	return s, nil
}

// WriteFile writes a cgroup attribute file, retrying on EINTR.
func (c *CgroupV2) WriteFile(name string, content []byte) error {
	return writeFile(path.Join(c.path, name), content, filePerm)
}

// ReadFile reads a cgroup attribute file, retrying on EINTR.
func (c *CgroupV2) ReadFile(name string) ([]byte, error) {
	return readFile(path.Join(c.path, name))
}
