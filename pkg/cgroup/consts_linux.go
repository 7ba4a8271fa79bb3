package cgroup

const (
	// systemd mounted cgroups
	basePath       = "/sys/fs/cgroup"
	cgroupProcs    = "cgroup.procs"
	procSelfCgroup = "/proc/self/cgroup"

	cgroupSubtreeControl = "cgroup.subtree_control"
	cgroupControllers    = "cgroup.controllers"
	cgroupKill           = "cgroup.kill"

	filePerm = 0644
	dirPerm  = 0755
)

type CgroupType int

const (
	CgroupTypeV1 = iota + 1
	CgroupTypeV2
)

func (t CgroupType) String() string {
	switch t {
	case CgroupTypeV1:
		return "v1"
	case CgroupTypeV2:
		return "v2"
	default:
		return "invalid"
	}
}
