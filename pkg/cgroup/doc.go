// Package cgroup wraps the cgroup v2 filesystem at /sys/fs/cgroup: reading
// the calling process's own cgroup, enabling controllers, and reading or
// writing the attribute files of a single cgroup directory.
package cgroup
