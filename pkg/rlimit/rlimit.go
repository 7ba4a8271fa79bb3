// Package rlimit provides data structure for resource limits by setrlimit syscall on linux.
package rlimit

import (
	"fmt"
	"syscall"
)

// RLIMIT_NPROC is omitted from the syscall package on this platform but is
// the same value (RLIMIT_NPROC=6) across all Linux architectures.
const RLIMIT_NPROC = 6

// RLimit is the resource limits defined by Linux setrlimit
type RLimit struct {
	// Res is the resource type (e.g. syscall.RLIMIT_CPU)
	Res int
	// Rlim is the limit applied to that resource
	Rlim syscall.Rlimit
}

var resName = map[int]string{
	syscall.RLIMIT_CPU:    "CPU",
	syscall.RLIMIT_FSIZE:  "FSIZE",
	syscall.RLIMIT_DATA:   "DATA",
	syscall.RLIMIT_STACK:  "STACK",
	syscall.RLIMIT_CORE:   "CORE",
	syscall.RLIMIT_AS:     "AS",
	syscall.RLIMIT_NOFILE: "NOFILE",
	RLIMIT_NPROC:          "NPROC",
}

func (r RLimit) String() string {
	name, ok := resName[r.Res]
	if !ok {
		name = fmt.Sprintf("res(%d)", r.Res)
	}
	return fmt.Sprintf("%s[cur:%d,max:%d]", name, r.Rlim.Cur, r.Rlim.Max)
}
