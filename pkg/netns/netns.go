// Package netns resolves named persistent network namespaces (as created
// by "ip netns add") to open file descriptors, for pinning a spawned
// child's network namespace (SPEC_FULL.md §3, NSNet with PinnedName set).
package netns

import (
	"fmt"
	"os"

	"github.com/vishvananda/netns"
)

// netnsRunDir is where "ip netns add NAME" bind-mounts named namespaces,
// matching iproute2's convention.
const netnsRunDir = "/var/run/netns"

// Open returns an *os.File referencing the named namespace's /proc/<pid>/
// ns/net-equivalent bind mount, suitable for setns(2). The caller owns the
// returned file and must close it once the child has joined it.
func Open(name string) (*os.File, error) {
	h, err := netns.GetFromName(name)
	if err != nil {
		return nil, fmt.Errorf("netns: open %q: %w", name, err)
	}
	return os.NewFile(uintptr(h), netnsRunDir+"/"+name), nil
}
