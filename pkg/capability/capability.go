// Package capability resolves Linux capability names to the bit numbers
// used by pkg/forkexec.Runner.KeepCaps (SPEC_FULL.md §4.6 step 9).
package capability

import (
	"fmt"
	"strings"

	"github.com/moby/sys/capability"
)

// BaselineKeep is the capability set a non-root child keeps by default:
// none. Root-equivalent children (spec.md §4.6 step 9's "no capability
// dropping for uid 0") are handled by the caller skipping capability.Mask
// entirely, not by this baseline.
const BaselineKeep uint64 = 0

// Mask ORs the bits for each named capability (e.g. "CAP_SYS_RESOURCE")
// into a keep-mask suitable for Runner.KeepCaps.
func Mask(names ...string) (uint64, error) {
	var mask uint64
	for _, name := range names {
		cap, err := lookup(name)
		if err != nil {
			return 0, err
		}
		mask |= 1 << uint(cap)
	}
	return mask, nil
}

// lookup accepts either form moby/sys/capability's Cap.String() doesn't
// commit to across versions, e.g. "CAP_SYS_RESOURCE" or "sys_resource".
func lookup(name string) (capability.Cap, error) {
	want := strings.ToLower(strings.TrimPrefix(name, "CAP_"))
	for _, c := range capability.List() {
		if strings.ToLower(strings.TrimPrefix(c.String(), "CAP_")) == want {
			return c, nil
		}
	}
	return 0, fmt.Errorf("capability: unknown capability %q", name)
}
