package libseccomp

import (
	"io/ioutil"
	"os"

	libseccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"

	"github.com/ctrlplane-oss/spawnerd/pkg/seccomp"
)

// Builder is used to build the filter
type Builder struct {
	Allow, Trace []string
	Default      seccomp.Action

	// Deny lists syscalls to reject outright with EPERM regardless of
	// their arguments, used where libseccomp's argument comparisons
	// can't express the desired policy precisely (spec.md §4.6 step 11's
	// forbid_bind/forbid_multicast hints collapse to this: there is no
	// portable way to inspect a sockaddr's multicast bit from a BPF
	// comparison against raw register words, so both hints deny bind(2)
	// unconditionally rather than only the multicast case).
	Deny []string

	// DenyMaskedEqual rejects a syscall only when (argument & Mask) ==
	// Mask, e.g. denying clone(2) when its flags argument carries
	// CLONE_NEWUSER (forbid_user_ns), without blocking clone(2) for
	// every other purpose.
	DenyMaskedEqual []MaskedDenyRule
}

// MaskedDenyRule denies Syscall with EPERM when its Arg-th argument has
// every bit of Mask set.
type MaskedDenyRule struct {
	Syscall string
	Arg     uint
	Mask    uint64
}

var (
	actTrace = libseccomp.ActTrace.SetReturnCode(seccomp.MsgHandle)
	actDeny  = libseccomp.ActErrno.SetReturnCode(int16(unix.EPERM))
)

// Build builds the filter
func (b *Builder) Build() (seccomp.Filter, error) {
	filter, err := libseccomp.NewFilter(ToSeccompAction(b.Default))
	if err != nil {
		return nil, err
	}
	defer filter.Release()

	if err = addFilterActions(filter, b.Allow, libseccomp.ActAllow); err != nil {
		return nil, err
	}
	if err = addFilterActions(filter, b.Trace, actTrace); err != nil {
		return nil, err
	}
	if err = addFilterActions(filter, b.Deny, actDeny); err != nil {
		return nil, err
	}
	for _, r := range b.DenyMaskedEqual {
		if err = addMaskedDenyRule(filter, r); err != nil {
			return nil, err
		}
	}
	return ExportBPF(filter)
}

func addMaskedDenyRule(filter *libseccomp.ScmpFilter, r MaskedDenyRule) error {
	syscallID, err := libseccomp.GetSyscallFromName(r.Syscall)
	if err != nil {
		return err
	}
	cond, err := libseccomp.MakeCondition(r.Arg, libseccomp.CompareMaskedEqual, r.Mask, r.Mask)
	if err != nil {
		return err
	}
	return filter.AddRuleConditional(syscallID, actDeny, []libseccomp.ScmpCondition{cond})
}

// ExportBPF convert libseccomp filter to kernel readable BPF content
func ExportBPF(filter *libseccomp.ScmpFilter) (seccomp.Filter, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	// export BPF to pipe
	go func() {
		filter.ExportBPF(w)
		w.Close()
	}()

	// get BPF binary
	bin, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return seccomp.Filter(bin), nil
}

func addFilterActions(filter *libseccomp.ScmpFilter, names []string, action libseccomp.ScmpAction) error {
	for _, s := range names {
		if err := addFilterAction(filter, s, action); err != nil {
			return err
		}
	}
	return nil
}

func addFilterAction(filter *libseccomp.ScmpFilter, name string, action libseccomp.ScmpAction) error {
	syscallID, err := libseccomp.GetSyscallFromName(name)
	if err != nil {
		return err
	}
	if err = filter.AddRule(syscallID, action); err != nil {
		return err
	}
	return nil
}
