// Package protocol implements the wire codec for the spawner control
// socket: request framing, the EXEC command's TLV body, and the batched
// EXEC_COMPLETE/EXIT response framing.
//
// Encoding is hand-rolled, not reflection-based: every field is a tag byte
// followed by a tag-specific body, read and written directly against a
// []byte slice and a parallel list of file descriptors carried out of band
// by the transport (see pkg/unixsocket).
package protocol

// Command is the first payload byte of a request.
type Command byte

const (
	CmdConnect Command = 0x01
	CmdExec    Command = 0x02
	CmdKill    Command = 0x03
)

// ResponseKind is the first payload byte of a batched response.
type ResponseKind byte

const (
	RespExecComplete ResponseKind = 0x81
	RespExit         ResponseKind = 0x82
)

// MaxBatchItems bounds the number of items in one EXEC_COMPLETE or EXIT
// batch (spec.md §4.1: "Batches are bounded to 64 items per send").
const MaxBatchItems = 64

// SpawnFailureStatus is the synthetic EXIT status used when a child never
// ran at all: its high byte is 0xFF per spec.md §4.6's failure policy and
// §6.4's authorization-denial path ("an EXIT with status-high-byte 0xFF is
// emitted").
const SpawnFailureStatus int32 = 0xFF00

// MaxFds is the most file descriptors a single message may carry via
// SCM_RIGHTS (spec.md §6.1).
const MaxFds = 32

// Tag identifies a field inside an EXEC command's TLV stream.
type Tag byte

const (
	TagExecPath   Tag = 0x01
	TagExecFD     Tag = 0x02
	TagArg        Tag = 0x03
	TagSetEnv     Tag = 0x04
	TagStdioFD    Tag = 0x05 // body: [which StdioKind] (consumes 1 fd)
	TagStderrPath Tag = 0x06

	TagNSFlag Tag = 0x10 // body: [which NSKind]
	TagNSName Tag = 0x11 // body: [which NSKind] NUL-terminated name

	TagMount Tag = 0x20 // body: [which MountKind] ...kind-specific fields

	TagRLimit Tag = 0x30 // body: 1 byte index, 16 bytes struct rlimit
	TagUIDGID Tag = 0x31 // body: i32 uid, i32 gid, u8 ngroups, ngroups*i32

	TagCgroupName    Tag = 0x40
	TagCgroupSession Tag = 0x41
	TagCgroupAttr    Tag = 0x42 // body: [which CgroupAttrKind] 2 NUL-terminated strings

	TagTTY             Tag = 0x50
	TagChroot          Tag = 0x51
	TagChdir           Tag = 0x52
	TagHostname        Tag = 0x53
	TagUmask           Tag = 0x54
	TagNoNewPrivs      Tag = 0x55
	TagPriority        Tag = 0x56 // body: i32 nice
	TagSchedIdle       Tag = 0x57
	TagIOPrioIdle      Tag = 0x58
	TagForbidUserNS    Tag = 0x59
	TagForbidMulticast Tag = 0x5A
	TagForbidBind      Tag = 0x5B
	TagCapSysResource  Tag = 0x5C
	TagHookInfo        Tag = 0x5D // body: u64 cookie

	TagReturnStderr   Tag = 0x60 // consumes 1 fd
	TagReturnPidfd    Tag = 0x61 // consumes 1 fd
	TagReturnCgroupFD Tag = 0x62 // consumes 1 fd
)

// StdioKind discriminates the three TagStdioFD occurrences.
type StdioKind byte

const (
	StdioStdin  StdioKind = 0
	StdioStdout StdioKind = 1
	StdioStderr StdioKind = 2
)

// NSKind discriminates TagNSFlag/TagNSName occurrences. Matches the
// namespace list in spec.md §3 ("flags for user/pid/cgroup/network/ipc").
type NSKind byte

const (
	NSUser    NSKind = 0
	NSPID     NSKind = 1
	NSNet     NSKind = 2
	NSIPC     NSKind = 3
	NSCgroup  NSKind = 4
	nsKindMax        = NSCgroup
)

func (k NSKind) Valid() bool { return k <= nsKindMax }

// MountKind discriminates TagMount occurrences, one per mount directive
// named in spec.md §4.3.
type MountKind byte

const (
	MountTmpfs      MountKind = 0
	MountNamedTmpfs MountKind = 1
	MountBind       MountKind = 2
	MountBindFile   MountKind = 3
	MountFDBind     MountKind = 4
	MountFDBindFile MountKind = 5
	MountWriteFile  MountKind = 6
	MountProc       MountKind = 7
	MountDev        MountKind = 8
	MountPts        MountKind = 9
	MountBindPts    MountKind = 10
	MountPivotRoot  MountKind = 11
	MountRootTmpfs  MountKind = 12
	MountTmpTmpfs   MountKind = 13
	MountHome       MountKind = 14
	mountKindMax              = MountHome
)

func (k MountKind) Valid() bool { return k <= mountKindMax }

// CgroupAttrKind discriminates the two TagCgroupAttr occurrences.
type CgroupAttrKind byte

const (
	CgroupAttrSet   CgroupAttrKind = 0
	CgroupAttrXattr CgroupAttrKind = 1
)
