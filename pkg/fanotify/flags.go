//go:build linux

package fanotify

import (
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/jingkaihe/fangate/internal/errx"
)

// InitFlags selects the notification class of a group plus init modifiers.
type InitFlags uint

const (
	ClassNotif      InitFlags = unix.FAN_CLASS_NOTIF
	ClassContent    InitFlags = unix.FAN_CLASS_CONTENT
	ClassPreContent InitFlags = unix.FAN_CLASS_PRE_CONTENT

	CloseOnExec    InitFlags = unix.FAN_CLOEXEC
	NonBlock       InitFlags = unix.FAN_NONBLOCK
	UnlimitedQueue InitFlags = unix.FAN_UNLIMITED_QUEUE
	UnlimitedMarks InitFlags = unix.FAN_UNLIMITED_MARKS
	EnableAudit    InitFlags = unix.FAN_ENABLE_AUDIT
	ReportTID      InitFlags = unix.FAN_REPORT_TID
	ReportFID      InitFlags = unix.FAN_REPORT_FID
	ReportDirFID   InitFlags = unix.FAN_REPORT_DIR_FID
	ReportName     InitFlags = unix.FAN_REPORT_NAME
	ReportPidFD    InitFlags = unix.FAN_REPORT_PIDFD
)

const (
	classBits InitFlags = unix.FAN_ALL_CLASS_BITS
	fidBits   InitFlags = ReportFID | ReportDirFID | ReportName
)

// Class returns only the class bits of f.
func (f InitFlags) Class() InitFlags {
	return f & classBits
}

// Permission reports whether the class delivers blocking permission events.
func (f InitFlags) Permission() bool {
	c := f.Class()
	return c == ClassContent || c == ClassPreContent
}

func (f InitFlags) String() string {
	switch f.Class() {
	case ClassNotif:
		return "notif"
	case ClassContent:
		return "content"
	case ClassPreContent:
		return "pre_content"
	}
	return "unknown"
}

// ParseClass maps "notif", "content" or "pre_content" to a class.
func ParseClass(s string) (InitFlags, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "notif", "notification", "":
		return ClassNotif, nil
	case "content":
		return ClassContent, nil
	case "pre_content", "pre-content", "precontent":
		return ClassPreContent, nil
	}
	return 0, errx.With(ErrUnsupportedConfiguration, ": unknown class %q", s)
}

// EventFlags are the open(2) flags the kernel uses for descriptors it places
// in events.
type EventFlags uint

const (
	ReadOnly  EventFlags = unix.O_RDONLY
	WriteOnly EventFlags = unix.O_WRONLY
	ReadWrite EventFlags = unix.O_RDWR

	LargeFile        EventFlags = unix.O_LARGEFILE
	EventCloseOnExec EventFlags = unix.O_CLOEXEC
	EventNonBlock    EventFlags = unix.O_NONBLOCK
	NoAtime          EventFlags = unix.O_NOATIME
)

// AccessMode returns the read/write bits of f.
func (f EventFlags) AccessMode() EventFlags {
	return f & unix.O_ACCMODE
}

var eventFlagNames = map[string]EventFlags{
	"rdonly":    ReadOnly,
	"wronly":    WriteOnly,
	"rdwr":      ReadWrite,
	"largefile": LargeFile,
	"cloexec":   EventCloseOnExec,
	"nonblock":  EventNonBlock,
	"noatime":   NoAtime,
}

// ParseEventFlags parses a comma separated list such as "rdonly,cloexec".
// An empty string yields ReadOnly.
func ParseEventFlags(s string) (EventFlags, error) {
	var f EventFlags
	for _, name := range splitList(s) {
		v, ok := eventFlagNames[name]
		if !ok {
			return 0, errx.With(ErrUnsupportedConfiguration, ": unknown event flag %q", name)
		}
		f |= v
	}
	return f, nil
}

// MarkFlags select the mark operation, the kind of object marked and
// modifiers.
type MarkFlags uint

const (
	MarkAdd    MarkFlags = unix.FAN_MARK_ADD
	MarkRemove MarkFlags = unix.FAN_MARK_REMOVE
	MarkFlush  MarkFlags = unix.FAN_MARK_FLUSH

	MarkInode      MarkFlags = unix.FAN_MARK_INODE
	MarkMount      MarkFlags = unix.FAN_MARK_MOUNT
	MarkFilesystem MarkFlags = unix.FAN_MARK_FILESYSTEM

	MarkDontFollow        MarkFlags = unix.FAN_MARK_DONT_FOLLOW
	MarkOnlyDir           MarkFlags = unix.FAN_MARK_ONLYDIR
	MarkIgnoredMask       MarkFlags = unix.FAN_MARK_IGNORED_MASK
	MarkIgnoredSurvModify MarkFlags = unix.FAN_MARK_IGNORED_SURV_MODIFY
)

const markOps = MarkAdd | MarkRemove | MarkFlush

// ParseScope maps "inode", "mount" or "filesystem" to the mark scope bits.
func ParseScope(s string) (MarkFlags, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inode", "":
		return MarkInode, nil
	case "mount":
		return MarkMount, nil
	case "filesystem", "fs":
		return MarkFilesystem, nil
	}
	return 0, errx.With(ErrInvalidTarget, ": unknown mark scope %q", s)
}

// Mask is a set of fanotify event bits.
type Mask uint64

const (
	Access        Mask = unix.FAN_ACCESS
	Modify        Mask = unix.FAN_MODIFY
	Attrib        Mask = unix.FAN_ATTRIB
	CloseWrite    Mask = unix.FAN_CLOSE_WRITE
	CloseNoWrite  Mask = unix.FAN_CLOSE_NOWRITE
	Open          Mask = unix.FAN_OPEN
	MovedFrom     Mask = unix.FAN_MOVED_FROM
	MovedTo       Mask = unix.FAN_MOVED_TO
	Create        Mask = unix.FAN_CREATE
	Delete        Mask = unix.FAN_DELETE
	DeleteSelf    Mask = unix.FAN_DELETE_SELF
	MoveSelf      Mask = unix.FAN_MOVE_SELF
	OpenExec      Mask = unix.FAN_OPEN_EXEC
	QueueOverflow Mask = unix.FAN_Q_OVERFLOW
	FSError       Mask = unix.FAN_FS_ERROR
	OpenPerm      Mask = unix.FAN_OPEN_PERM
	AccessPerm    Mask = unix.FAN_ACCESS_PERM
	OpenExecPerm  Mask = unix.FAN_OPEN_EXEC_PERM
	PreAccess     Mask = unix.FAN_PRE_ACCESS
	OnDir         Mask = unix.FAN_ONDIR
	EventOnChild  Mask = unix.FAN_EVENT_ON_CHILD

	Close Mask = CloseWrite | CloseNoWrite
	Move  Mask = MovedFrom | MovedTo

	// PermissionEvents are the bits that block the originating syscall until a
	// response is written.
	PermissionEvents Mask = OpenPerm | AccessPerm | OpenExecPerm | PreAccess
)

// maskNames is ordered by bit value so String output is stable.
var maskNames = []struct {
	bit  Mask
	name string
}{
	{Access, "access"},
	{Modify, "modify"},
	{Attrib, "attrib"},
	{CloseWrite, "close_write"},
	{CloseNoWrite, "close_nowrite"},
	{Open, "open"},
	{MovedFrom, "moved_from"},
	{MovedTo, "moved_to"},
	{Create, "create"},
	{Delete, "delete"},
	{DeleteSelf, "delete_self"},
	{MoveSelf, "move_self"},
	{OpenExec, "open_exec"},
	{QueueOverflow, "q_overflow"},
	{FSError, "fs_error"},
	{OpenPerm, "open_perm"},
	{AccessPerm, "access_perm"},
	{OpenExecPerm, "open_exec_perm"},
	{PreAccess, "pre_access"},
	{EventOnChild, "event_on_child"},
	{OnDir, "ondir"},
}

// IsPermission reports whether m carries any permission event bit.
func (m Mask) IsPermission() bool {
	return m&PermissionEvents != 0
}

// String renders m as names joined by "|", e.g. "close_write|open".
func (m Mask) String() string {
	if m == 0 {
		return "0"
	}
	var parts []string
	rest := m
	for _, n := range maskNames {
		if m&n.bit != 0 {
			parts = append(parts, n.name)
			rest &^= n.bit
		}
	}
	if rest != 0 {
		parts = append(parts, "0x"+strconv.FormatUint(uint64(rest), 16))
	}
	return strings.Join(parts, "|")
}

// ParseMask parses names separated by "," or "|". "close" and "move" expand to
// their composite masks.
func ParseMask(s string) (Mask, error) {
	var m Mask
	for _, name := range splitList(s) {
		switch name {
		case "close":
			m |= Close
			continue
		case "move":
			m |= Move
			continue
		}
		found := false
		for _, n := range maskNames {
			if n.name == name {
				m |= n.bit
				found = true
				break
			}
		}
		if !found {
			return 0, errx.With(ErrInvalidMask, ": unknown event %q", name)
		}
	}
	return m, nil
}

// Decision is the verdict written back for a permission event.
type Decision uint32

const (
	Allow      Decision = unix.FAN_ALLOW
	Deny       Decision = unix.FAN_DENY
	AllowAudit Decision = unix.FAN_ALLOW | unix.FAN_AUDIT
	DenyAudit  Decision = unix.FAN_DENY | unix.FAN_AUDIT
)

// Audited reports whether the decision asks the kernel to audit the access.
func (d Decision) Audited() bool {
	return d&unix.FAN_AUDIT != 0
}

// WithoutAudit returns d with the audit bit cleared.
func (d Decision) WithoutAudit() Decision {
	return d &^ unix.FAN_AUDIT
}

// Allowed reports whether the decision lets the operation proceed.
func (d Decision) Allowed() bool {
	return d&unix.FAN_ALLOW != 0
}

func (d Decision) valid() bool {
	switch d {
	case Allow, Deny, AllowAudit, DenyAudit:
		return true
	}
	return false
}

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case AllowAudit:
		return "audit-allow"
	case DenyAudit:
		return "audit-deny"
	}
	return "invalid"
}

// ParseDecision accepts "allow", "deny", "audit-allow" and "audit-deny".
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return Allow, nil
	case "deny", "block":
		return Deny, nil
	case "audit-allow", "allow-audit":
		return AllowAudit, nil
	case "audit-deny", "deny-audit":
		return DenyAudit, nil
	}
	return 0, errx.With(ErrInvalidDecision, ": unknown decision %q", s)
}

func splitList(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == ',' || r == '|' || r == ' '
	})
}
