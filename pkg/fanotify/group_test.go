//go:build linux

package fanotify

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestInit_AlwaysCloseOnExecAndNonBlock(t *testing.T) {
	g, k := newTestGroup(t, ClassContent)

	assert.Equal(t, uint(ClassContent|CloseOnExec|NonBlock), k.initFlags)
	assert.Equal(t, ClassContent, g.Class())
	assert.Equal(t, ReadOnly|EventCloseOnExec, g.EventFlags())
	assert.False(t, g.nonblock)
}

func TestInit_Validation(t *testing.T) {
	tests := []struct {
		name       string
		flags      InitFlags
		eventFlags EventFlags
		opts       []Option
	}{
		{name: "unknown class", flags: classBits},
		{name: "bad access mode", flags: ClassNotif, eventFlags: EventFlags(unix.O_ACCMODE)},
		{name: "fid with content", flags: ClassContent | ReportFID},
		{name: "name with pre_content", flags: ClassPreContent | ReportDirFID | ReportName},
		{name: "invalid discard", flags: ClassContent, opts: []Option{WithDiscardDecision(Decision(7))}},
		{name: "audit discard without audit", flags: ClassContent, opts: []Option{WithDiscardDecision(DenyAudit)}},
		{name: "unknown corruption policy", flags: ClassContent, opts: []Option{WithCorruptionPolicy(CorruptionPolicy(9))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := &socketKernel{}
			_, err := Init(tt.flags, tt.eventFlags, append(tt.opts, WithKernel(k))...)
			require.ErrorIs(t, err, ErrUnsupportedConfiguration)
			assert.Nil(t, k.peer, "kernel must not be called")
		})
	}
}

func TestInit_ErrnoMapping(t *testing.T) {
	tests := []struct {
		errno unix.Errno
		want  error
	}{
		{unix.EPERM, ErrPermissionDenied},
		{unix.EINVAL, ErrUnsupportedConfiguration},
		{unix.ENOSYS, ErrUnsupportedConfiguration},
		{unix.EOPNOTSUPP, ErrUnsupportedConfiguration},
		{unix.EMFILE, ErrIO},
	}
	for _, tt := range tests {
		t.Run(tt.errno.Error(), func(t *testing.T) {
			_, err := Init(ClassNotif, ReadOnly, WithKernel(&socketKernel{initErr: tt.errno}))
			require.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, tt.errno)
		})
	}
}

func TestMark_PassesThrough(t *testing.T) {
	g, k := newTestGroup(t, ClassContent)

	require.NoError(t, g.Mark(MarkAdd|MarkMount, OpenPerm|Close, NoDirFD, "/tmp"))
	require.NoError(t, g.Mark(MarkRemove, Modify, 7, ""))
	require.NoError(t, g.Mark(MarkFlush|MarkMount, 0, -1, ""))

	require.Len(t, k.marks, 3)
	assert.Equal(t, markCall{flags: uint(MarkAdd | MarkMount), mask: uint64(OpenPerm | Close), dirFD: unix.AT_FDCWD, path: "/tmp"}, k.marks[0])
	assert.Equal(t, 7, k.marks[1].dirFD)
	assert.Equal(t, unix.AT_FDCWD, k.marks[2].dirFD)
}

func TestMark_Validation(t *testing.T) {
	tests := []struct {
		name  string
		class InitFlags
		flags MarkFlags
		mask  Mask
		dirFD int
		path  string
		want  error
	}{
		{name: "no op", class: ClassNotif, flags: MarkInode, mask: Open, dirFD: NoDirFD, path: "/tmp", want: ErrInvalidMask},
		{name: "two ops", class: ClassNotif, flags: MarkAdd | MarkRemove, mask: Open, dirFD: NoDirFD, path: "/tmp", want: ErrInvalidMask},
		{name: "no anchor", class: ClassNotif, flags: MarkAdd, mask: Open, dirFD: NoDirFD, want: ErrInvalidTarget},
		{name: "negative anchor", class: ClassNotif, flags: MarkRemove, mask: Open, dirFD: -5, want: ErrInvalidTarget},
		{name: "empty mask", class: ClassNotif, flags: MarkAdd, dirFD: NoDirFD, path: "/tmp", want: ErrInvalidMask},
		{name: "perm on notif", class: ClassNotif, flags: MarkAdd, mask: OpenPerm, dirFD: NoDirFD, path: "/tmp", want: ErrInvalidMask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, k := newTestGroup(t, tt.class)
			err := g.Mark(tt.flags, tt.mask, tt.dirFD, tt.path)
			require.ErrorIs(t, err, tt.want)
			assert.Empty(t, k.marks)
		})
	}
}

func TestMark_ErrnoMapping(t *testing.T) {
	tests := []struct {
		errno unix.Errno
		want  error
	}{
		{unix.ENOENT, ErrInvalidTarget},
		{unix.ENOTDIR, ErrInvalidTarget},
		{unix.EBADF, ErrInvalidTarget},
		{unix.EXDEV, ErrInvalidTarget},
		{unix.EINVAL, ErrInvalidMask},
		{unix.EPERM, ErrPermissionDenied},
		{unix.EACCES, ErrPermissionDenied},
		{unix.EOPNOTSUPP, ErrUnsupportedConfiguration},
		{unix.ENOSPC, ErrIO},
	}
	for _, tt := range tests {
		t.Run(tt.errno.Error(), func(t *testing.T) {
			g, k := newTestGroup(t, ClassNotif)
			k.markErr = tt.errno
			err := g.Mark(MarkAdd, Open, NoDirFD, "/nonexistent")
			require.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, tt.errno)
		})
	}
}

func TestReadEvents_Notification(t *testing.T) {
	g, k := newTestGroup(t, ClassNotif)
	fd, path := openTemp(t)

	k.send(t,
		record{mask: Open | CloseWrite, fd: fd, pid: 42}.bytes(),
		record{mask: QueueOverflow, fd: unix.FAN_NOFD}.bytes(),
	)

	events, err := g.ReadEvents()
	require.NoError(t, err)
	require.Len(t, events, 2)
	defer func() { assert.NoError(t, CloseEvents(events)) }()

	ev := events[0]
	assert.True(t, ev.CheckVersion())
	assert.Equal(t, Open|CloseWrite, ev.Mask())
	pid, ok := ev.Pid()
	assert.True(t, ok)
	assert.Equal(t, int32(42), pid)
	assert.False(t, ev.IsPermission())
	require.NotNil(t, ev.FD())
	assert.Equal(t, int(fd), ev.FD().Raw())

	resolved, err := ev.Path()
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(path)
	require.NoError(t, err)
	assert.Equal(t, want, resolved)

	overflow := events[1]
	assert.True(t, overflow.IsOverflow())
	assert.Nil(t, overflow.FD())
	_, ok = overflow.Pid()
	assert.False(t, ok)
	_, err = overflow.Path()
	assert.ErrorIs(t, err, ErrDescriptorClosed)
}

func TestReadEvents_ClosesDescriptorsOnce(t *testing.T) {
	g, k := newTestGroup(t, ClassNotif)
	fd, _ := openTemp(t)
	k.send(t, record{mask: Open, fd: fd, pid: 1}.bytes())

	events, err := g.ReadEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)

	require.NoError(t, events[0].Close())
	assert.False(t, fdOpen(fd))
	assert.NoError(t, events[0].Close())
	assert.ErrorIs(t, events[0].FD().Close(), ErrDescriptorClosed)
}

func TestWriteResponse_PermissionFlow(t *testing.T) {
	g, k := newTestGroup(t, ClassContent)
	fd, _ := openTemp(t)
	k.send(t, record{mask: OpenPerm, fd: fd, pid: 99}.bytes())

	events, err := g.ReadEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	defer ev.Close()
	require.True(t, ev.IsPermission())

	resp, err := NewResponse(ev, Deny)
	require.NoError(t, err)
	require.NoError(t, g.WriteResponse(resp))
	assert.True(t, ev.Responded())

	gotFD, gotDecision := k.response(t)
	assert.Equal(t, fd, gotFD)
	assert.Equal(t, Deny, gotDecision)

	err = g.WriteResponse(resp)
	assert.ErrorIs(t, err, ErrInvalidResponseTarget)
	assert.True(t, fdOpen(fd), "responding must not close the event descriptor")
}

func TestWriteResponse_Rejects(t *testing.T) {
	g, k := newTestGroup(t, ClassContent)
	other, otherKernel := newTestGroup(t, ClassContent)

	permFD, _ := openTemp(t)
	notifFD, _ := openTemp(t)
	k.send(t,
		record{mask: OpenPerm, fd: permFD, pid: 1}.bytes(),
		record{mask: Open, fd: notifFD, pid: 1}.bytes(),
	)
	events, err := g.ReadEvents()
	require.NoError(t, err)
	require.Len(t, events, 2)
	defer CloseEvents(events)
	perm, notif := events[0], events[1]

	otherFD, _ := openTemp(t)
	otherKernel.send(t, record{mask: AccessPerm, fd: otherFD, pid: 1}.bytes())
	otherEvents, err := other.ReadEvents()
	require.NoError(t, err)
	defer CloseEvents(otherEvents)

	_, err = NewResponse(notif, Allow)
	assert.ErrorIs(t, err, ErrInvalidResponseTarget)
	_, err = NewResponse(perm, Decision(0))
	assert.ErrorIs(t, err, ErrInvalidDecision)

	foreign, err := NewResponse(otherEvents[0], Allow)
	require.NoError(t, err)
	assert.ErrorIs(t, g.WriteResponse(foreign), ErrInvalidResponseTarget)

	audited, err := NewResponse(perm, AllowAudit)
	require.NoError(t, err)
	assert.ErrorIs(t, g.WriteResponse(audited), ErrUnsupportedConfiguration)
	assert.False(t, perm.Responded())

	resp, err := NewResponse(perm, Allow)
	require.NoError(t, err)
	require.NoError(t, perm.Close())
	assert.ErrorIs(t, g.WriteResponse(resp), ErrInvalidResponseTarget)
	_, err = NewResponse(perm, Allow)
	assert.ErrorIs(t, err, ErrInvalidResponseTarget)
}

func TestWriteResponse_AuditWithEnableAudit(t *testing.T) {
	g, k := newTestGroup(t, ClassContent|EnableAudit)
	fd, _ := openTemp(t)
	k.send(t, record{mask: OpenExecPerm, fd: fd, pid: 5}.bytes())

	events, err := g.ReadEvents()
	require.NoError(t, err)
	defer CloseEvents(events)

	resp, err := NewResponse(events[0], AllowAudit)
	require.NoError(t, err)
	require.NoError(t, g.WriteResponse(resp))

	_, d := k.response(t)
	assert.Equal(t, AllowAudit, d)
	assert.True(t, d.Allowed())
	assert.True(t, d.Audited())
}

func TestReadEvents_CorruptBatchIsDiscarded(t *testing.T) {
	g, k := newTestGroup(t, ClassContent)
	permFD, _ := openTemp(t)

	k.send(t,
		record{mask: OpenPerm, fd: permFD, pid: 3}.bytes(),
		record{mask: Open, fd: unix.FAN_NOFD, eventLen: 4096}.bytes(),
	)

	_, err := g.ReadEvents()
	require.ErrorIs(t, err, ErrCorruptStream)
	assert.True(t, Fatal(err))

	gotFD, d := k.response(t)
	assert.Equal(t, permFD, gotFD)
	assert.Equal(t, Deny, d)
	assert.False(t, fdOpen(permFD))

	fd, _ := openTemp(t)
	k.send(t, record{mask: Open, fd: fd, pid: 3}.bytes())
	events, err := g.ReadEvents()
	require.NoError(t, err, "group stays usable after a discarded batch")
	require.Len(t, events, 1)
	require.NoError(t, CloseEvents(events))
}

func TestReadEvents_CorruptRecordBeforePermissionEvent(t *testing.T) {
	g, k := newTestGroup(t, ClassContent)
	badFD, _ := openTemp(t)
	permFD, _ := openTemp(t)

	k.send(t,
		record{mask: OpenPerm, fd: badFD, pid: 3, metaLen: 8}.bytes(),
		record{mask: OpenPerm, fd: permFD, pid: 4}.bytes(),
	)
	_, err := g.ReadEvents()
	require.ErrorIs(t, err, ErrCorruptStream)

	gotFD, d := k.response(t)
	assert.Equal(t, badFD, gotFD)
	assert.Equal(t, Deny, d)
	gotFD, d = k.response(t)
	assert.Equal(t, permFD, gotFD)
	assert.Equal(t, Deny, d)
	assert.False(t, fdOpen(badFD))
	assert.False(t, fdOpen(permFD))

	fd, _ := openTemp(t)
	k.send(t, record{mask: Open, fd: fd, pid: 3}.bytes())
	events, err := g.ReadEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NoError(t, CloseEvents(events))
}

func TestReadEvents_DiscardDecisionOption(t *testing.T) {
	g, k := newTestGroup(t, ClassContent, WithDiscardDecision(Allow))
	permFD, _ := openTemp(t)

	k.send(t,
		record{mask: AccessPerm, fd: permFD, pid: 3}.bytes(),
		record{mask: Open, fd: unix.FAN_NOFD, metaLen: 8}.bytes(),
	)
	_, err := g.ReadEvents()
	require.ErrorIs(t, err, ErrCorruptStream)

	_, d := k.response(t)
	assert.Equal(t, Allow, d)
}

func TestReadEvents_PoisonPolicy(t *testing.T) {
	g, k := newTestGroup(t, ClassNotif, WithCorruptionPolicy(PoisonGroup))

	k.send(t, record{mask: Open, fd: unix.FAN_NOFD}.bytes()[:10])
	_, err := g.ReadEvents()
	require.ErrorIs(t, err, ErrCorruptStream)

	k.send(t, record{mask: Open, fd: unix.FAN_NOFD}.bytes())
	_, err = g.ReadEvents()
	require.ErrorIs(t, err, ErrGroupPoisoned)
	assert.ErrorIs(t, err, ErrCorruptStream)
	assert.True(t, Fatal(err))
}

func TestReadEvents_UnsupportedVersionPoisons(t *testing.T) {
	g, k := newTestGroup(t, ClassNotif)
	fd, _ := openTemp(t)

	k.send(t,
		record{mask: Open, fd: fd, pid: 1}.bytes(),
		record{version: 2, mask: Open, fd: unix.FAN_NOFD}.bytes(),
	)
	_, err := g.ReadEvents()
	require.ErrorIs(t, err, ErrUnsupportedVersion)
	assert.False(t, fdOpen(fd), "events decoded before the failure are closed")

	_, err = g.ReadEvents()
	require.ErrorIs(t, err, ErrGroupPoisoned)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestReadEvents_NonBlock(t *testing.T) {
	g, _ := newTestGroup(t, ClassNotif|NonBlock)

	_, err := g.ReadEvents()
	require.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, unix.EAGAIN)
	assert.False(t, Fatal(err))
}

func TestReadEvents_TransportClosed(t *testing.T) {
	g, k := newTestGroup(t, ClassNotif)
	require.NoError(t, k.peer.Close())

	_, err := g.ReadEvents()
	require.ErrorIs(t, err, ErrIO)
}

func TestClose_UnblocksReader(t *testing.T) {
	g, _ := newTestGroup(t, ClassContent)

	done := make(chan error, 1)
	go func() {
		_, err := g.ReadEvents()
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, g.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrGroupClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("ReadEvents still blocked after Close")
	}

	assert.NoError(t, g.Close())
	_, err := g.ReadEvents()
	assert.ErrorIs(t, err, ErrGroupClosed)
	assert.ErrorIs(t, g.Mark(MarkAdd, Open, NoDirFD, "/tmp"), ErrGroupClosed)
	assert.True(t, Fatal(err))
}

func TestReadEvents_ConcurrentReadersGetDisjointBatches(t *testing.T) {
	g, k := newTestGroup(t, ClassNotif)

	const readers = 4
	results := make(chan int32, readers)
	errs := make(chan error, readers)
	for range readers {
		go func() {
			events, err := g.ReadEvents()
			if err != nil {
				errs <- err
				return
			}
			for _, ev := range events {
				pid, _ := ev.Pid()
				results <- pid
			}
			_ = CloseEvents(events)
		}()
	}

	for i := range readers {
		k.send(t, record{mask: Open, fd: unix.FAN_NOFD, pid: int32(100 + i)}.bytes())
	}

	seen := map[int32]bool{}
	for range readers {
		select {
		case pid := <-results:
			assert.False(t, seen[pid], "pid %d delivered twice", pid)
			seen[pid] = true
		case err := <-errs:
			t.Fatalf("reader failed: %v", err)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for readers")
		}
	}
	assert.Len(t, seen, readers)
}

func TestFatal(t *testing.T) {
	assert.True(t, Fatal(ErrGroupClosed))
	assert.True(t, Fatal(ErrUnsupportedVersion))
	assert.True(t, Fatal(errors.Join(ErrGroupPoisoned, ErrCorruptStream)))
	assert.False(t, Fatal(ErrIO))
	assert.False(t, Fatal(ErrInvalidMask))
	assert.False(t, Fatal(nil))
}
