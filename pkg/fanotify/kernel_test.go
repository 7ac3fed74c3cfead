//go:build linux

package fanotify

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// socketKernel stands in for the kernel. The group end of a SOCK_SEQPACKET
// pair is returned from init; the test writes records to peer and reads back
// responses from it.
type socketKernel struct {
	mu        sync.Mutex
	peer      *os.File
	initFlags uint
	initErr   error
	markErr   error
	marks     []markCall
}

type markCall struct {
	flags uint
	mask  uint64
	dirFD int
	path  string
}

func (k *socketKernel) Init(flags, eventFlags uint) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.initFlags = flags
	if k.initErr != nil {
		return -1, k.initErr
	}
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	k.peer = os.NewFile(uintptr(fds[1]), "kernel")
	return fds[0], nil
}

func (k *socketKernel) Mark(fd int, flags uint, mask uint64, dirFD int, path string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.markErr != nil {
		return k.markErr
	}
	k.marks = append(k.marks, markCall{flags: flags, mask: mask, dirFD: dirFD, path: path})
	return nil
}

func newTestGroup(t *testing.T, flags InitFlags, opts ...Option) (*Group, *socketKernel) {
	t.Helper()
	k := &socketKernel{}
	g, err := Init(flags, ReadOnly|EventCloseOnExec, append([]Option{WithKernel(k)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = g.Close()
		_ = k.peer.Close()
	})
	return g, k
}

// send delivers one read's worth of records.
func (k *socketKernel) send(t *testing.T, records ...[]byte) {
	t.Helper()
	var msg []byte
	for _, r := range records {
		msg = append(msg, r...)
	}
	_, err := k.peer.Write(msg)
	require.NoError(t, err)
}

// response reads one response record written by the group.
func (k *socketKernel) response(t *testing.T) (int32, Decision) {
	t.Helper()
	require.NoError(t, k.peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	n, err := k.peer.Read(buf)
	require.NoError(t, err)
	require.Equal(t, responseLen, n)
	return int32(binary.NativeEndian.Uint32(buf[0:4])), Decision(binary.NativeEndian.Uint32(buf[4:8]))
}

// record builds a raw fanotify_event_metadata followed by info bytes.
type record struct {
	version  uint8
	mask     Mask
	fd       int32
	pid      int32
	info     []byte
	eventLen int
	metaLen  int
}

func (r record) bytes() []byte {
	version := r.version
	if version == 0 {
		version = unix.FANOTIFY_METADATA_VERSION
	}
	metaLen := r.metaLen
	if metaLen == 0 {
		metaLen = metadataLen
	}
	eventLen := r.eventLen
	if eventLen == 0 {
		eventLen = metadataLen + len(r.info)
	}
	b := make([]byte, metadataLen, metadataLen+len(r.info))
	binary.NativeEndian.PutUint32(b[0:4], uint32(eventLen))
	b[4] = version
	binary.NativeEndian.PutUint16(b[6:8], uint16(metaLen))
	binary.NativeEndian.PutUint64(b[8:16], uint64(r.mask))
	binary.NativeEndian.PutUint32(b[16:20], uint32(r.fd))
	binary.NativeEndian.PutUint32(b[20:24], uint32(r.pid))
	return append(b, r.info...)
}

func infoRecord(typ uint8, payload []byte) []byte {
	b := make([]byte, infoHeaderLen, infoHeaderLen+len(payload))
	b[0] = typ
	binary.NativeEndian.PutUint16(b[2:4], uint16(infoHeaderLen+len(payload)))
	return append(b, payload...)
}

// openTemp opens a fresh file and returns the raw descriptor, playing the
// part of the descriptor the kernel installs for an event.
func openTemp(t *testing.T) (int32, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	require.NoError(t, err)
	return int32(fd), path
}

func fdOpen(fd int32) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}
