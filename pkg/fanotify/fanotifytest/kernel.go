//go:build linux

// Package fanotifytest provides a fake fanotify kernel for testing code that
// consumes a fanotify.Group without CAP_SYS_ADMIN.
package fanotifytest

import (
	"encoding/binary"
	"errors"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jingkaihe/fangate/pkg/fanotify"
)

const responseLen = 8

// MarkCall records one Mark request.
type MarkCall struct {
	Flags uint
	Mask  uint64
	DirFD int
	Path  string
}

// Kernel implements fanotify.Kernel over a SOCK_SEQPACKET socketpair. The
// group reads whatever Send writes, one batch per message, and its responses
// come back through ReadResponse.
type Kernel struct {
	// InitErr and MarkErr, when set, are returned instead of succeeding.
	InitErr error
	MarkErr error

	mu        sync.Mutex
	peer      *os.File
	initFlags uint
	marks     []MarkCall
}

func (k *Kernel) Init(flags, eventFlags uint) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.initFlags = flags
	if k.InitErr != nil {
		return -1, k.InitErr
	}
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	k.peer = os.NewFile(uintptr(fds[1]), "fanotifytest")
	return fds[0], nil
}

func (k *Kernel) Mark(fd int, flags uint, mask uint64, dirFD int, path string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.MarkErr != nil {
		return k.MarkErr
	}
	k.marks = append(k.marks, MarkCall{Flags: flags, Mask: mask, DirFD: dirFD, Path: path})
	return nil
}

// InitFlags returns the flags the last Init received.
func (k *Kernel) InitFlags() uint {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.initFlags
}

// Marks returns a copy of every successful Mark call.
func (k *Kernel) Marks() []MarkCall {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]MarkCall(nil), k.marks...)
}

func (k *Kernel) conn() (*os.File, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.peer == nil {
		return nil, errors.New("fanotifytest: group not initialized")
	}
	return k.peer, nil
}

// Send delivers the records as a single batch.
func (k *Kernel) Send(records ...Record) error {
	var msg []byte
	for _, r := range records {
		msg = append(msg, r.Bytes()...)
	}
	return k.SendRaw(msg)
}

// SendRaw delivers b verbatim as a single batch.
func (k *Kernel) SendRaw(b []byte) error {
	peer, err := k.conn()
	if err != nil {
		return err
	}
	_, err = peer.Write(b)
	return err
}

// ReadResponse waits up to timeout for the group to write a response.
func (k *Kernel) ReadResponse(timeout time.Duration) (int32, fanotify.Decision, error) {
	peer, err := k.conn()
	if err != nil {
		return 0, 0, err
	}
	if err := peer.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, 0, err
	}
	buf := make([]byte, 64)
	n, err := peer.Read(buf)
	if err != nil {
		return 0, 0, err
	}
	if n != responseLen {
		return 0, 0, errors.New("fanotifytest: short response")
	}
	return int32(binary.NativeEndian.Uint32(buf[0:4])), fanotify.Decision(binary.NativeEndian.Uint32(buf[4:8])), nil
}

// Shutdown closes the kernel side, after which the group's reads fail.
func (k *Kernel) Shutdown() error {
	peer, err := k.conn()
	if err != nil {
		return err
	}
	return peer.Close()
}

// Record is one fanotify_event_metadata record without info records.
// A zero Version means the current metadata version.
type Record struct {
	Version uint8
	Mask    fanotify.Mask
	FD      int32
	Pid     int32
}

func (r Record) Bytes() []byte {
	version := r.Version
	if version == 0 {
		version = unix.FANOTIFY_METADATA_VERSION
	}
	b := make([]byte, unix.FAN_EVENT_METADATA_LEN)
	binary.NativeEndian.PutUint32(b[0:4], uint32(len(b)))
	b[4] = version
	binary.NativeEndian.PutUint16(b[6:8], uint16(len(b)))
	binary.NativeEndian.PutUint64(b[8:16], uint64(r.Mask))
	binary.NativeEndian.PutUint32(b[16:20], uint32(r.FD))
	binary.NativeEndian.PutUint32(b[20:24], uint32(r.Pid))
	return b
}

// Open opens path read-only and returns the raw descriptor to place in a
// Record. The group that decodes the record takes ownership of it.
func Open(path string) (int32, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	return int32(fd), err
}
