//go:build linux

package fanotify

import (
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/jingkaihe/fangate/internal/errx"
)

// noCopy makes `go vet` report accidental copies of structs embedding it.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// FD exclusively owns one open descriptor. It closes the descriptor at most
// once and never duplicates it. Use File to move ownership elsewhere.
type FD struct {
	_  noCopy
	fd atomic.Int64
}

// NewFD takes ownership of fd. A negative fd yields an already-empty FD.
func NewFD(fd int) *FD {
	f := &FD{}
	if fd < 0 {
		fd = -1
	}
	f.fd.Store(int64(fd))
	return f
}

// Raw returns the descriptor number for queries such as fstat or readlink,
// or -1 once closed. The caller must not close it.
func (f *FD) Raw() int {
	if f == nil {
		return -1
	}
	return int(f.fd.Load())
}

// Valid reports whether the descriptor is still owned and open.
func (f *FD) Valid() bool {
	return f.Raw() >= 0
}

// Close releases the descriptor. Closing twice returns ErrDescriptorClosed.
func (f *FD) Close() error {
	if f == nil {
		return ErrDescriptorClosed
	}
	fd := f.fd.Swap(-1)
	if fd < 0 {
		return ErrDescriptorClosed
	}
	if err := unix.Close(int(fd)); err != nil {
		return errx.Wrap(ErrIO, err)
	}
	return nil
}

// File moves the descriptor into an *os.File. The FD is empty afterwards and
// the returned file is responsible for closing it.
func (f *FD) File(name string) (*os.File, error) {
	if f == nil {
		return nil, ErrDescriptorClosed
	}
	fd := f.fd.Swap(-1)
	if fd < 0 {
		return nil, ErrDescriptorClosed
	}
	return os.NewFile(uintptr(fd), name), nil
}
