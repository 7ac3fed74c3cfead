//go:build linux

package fanotify

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/jingkaihe/fangate/internal/errx"
)

const procSelfFd = "/proc/self/fd/%d"

// Event is one decoded fanotify record. Its accessors never change after
// decode. The Event owns the descriptors it carries; Close releases them.
//
// A permission event blocks the process that triggered it until a Response
// is written for it. Nothing in this package answers on the caller's behalf,
// so an event that is dropped unanswered keeps that process blocked until the
// Group is closed.
type Event struct {
	version uint8
	mask    Mask
	pid     int32
	fd      *FD
	pidfd   *FD
	info    []InfoRecord

	group     *Group
	responded atomic.Bool
}

// Version returns the metadata version the kernel stamped on the record.
func (e *Event) Version() uint8 { return e.version }

// CheckVersion reports whether the record uses the layout this package decodes.
func (e *Event) CheckVersion() bool { return e.version == unix.FANOTIFY_METADATA_VERSION }

// Mask returns the operations that occurred. Operations that coalesced before
// delivery appear as a union.
func (e *Event) Mask() Mask { return e.mask }

// Pid returns the triggering process (or thread with ReportTID). The second
// result is false when the kernel could not report one, e.g. for a process in
// another pid namespace.
func (e *Event) Pid() (int32, bool) { return e.pid, e.pid > 0 }

// FD returns the descriptor of the affected object, or nil when the record
// carried none (queue overflow, FID-reporting groups).
func (e *Event) FD() *FD { return e.fd }

// PidFD returns the pidfd delivered with ReportPidFD, or nil.
func (e *Event) PidFD() *FD { return e.pidfd }

// Info returns the additional information records that followed the metadata.
func (e *Event) Info() []InfoRecord { return e.info }

// IsPermission reports whether the kernel waits for a response to this event.
func (e *Event) IsPermission() bool { return e.mask.IsPermission() }

// IsOverflow reports whether the kernel dropped events after this one.
func (e *Event) IsOverflow() bool { return e.mask&QueueOverflow != 0 }

// Responded reports whether a response was already written for the event.
func (e *Event) Responded() bool { return e.responded.Load() }

// Path resolves the event descriptor to the path it was opened with.
func (e *Event) Path() (string, error) {
	fd := e.fd.Raw()
	if fd < 0 {
		return "", ErrDescriptorClosed
	}
	path, err := os.Readlink(fmt.Sprintf(procSelfFd, fd))
	if err != nil {
		return "", errx.Wrap(ErrIO, err)
	}
	return path, nil
}

// Close releases every descriptor owned by the event. It is safe to call more
// than once.
func (e *Event) Close() error {
	var errs []error
	for _, fd := range []*FD{e.fd, e.pidfd} {
		if fd == nil {
			continue
		}
		if err := fd.Close(); err != nil && !errors.Is(err, ErrDescriptorClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Event) String() string {
	return fmt.Sprintf("fanotify event mask=%s pid=%d fd=%d", e.mask, e.pid, e.fd.Raw())
}

// CloseEvents closes every event in events and returns the joined errors.
func CloseEvents(events []*Event) error {
	var errs []error
	for _, ev := range events {
		if err := ev.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
