//go:build linux

package fanotify

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/jingkaihe/fangate/internal/errx"
)

// NoDirFD marks a path relative to the working directory, or no anchor at all
// when the path is empty.
const NoDirFD = unix.AT_FDCWD

const (
	DefaultBufferSize = 64 << 10
	MinBufferSize     = 4 << 10
)

// Kernel is the syscall surface a Group needs. Init must return a descriptor
// that yields fanotify records on read and accepts responses on write; the
// Group takes ownership of it.
type Kernel interface {
	Init(flags, eventFlags uint) (int, error)
	Mark(fd int, flags uint, mask uint64, dirFD int, path string) error
}

type sysKernel struct{}

func (sysKernel) Init(flags, eventFlags uint) (int, error) {
	return unix.FanotifyInit(flags, eventFlags)
}

func (sysKernel) Mark(fd int, flags uint, mask uint64, dirFD int, path string) error {
	return unix.FanotifyMark(fd, flags, mask, dirFD, path)
}

type options struct {
	logger     *slog.Logger
	bufferSize int
	corruption CorruptionPolicy
	discard    Decision
	kernel     Kernel
}

// Option configures a Group.
type Option func(*options)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithBufferSize sets the size of each read buffer. Values below
// MinBufferSize are raised to it.
func WithBufferSize(n int) Option {
	return func(o *options) {
		o.bufferSize = n
	}
}

// WithCorruptionPolicy chooses what a failed decode does to the group. The
// default, DiscardBatch, leaves it usable.
func WithCorruptionPolicy(p CorruptionPolicy) Option {
	return func(o *options) {
		o.corruption = p
	}
}

// WithDiscardDecision sets the decision written for permission events that
// were recovered from a batch that failed to decode. The default is Deny.
func WithDiscardDecision(d Decision) Option {
	return func(o *options) {
		o.discard = d
	}
}

// WithKernel replaces the fanotify syscalls. See package fanotifytest.
func WithKernel(k Kernel) Option {
	return func(o *options) {
		o.kernel = k
	}
}

type poison struct{ err error }

// Group is an fanotify notification group. All methods are safe for
// concurrent use. Reads from several goroutines each receive a disjoint batch.
type Group struct {
	file       *os.File
	rc         syscall.RawConn
	flags      InitFlags
	eventFlags EventFlags
	nonblock   bool

	kernel     Kernel
	logger     *slog.Logger
	corruption CorruptionPolicy
	discard    Decision
	bufs       sync.Pool

	closed   atomic.Bool
	poisoned atomic.Pointer[poison]
}

// Init creates a group. The descriptor is always opened close-on-exec and
// non-blocking so that Close can wake a goroutine blocked in ReadEvents;
// passing NonBlock only changes what ReadEvents does when nothing is queued.
func Init(flags InitFlags, eventFlags EventFlags, opts ...Option) (*Group, error) {
	o := options{
		bufferSize: DefaultBufferSize,
		corruption: DiscardBatch,
		discard:    Deny,
		kernel:     sysKernel{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.bufferSize < MinBufferSize {
		o.bufferSize = MinBufferSize
	}

	if err := validateInit(flags, eventFlags, o); err != nil {
		return nil, err
	}

	fd, err := o.kernel.Init(uint(flags|CloseOnExec|NonBlock), uint(eventFlags))
	if err != nil {
		return nil, initError(err)
	}
	file := os.NewFile(uintptr(fd), "fanotify")
	rc, err := file.SyscallConn()
	if err != nil {
		_ = file.Close()
		return nil, errx.Wrap(ErrIO, err)
	}

	g := &Group{
		file:       file,
		rc:         rc,
		flags:      flags,
		eventFlags: eventFlags,
		nonblock:   flags&NonBlock != 0,
		kernel:     o.kernel,
		logger:     o.logger.With("component", "fanotify"),
		corruption: o.corruption,
		discard:    o.discard,
	}
	size := o.bufferSize
	g.bufs.New = func() any {
		b := make([]byte, size)
		return &b
	}

	g.logger.Debug("group initialized", "class", flags.String(), "event_flags", uint(eventFlags), "fd", fd)
	return g, nil
}

func validateInit(flags InitFlags, eventFlags EventFlags, o options) error {
	switch flags.Class() {
	case ClassNotif, ClassContent, ClassPreContent:
	default:
		return errx.With(ErrUnsupportedConfiguration, ": unknown class bits %#x", uint(flags.Class()))
	}
	switch eventFlags.AccessMode() {
	case ReadOnly, WriteOnly, ReadWrite:
	default:
		return errx.With(ErrUnsupportedConfiguration, ": invalid access mode %#x", uint(eventFlags.AccessMode()))
	}
	if flags&fidBits != 0 && flags.Permission() {
		return errx.With(ErrUnsupportedConfiguration, ": file id reporting requires the notif class")
	}
	if !o.discard.valid() {
		return errx.With(ErrUnsupportedConfiguration, ": invalid discard decision %#x", uint32(o.discard))
	}
	if o.discard.Audited() && flags&EnableAudit == 0 {
		return errx.With(ErrUnsupportedConfiguration, ": discard decision %s needs EnableAudit", o.discard)
	}
	if o.corruption != DiscardBatch && o.corruption != PoisonGroup {
		return errx.With(ErrUnsupportedConfiguration, ": unknown corruption policy %d", int(o.corruption))
	}
	return nil
}

func initError(err error) error {
	switch {
	case errors.Is(err, unix.EPERM):
		return errx.Wrap(ErrPermissionDenied, err)
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOSYS), errors.Is(err, unix.EOPNOTSUPP):
		return errx.Wrap(ErrUnsupportedConfiguration, err)
	}
	return errx.Wrap(ErrIO, err)
}

// Class returns the notification class the group was created with.
func (g *Group) Class() InitFlags { return g.flags.Class() }

// Flags returns every init flag the caller passed.
func (g *Group) Flags() InitFlags { return g.flags }

// EventFlags returns the open flags used for event descriptors.
func (g *Group) EventFlags() EventFlags { return g.eventFlags }

// Mark adds, removes or flushes marks. Use NoDirFD with an absolute path, or a
// directory descriptor with a relative (or empty) path. Marks live in the
// kernel only and are not mirrored here.
func (g *Group) Mark(flags MarkFlags, mask Mask, dirFD int, path string) error {
	if g.closed.Load() {
		return ErrGroupClosed
	}
	op := flags & markOps
	if op != MarkAdd && op != MarkRemove && op != MarkFlush {
		return errx.With(ErrInvalidMask, ": exactly one of add, remove or flush is required")
	}
	if dirFD < 0 {
		dirFD = NoDirFD
	}
	if op != MarkFlush {
		if dirFD == NoDirFD && path == "" {
			return errx.With(ErrInvalidTarget, ": no path or directory descriptor")
		}
		if mask == 0 {
			return errx.With(ErrInvalidMask, ": empty mask")
		}
		if mask.IsPermission() && !g.flags.Permission() {
			return errx.With(ErrInvalidMask, ": %s needs a content or pre_content group", mask&PermissionEvents)
		}
	}

	var markErr error
	err := g.rc.Control(func(fd uintptr) {
		markErr = g.kernel.Mark(int(fd), uint(flags), uint64(mask), dirFD, path)
	})
	if err != nil {
		if g.closed.Load() {
			return ErrGroupClosed
		}
		return errx.Wrap(ErrIO, err)
	}
	if markErr != nil {
		return markError(markErr)
	}

	g.logger.Debug("mark updated", "flags", uint(flags), "mask", mask.String(), "path", path)
	return nil
}

func markError(err error) error {
	switch {
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENOTDIR),
		errors.Is(err, unix.EBADF), errors.Is(err, unix.EXDEV):
		return errx.Wrap(ErrInvalidTarget, err)
	case errors.Is(err, unix.EINVAL):
		return errx.Wrap(ErrInvalidMask, err)
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return errx.Wrap(ErrPermissionDenied, err)
	case errors.Is(err, unix.ENOSYS), errors.Is(err, unix.EOPNOTSUPP):
		return errx.Wrap(ErrUnsupportedConfiguration, err)
	}
	return errx.Wrap(ErrIO, err)
}

// ReadEvents blocks until at least one event is queued and returns the batch
// in delivery order. It never returns an empty batch without an error.
//
// Every returned event must be closed. Every permission event must also be
// answered with WriteResponse: this package applies no timeout, and the
// process that triggered an unanswered event stays blocked until the Group
// is closed.
//
// ErrIO is retryable. A group created with NonBlock returns ErrIO wrapping
// unix.EAGAIN when nothing is queued. After Close, ErrGroupClosed.
func (g *Group) ReadEvents() ([]*Event, error) {
	if g.closed.Load() {
		return nil, ErrGroupClosed
	}
	if p := g.poisoned.Load(); p != nil {
		return nil, p.err
	}

	bp := g.bufs.Get().(*[]byte)
	defer g.bufs.Put(bp)
	buf := *bp

	n, err := g.read(buf)
	if err != nil {
		return nil, err
	}

	events, err := decode(buf[:n])
	if err != nil {
		g.discardBatch(events, err)
		return nil, err
	}
	for _, ev := range events {
		ev.group = g
	}
	return events, nil
}

func (g *Group) read(buf []byte) (int, error) {
	var (
		n       int
		readErr error
	)
	err := g.rc.Read(func(fd uintptr) bool {
		for {
			n, readErr = unix.Read(int(fd), buf)
			if readErr != unix.EINTR {
				break
			}
		}
		return readErr != unix.EAGAIN || g.nonblock
	})
	switch {
	case g.closed.Load():
		return 0, ErrGroupClosed
	case err != nil:
		return 0, errx.Wrap(ErrIO, err)
	case readErr != nil:
		return 0, errx.Wrap(ErrIO, readErr)
	case n <= 0:
		return 0, errx.Wrap(ErrIO, io.EOF)
	}
	return n, nil
}

// discardBatch disposes of every event recovered from a failed batch.
// Permission events are answered with the discard decision first.
func (g *Group) discardBatch(events []*Event, cause error) {
	for _, ev := range events {
		if ev.IsPermission() && ev.fd.Valid() {
			ev.responded.Store(true)
			err := g.write(int32(ev.fd.Raw()), g.discard)
			g.logger.Warn("answered permission event from discarded batch",
				"decision", g.discard.String(), "mask", ev.mask.String(), "pid", ev.pid, "error", err)
		}
		if err := ev.Close(); err != nil {
			g.logger.Warn("failed to close event from discarded batch", "error", err)
		}
	}

	if errors.Is(cause, ErrUnsupportedVersion) || g.corruption == PoisonGroup {
		g.poisoned.CompareAndSwap(nil, &poison{err: errx.Wrap(ErrGroupPoisoned, cause)})
		g.logger.Error("group poisoned", "error", cause)
		return
	}
	g.logger.Warn("discarded event batch", "events", len(events), "error", cause)
}

// WriteResponse answers a permission event read from this group. Each event
// can be answered once. The event keeps its descriptor; close it afterwards
// and do not read from it again, as the kernel may already have acted.
//
// A failed write is not retried and the event still counts as answered.
func (g *Group) WriteResponse(r Response) error {
	if g.closed.Load() {
		return ErrGroupClosed
	}
	ev := r.event
	if ev == nil {
		return errx.With(ErrInvalidResponseTarget, ": empty response")
	}
	if ev.group != g {
		return errx.With(ErrInvalidResponseTarget, ": event was read from another group")
	}
	if !ev.IsPermission() {
		return errx.With(ErrInvalidResponseTarget, ": %s is not a permission event", ev.mask)
	}
	if r.decision.Audited() && g.flags&EnableAudit == 0 {
		return errx.With(ErrUnsupportedConfiguration, ": %s needs EnableAudit", r.decision)
	}
	fd := ev.fd.Raw()
	if fd < 0 {
		return errx.With(ErrInvalidResponseTarget, ": event descriptor is closed")
	}
	if !ev.responded.CompareAndSwap(false, true) {
		return errx.With(ErrInvalidResponseTarget, ": event already answered")
	}
	return g.write(int32(fd), r.decision)
}

func (g *Group) write(fd int32, d Decision) error {
	b := encodeResponse(make([]byte, 0, responseLen), fd, d)
	if _, err := g.file.Write(b); err != nil {
		if g.closed.Load() || errors.Is(err, os.ErrClosed) {
			return ErrGroupClosed
		}
		return errx.Wrap(ErrIO, err)
	}
	return nil
}

// Close releases the group descriptor and wakes blocked readers. Any permission
// event still unanswered is allowed by the kernel. Closing twice is a no-op.
func (g *Group) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := g.file.Close(); err != nil {
		return errx.Wrap(ErrIO, err)
	}
	g.logger.Debug("group closed")
	return nil
}
