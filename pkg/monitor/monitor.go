//go:build linux

// Package monitor drains a fanotify group, answers permission events through
// a policy engine, and records what it saw.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jingkaihe/fangate/internal/errx"
	"github.com/jingkaihe/fangate/pkg/fanotify"
	"github.com/jingkaihe/fangate/pkg/logging"
	"github.com/jingkaihe/fangate/pkg/policy"
	"github.com/jingkaihe/fangate/pkg/procinfo"
)

const (
	DefaultReaders    = 1
	DefaultMinBackoff = 10 * time.Millisecond
	DefaultMaxBackoff = time.Second

	// selfPlugin is the verdict source for events raised by this process or
	// its children.
	selfPlugin = "self"
)

// Source is the part of *fanotify.Group the monitor drives.
type Source interface {
	ReadEvents() ([]*fanotify.Event, error)
	WriteResponse(fanotify.Response) error
	Close() error
}

// Record describes one handled event. Verdict is nil for notification events.
type Record struct {
	Time    time.Time
	Path    string
	Mask    fanotify.Mask
	Pid     int32
	Process *procinfo.Info
	Verdict *policy.Verdict
	Err     error
}

// Handler observes handled events. It is called from every reader goroutine
// and must be safe for concurrent use.
type Handler func(Record)

type options struct {
	logger     *slog.Logger
	emitter    *logging.Emitter
	procs      *procinfo.Reader
	handler    Handler
	readers    int
	limit      int64
	minBackoff time.Duration
	maxBackoff time.Duration
	exemptSelf bool
}

// Option configures a Monitor.
type Option func(*options)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEmitter sends an audit event for every handled event and read error.
func WithEmitter(e *logging.Emitter) Option {
	return func(o *options) { o.emitter = e }
}

// WithProcReader sets where process details are looked up. The default reads
// /proc.
func WithProcReader(r *procinfo.Reader) Option {
	return func(o *options) { o.procs = r }
}

// WithHandler sets a Handler called after each event is handled.
func WithHandler(h Handler) Option {
	return func(o *options) { o.handler = h }
}

// WithReaders sets how many goroutines read from the group concurrently.
func WithReaders(n int) Option {
	return func(o *options) { o.readers = n }
}

// WithLimit stops Run after n events have been handled. Zero means no limit.
func WithLimit(n int) Option {
	return func(o *options) { o.limit = int64(n) }
}

// WithBackoff bounds the delay between retries of a failed read.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(o *options) {
		o.minBackoff = minDelay
		o.maxBackoff = maxDelay
	}
}

// WithSelfExemption controls whether permission events raised by this process
// or its direct children are allowed without consulting the engine. It is on
// by default; turning it off can deadlock the exec gate.
func WithSelfExemption(on bool) Option {
	return func(o *options) { o.exemptSelf = on }
}

// Monitor reads events from a Source until its context is cancelled or the
// Source fails permanently.
type Monitor struct {
	src        Source
	engine     *policy.Engine
	logger     *slog.Logger
	emitter    *logging.Emitter
	procs      *procinfo.Reader
	handler    Handler
	readers    int
	limit      int64
	minBackoff time.Duration
	maxBackoff time.Duration
	exemptSelf bool
	self       int32

	handled atomic.Int64
}

// New creates a monitor over src. engine may be nil only if src never
// delivers permission events; such events are then answered with Allow.
func New(src Source, engine *policy.Engine, opts ...Option) (*Monitor, error) {
	if src == nil {
		return nil, ErrNoSource
	}
	o := options{
		readers:    DefaultReaders,
		minBackoff: DefaultMinBackoff,
		maxBackoff: DefaultMaxBackoff,
		exemptSelf: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.procs == nil {
		o.procs = procinfo.NewReader(procinfo.DefaultRoot)
	}
	if o.readers < 1 {
		o.readers = 1
	}
	if o.minBackoff <= 0 {
		o.minBackoff = DefaultMinBackoff
	}
	if o.maxBackoff < o.minBackoff {
		o.maxBackoff = o.minBackoff
	}

	return &Monitor{
		src:        src,
		engine:     engine,
		logger:     o.logger.With("component", "monitor"),
		emitter:    o.emitter,
		procs:      o.procs,
		handler:    o.handler,
		readers:    o.readers,
		limit:      o.limit,
		minBackoff: o.minBackoff,
		maxBackoff: o.maxBackoff,
		exemptSelf: o.exemptSelf,
		self:       int32(os.Getpid()),
	}, nil
}

// Handled returns how many events have been handled so far.
func (m *Monitor) Handled() int64 { return m.handled.Load() }

// Run reads until ctx is cancelled, the event limit is reached, or a reader
// hits an error fanotify.Fatal reports. It closes the Source before
// returning, which lets the kernel allow any event still in flight.
// Cancellation and the limit are a clean stop and return nil.
func (m *Monitor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)
	// Closing the source is the only way to wake a reader blocked in
	// ReadEvents.
	stop := context.AfterFunc(egCtx, func() { _ = m.src.Close() })
	defer stop()
	defer m.src.Close()

	m.logger.Info("monitor started", "readers", m.readers)
	for i := 0; i < m.readers; i++ {
		eg.Go(func() error {
			return m.readLoop(egCtx, cancel)
		})
	}
	err := eg.Wait()
	m.logger.Info("monitor stopped", "handled", m.handled.Load(), "error", err)
	return err
}

func (m *Monitor) readLoop(ctx context.Context, done context.CancelFunc) error {
	backoff := m.minBackoff
	for {
		events, err := m.src.ReadEvents()
		if ctx.Err() != nil {
			_ = fanotify.CloseEvents(events)
			return nil
		}
		if err != nil {
			if retry := m.readFailed(err); !retry {
				return errx.Wrap(ErrReadFailed, err)
			}
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, m.maxBackoff)
			continue
		}
		backoff = m.minBackoff

		for i, ev := range events {
			if m.limit > 0 && m.handled.Load() >= m.limit {
				_ = fanotify.CloseEvents(events[i:])
				done()
				break
			}
			m.handle(ctx, ev)
			if n := m.handled.Add(1); m.limit > 0 && n >= m.limit {
				done()
			}
		}
	}
}

// readFailed records a read error and reports whether reading may continue.
// A discarded batch leaves the group usable, so only a poisoned or closed
// group ends the loop.
func (m *Monitor) readFailed(err error) bool {
	retry := errors.Is(err, fanotify.ErrIO) ||
		(errors.Is(err, fanotify.ErrCorruptStream) && !errors.Is(err, fanotify.ErrGroupPoisoned))

	if errors.Is(err, fanotify.ErrIO) {
		m.logger.Debug("read failed, retrying", "error", err)
	} else {
		m.logger.Warn("read failed", "error", err, "retry", retry)
	}
	_ = m.emitter.Emit(logging.EventReadError, err.Error(), "", nil, &logging.ReadErrorData{
		Error: err.Error(),
		Fatal: !retry,
	})
	return retry
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
