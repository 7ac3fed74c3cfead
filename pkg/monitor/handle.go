//go:build linux

package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/jingkaihe/fangate/pkg/fanotify"
	"github.com/jingkaihe/fangate/pkg/logging"
	"github.com/jingkaihe/fangate/pkg/policy"
	"github.com/jingkaihe/fangate/pkg/procinfo"
)

// handle processes one event and always closes it.
func (m *Monitor) handle(ctx context.Context, ev *fanotify.Event) {
	defer func() {
		if err := ev.Close(); err != nil {
			m.logger.Debug("close event", "error", err)
		}
	}()

	rec := Record{Time: time.Now(), Mask: ev.Mask()}
	if ev.IsOverflow() {
		m.logger.Warn("event queue overflowed; events were dropped")
		_ = m.emitter.Emit(logging.EventReadError, "queue overflow", "", nil, &logging.ReadErrorData{
			Error: "queue overflow",
		})
		m.report(rec)
		return
	}

	rec.Path = eventPath(ev)
	if pid, ok := ev.Pid(); ok {
		rec.Pid = pid
		info, err := m.procs.Lookup(pid)
		if err != nil && !errors.Is(err, procinfo.ErrProcessGone) {
			m.logger.Debug("process lookup failed", "pid", pid, "error", err)
		}
		rec.Process = info
	}

	if !ev.IsPermission() {
		_ = m.emitter.Emit(logging.EventAccess, ev.Mask().String()+" "+rec.Path, "", nil, &logging.AccessData{
			Path:    rec.Path,
			Mask:    ev.Mask().String(),
			Process: processData(rec.Pid, rec.Process),
		})
		m.report(rec)
		return
	}

	verdict := m.decide(ctx, rec)
	rec.Verdict = &verdict
	err := m.respond(ev, verdict.Decision)
	if errors.Is(err, fanotify.ErrUnsupportedConfiguration) && verdict.Decision.Audited() {
		m.logger.Warn("group cannot audit, answering without audit", "decision", verdict.Decision.String(), "error", err)
		verdict.Decision = verdict.Decision.WithoutAudit()
		err = m.respond(ev, verdict.Decision)
	}
	rec.Err = err

	attrs := []any{"path", rec.Path, "mask", ev.Mask().String(), "pid", rec.Pid,
		"decision", verdict.Decision.String(), "plugin", verdict.Plugin}
	switch {
	case err != nil:
		m.logger.Warn("failed to answer permission event", append(attrs, "error", err)...)
	case !verdict.Decision.Allowed():
		m.logger.Info("access denied", append(attrs, "reason", verdict.Reason)...)
	default:
		m.logger.Debug("access allowed", attrs...)
	}

	data := &logging.DecisionData{
		Path:     rec.Path,
		Mask:     ev.Mask().String(),
		Decision: verdict.Decision.String(),
		Allowed:  verdict.Decision.Allowed(),
		Reason:   verdict.Reason,
		Process:  processData(rec.Pid, rec.Process),
	}
	if err != nil {
		data.Error = err.Error()
	}
	_ = m.emitter.Emit(logging.EventDecision, verdict.Decision.String()+" "+rec.Path, verdict.Plugin,
		[]string{"permission"}, data)
	m.report(rec)
}

func (m *Monitor) respond(ev *fanotify.Event, d fanotify.Decision) error {
	resp, err := fanotify.NewResponse(ev, d)
	if err != nil {
		return err
	}
	return m.src.WriteResponse(resp)
}

func (m *Monitor) decide(ctx context.Context, rec Record) policy.Verdict {
	if m.exemptSelf && m.isSelf(rec) {
		return policy.Verdict{Decision: fanotify.Allow, Reason: "raised by fangate", Plugin: selfPlugin}
	}
	if m.engine == nil {
		return policy.Verdict{Decision: fanotify.Allow, Reason: "no policy engine", Plugin: "default"}
	}
	req := &policy.Request{Path: rec.Path, Mask: rec.Mask, Pid: rec.Pid}
	if rec.Process != nil {
		req.Exe = rec.Process.Exe
		req.Comm = rec.Process.Comm
		req.UID = rec.Process.UID
	}
	return m.engine.Decide(ctx, req)
}

// isSelf matches this process and its direct children, which include the
// commands the exec gate runs while an event is pending.
func (m *Monitor) isSelf(rec Record) bool {
	if rec.Pid == m.self {
		return true
	}
	return rec.Process != nil && rec.Process.PPid == m.self
}

func (m *Monitor) report(rec Record) {
	if m.handler != nil {
		m.handler(rec)
	}
}

// eventPath resolves the path of ev. Groups reporting file handles carry no
// descriptor, so the name from a directory record is the best available.
func eventPath(ev *fanotify.Event) string {
	if p, err := ev.Path(); err == nil {
		return p
	}
	for _, info := range ev.Info() {
		if fid, err := info.FID(); err == nil && fid.Name != "" {
			return fid.Name
		}
	}
	return ""
}

func processData(pid int32, info *procinfo.Info) *logging.ProcessData {
	if info == nil {
		if pid == 0 {
			return nil
		}
		return &logging.ProcessData{Pid: pid, UID: -1}
	}
	return &logging.ProcessData{
		Pid:  info.Pid,
		Exe:  info.Exe,
		Comm: info.Comm,
		UID:  info.UID,
	}
}
