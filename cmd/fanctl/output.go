//go:build linux

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/jingkaihe/fangate/pkg/logging"
	"github.com/jingkaihe/fangate/pkg/monitor"
)

// recordView is the JSON form of a handled event.
type recordView struct {
	Time     time.Time `json:"time"`
	Path     string    `json:"path"`
	Mask     string    `json:"mask"`
	Pid      int32     `json:"pid,omitempty"`
	Comm     string    `json:"comm,omitempty"`
	Exe      string    `json:"exe,omitempty"`
	Decision string    `json:"decision,omitempty"`
	Plugin   string    `json:"plugin,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Error    string    `json:"error,omitempty"`
}

func viewOf(rec monitor.Record) recordView {
	v := recordView{
		Time: rec.Time,
		Path: rec.Path,
		Mask: rec.Mask.String(),
		Pid:  rec.Pid,
	}
	if rec.Process != nil {
		v.Comm = rec.Process.Comm
		v.Exe = rec.Process.Exe
	}
	if rec.Verdict != nil {
		v.Decision = rec.Verdict.Decision.String()
		v.Plugin = rec.Verdict.Plugin
		v.Reason = rec.Verdict.Reason
	}
	if rec.Err != nil {
		v.Error = rec.Err.Error()
	}
	return v
}

// printer writes records as JSON lines or as aligned text columns.
type printer struct {
	mu     sync.Mutex
	w      io.Writer
	json   bool
	header bool
}

// newPrinter picks JSON output when forced or when stdout is not a terminal.
func newPrinter(w io.Writer, forceJSON bool) *printer {
	asJSON := forceJSON
	if f, ok := w.(*os.File); ok && !forceJSON {
		asJSON = !term.IsTerminal(int(f.Fd()))
	}
	return &printer{w: w, json: asJSON}
}

func (p *printer) Record(rec monitor.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v := viewOf(rec)
	if p.json {
		_ = json.NewEncoder(p.w).Encode(v)
		return
	}
	if !p.header {
		fmt.Fprintf(p.w, "%-15s %-24s %7s %-16s %-12s %s\n", "TIME", "MASK", "PID", "COMM", "DECISION", "PATH")
		p.header = true
	}
	decision := v.Decision
	if decision == "" {
		decision = "-"
	}
	comm := v.Comm
	if comm == "" {
		comm = "-"
	}
	fmt.Fprintf(p.w, "%-15s %-24s %7d %-16s %-12s %s\n",
		v.Time.Format("15:04:05.000000"), v.Mask, v.Pid, comm, decision, v.Path)
}

func (p *printer) Event(ev *logging.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		_ = json.NewEncoder(p.w).Encode(ev)
		return
	}
	if !p.header {
		fmt.Fprintf(p.w, "%-26s %-12s %-14s %-10s %s\n", "TIME", "RUN", "TYPE", "PLUGIN", "SUMMARY")
		p.header = true
	}
	plugin := ev.Plugin
	if plugin == "" {
		plugin = "-"
	}
	fmt.Fprintf(p.w, "%-26s %-12s %-14s %-10s %s\n",
		ev.Timestamp.Local().Format("2006-01-02 15:04:05.000"), ev.RunID, ev.EventType, plugin, ev.Summary)
}
