package logging

import (
	"encoding/json"
	"time"
)

// Event is the canonical audit record emitted by the monitor.
// Required fields: Timestamp, RunID, Host, EventType, Summary.
type Event struct {
	Timestamp time.Time       `json:"ts"`
	RunID     string          `json:"run_id"`
	Host      string          `json:"host"`
	EventType string          `json:"event_type"`
	Summary   string          `json:"summary"`
	Plugin    string          `json:"plugin,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const (
	EventAccess     = "access"
	EventDecision   = "decision"
	EventReadError  = "read_error"
	EventGroupState = "group_state"
)

// ProcessData identifies the process that triggered an event.
type ProcessData struct {
	Pid  int32  `json:"pid"`
	Exe  string `json:"exe,omitempty"`
	Comm string `json:"comm,omitempty"`
	UID  int    `json:"uid"`
}

// AccessData is the data payload for access events.
type AccessData struct {
	Path    string       `json:"path"`
	Mask    string       `json:"mask"`
	Process *ProcessData `json:"process,omitempty"`
}

// DecisionData is the data payload for decision events.
type DecisionData struct {
	Path     string       `json:"path"`
	Mask     string       `json:"mask"`
	Decision string       `json:"decision"`
	Allowed  bool         `json:"allowed"`
	Reason   string       `json:"reason,omitempty"`
	Process  *ProcessData `json:"process,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// ReadErrorData is the data payload for read_error events.
type ReadErrorData struct {
	Error string `json:"error"`
	Fatal bool   `json:"fatal"`
}

// GroupStateData is the data payload for group_state events.
type GroupStateData struct {
	State string `json:"state"` // "started", "stopped", "poisoned"
	Class string `json:"class,omitempty"`
	Marks int    `json:"marks,omitempty"`
}
