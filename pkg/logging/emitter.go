package logging

import (
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/jingkaihe/fangate/internal/errx"
)

// EmitterConfig holds the static metadata stamped onto every event.
type EmitterConfig struct {
	RunID string // Defaults to a random "run-" identifier if empty
	Host  string // Defaults to os.Hostname
}

// Emitter provides convenience methods for emitting typed events.
// It holds static metadata and dispatches to one or more sinks.
//
// A nil *Emitter is safe to use; Emit and Close are no-ops on it.
type Emitter struct {
	config EmitterConfig
	sinks  []Sink
}

// NewEmitter creates an emitter with the given configuration and sinks.
func NewEmitter(cfg EmitterConfig, sinks ...Sink) *Emitter {
	if cfg.RunID == "" {
		cfg.RunID = NewRunID()
	}
	if cfg.Host == "" {
		cfg.Host, _ = os.Hostname()
	}
	return &Emitter{
		config: cfg,
		sinks:  sinks,
	}
}

// NewRunID returns a short random run identifier.
func NewRunID() string {
	return "run-" + uuid.New().String()[:8]
}

// RunID returns the identifier stamped on every event.
func (e *Emitter) RunID() string {
	if e == nil {
		return ""
	}
	return e.config.RunID
}

// Emit constructs an event with the emitter's static metadata and writes
// it to all registered sinks.
//
// Parameters:
//   - eventType: one of the Event* constants (e.g., EventDecision)
//   - summary: human-readable one-line summary
//   - plugin: the deciding policy plugin (empty string if none)
//   - tags: optional tags for filtering (nil is fine)
//   - data: the typed data struct (e.g., *DecisionData); nil for no payload
//
// Every sink is attempted; the first error encountered is returned.
func (e *Emitter) Emit(eventType, summary, plugin string, tags []string, data interface{}) error {
	if e == nil {
		return nil
	}
	var rawData json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return errx.Wrap(ErrMarshalData, err)
		}
		rawData = b
	}

	event := &Event{
		Timestamp: time.Now().UTC(),
		RunID:     e.config.RunID,
		Host:      e.config.Host,
		EventType: eventType,
		Summary:   summary,
		Plugin:    plugin,
		Tags:      tags,
		Data:      rawData,
	}

	var firstErr error
	for _, sink := range e.sinks {
		if err := sink.Write(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes all sinks. Returns the first error encountered.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	var firstErr error
	for _, sink := range e.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
