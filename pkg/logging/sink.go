package logging

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/jingkaihe/fangate/internal/errx"
)

// Sink consumes structured events.
// Implementations must be safe for concurrent use.
type Sink interface {
	// Write persists or forwards a single event.
	// Implementations should not modify the event.
	Write(event *Event) error

	// Close flushes any buffered data and releases resources.
	Close() error
}

// SinkConfig describes one configured sink.
type SinkConfig struct {
	Type string `json:"type" mapstructure:"type"` // "jsonl", "cbor", or "sqlite"
	Path string `json:"path" mapstructure:"path"`
}

// OpenSinks opens every configured sink, creating parent directories as
// needed. On failure the sinks already opened are closed.
func OpenSinks(cfgs []SinkConfig) ([]Sink, error) {
	sinks := make([]Sink, 0, len(cfgs))
	for _, cfg := range cfgs {
		s, err := openSink(cfg)
		if err != nil {
			for _, opened := range sinks {
				_ = opened.Close()
			}
			return nil, err
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func openSink(cfg SinkConfig) (Sink, error) {
	if cfg.Path == "" {
		return nil, errx.With(ErrCreateLogFile, ": %s sink has no path", cfg.Type)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, errx.Wrap(ErrCreateLogFile, err)
	}
	switch strings.ToLower(cfg.Type) {
	case "jsonl", "":
		return NewJSONLWriter(cfg.Path)
	case "cbor":
		return NewCBORWriter(cfg.Path)
	case "sqlite":
		return NewSQLiteSink(cfg.Path)
	default:
		return nil, errx.With(ErrUnknownSink, ": %q", cfg.Type)
	}
}
