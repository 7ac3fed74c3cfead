package logging

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/jingkaihe/fangate/internal/errx"
)

// cborRecord mirrors Event with the payload decoded so it is stored as a
// native CBOR map instead of an opaque JSON byte string.
type cborRecord struct {
	Timestamp time.Time `cbor:"ts"`
	RunID     string    `cbor:"run_id"`
	Host      string    `cbor:"host"`
	EventType string    `cbor:"event_type"`
	Summary   string    `cbor:"summary"`
	Plugin    string    `cbor:"plugin,omitempty"`
	Tags      []string  `cbor:"tags,omitempty"`
	Data      any       `cbor:"data,omitempty"`
}

// CBORWriter appends events to a file as a CBOR sequence (RFC 8742).
// It implements Sink and is safe for concurrent use.
type CBORWriter struct {
	mu   sync.Mutex
	file *os.File
	enc  *cbor.Encoder
}

// NewCBORWriter opens path for appending, creating it if needed.
func NewCBORWriter(path string) (*CBORWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errx.Wrap(ErrCreateLogFile, err)
	}
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano, TimeTag: cbor.EncTagRequired}.EncMode()
	if err != nil {
		_ = f.Close()
		return nil, errx.Wrap(ErrCreateLogFile, err)
	}
	return &CBORWriter{file: f, enc: em.NewEncoder(f)}, nil
}

func (w *CBORWriter) Write(event *Event) error {
	rec := cborRecord{
		Timestamp: event.Timestamp,
		RunID:     event.RunID,
		Host:      event.Host,
		EventType: event.EventType,
		Summary:   event.Summary,
		Plugin:    event.Plugin,
		Tags:      event.Tags,
	}
	if len(event.Data) > 0 {
		if err := json.Unmarshal(event.Data, &rec.Data); err != nil {
			return errx.Wrap(ErrMarshalData, err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(rec); err != nil {
		return errx.Wrap(ErrWriteEvent, err)
	}
	return nil
}

func (w *CBORWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.file.Sync()
	if err := w.file.Close(); err != nil {
		return errx.Wrap(ErrCloseWriter, err)
	}
	return nil
}

// ReadCBOR decodes every event in a CBOR sequence file.
func ReadCBOR(path string) ([]*Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dm, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		return nil, err
	}

	var events []*Event
	dec := dm.NewDecoder(f)
	for {
		var rec cborRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return events, nil
			}
			return events, err
		}
		ev := &Event{
			Timestamp: rec.Timestamp,
			RunID:     rec.RunID,
			Host:      rec.Host,
			EventType: rec.EventType,
			Summary:   rec.Summary,
			Plugin:    rec.Plugin,
			Tags:      rec.Tags,
		}
		if rec.Data != nil {
			if ev.Data, err = json.Marshal(rec.Data); err != nil {
				return events, errx.Wrap(ErrMarshalData, err)
			}
		}
		events = append(events, ev)
	}
}
