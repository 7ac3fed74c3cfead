//go:build linux

package fanotify

import (
	"encoding/binary"

	"github.com/jingkaihe/fangate/internal/errx"
)

// responseLen is the size of struct fanotify_response.
const responseLen = 8

// Response is a verdict for a single permission event. It refers to the
// event's descriptor without taking ownership of it.
type Response struct {
	event    *Event
	decision Decision
}

// NewResponse pairs a permission event with a decision.
func NewResponse(ev *Event, d Decision) (Response, error) {
	if ev == nil || !ev.IsPermission() {
		return Response{}, errx.With(ErrInvalidResponseTarget, ": not a permission event")
	}
	if !ev.fd.Valid() {
		return Response{}, errx.With(ErrInvalidResponseTarget, ": event descriptor is closed")
	}
	if !d.valid() {
		return Response{}, errx.With(ErrInvalidDecision, ": %#x", uint32(d))
	}
	return Response{event: ev, decision: d}, nil
}

// Event returns the event being answered.
func (r Response) Event() *Event { return r.event }

// Decision returns the verdict.
func (r Response) Decision() Decision { return r.decision }

// MarshalBinary encodes the response in the layout the kernel reads.
func (r Response) MarshalBinary() ([]byte, error) {
	if r.event == nil {
		return nil, ErrInvalidResponseTarget
	}
	fd := r.event.fd.Raw()
	if fd < 0 {
		return nil, errx.With(ErrInvalidResponseTarget, ": event descriptor is closed")
	}
	return encodeResponse(make([]byte, 0, responseLen), int32(fd), r.decision), nil
}

func encodeResponse(b []byte, fd int32, d Decision) []byte {
	b = binary.NativeEndian.AppendUint32(b, uint32(fd))
	return binary.NativeEndian.AppendUint32(b, uint32(d))
}
