//go:build linux

package fanotify

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestResponse_MarshalBinary(t *testing.T) {
	raw, _ := openTemp(t)
	ev := &Event{version: unix.FANOTIFY_METADATA_VERSION, mask: OpenPerm, fd: NewFD(int(raw))}
	defer ev.Close()

	r, err := NewResponse(ev, DenyAudit)
	require.NoError(t, err)
	assert.Same(t, ev, r.Event())
	assert.Equal(t, DenyAudit, r.Decision())

	b, err := r.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, responseLen)
	assert.Equal(t, uint32(raw), binary.NativeEndian.Uint32(b[0:4]))
	assert.Equal(t, uint32(unix.FAN_DENY|unix.FAN_AUDIT), binary.NativeEndian.Uint32(b[4:8]))

	require.NoError(t, ev.Close())
	_, err = r.MarshalBinary()
	assert.ErrorIs(t, err, ErrInvalidResponseTarget)
}

func TestNewResponse_RequiresDescriptor(t *testing.T) {
	ev := &Event{mask: OpenPerm}
	_, err := NewResponse(ev, Allow)
	assert.ErrorIs(t, err, ErrInvalidResponseTarget)

	_, err = NewResponse(nil, Allow)
	assert.ErrorIs(t, err, ErrInvalidResponseTarget)

	var zero Response
	_, err = zero.MarshalBinary()
	assert.ErrorIs(t, err, ErrInvalidResponseTarget)
}
