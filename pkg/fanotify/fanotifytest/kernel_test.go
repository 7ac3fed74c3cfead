//go:build linux

package fanotifytest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/jingkaihe/fangate/pkg/fanotify"
)

func TestKernel_RoundTrip(t *testing.T) {
	k := &Kernel{}
	g, err := fanotify.Init(fanotify.ClassContent, fanotify.ReadOnly, fanotify.WithKernel(k))
	require.NoError(t, err)
	defer g.Close()
	defer k.Shutdown()

	assert.NotZero(t, k.InitFlags()&unix.FAN_NONBLOCK)
	require.NoError(t, g.Mark(fanotify.MarkAdd, fanotify.OpenPerm, fanotify.NoDirFD, "/tmp"))
	require.Len(t, k.Marks(), 1)
	assert.Equal(t, "/tmp", k.Marks()[0].Path)

	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	fd, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, k.Send(Record{Mask: fanotify.OpenPerm, FD: fd, Pid: 9}))

	events, err := g.ReadEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)
	got, err := events[0].Path()
	require.NoError(t, err)
	assert.Equal(t, path, got)

	resp, err := fanotify.NewResponse(events[0], fanotify.Deny)
	require.NoError(t, err)
	require.NoError(t, g.WriteResponse(resp))

	rfd, d, err := k.ReadResponse(time.Second)
	require.NoError(t, err)
	assert.Equal(t, fd, rfd)
	assert.Equal(t, fanotify.Deny, d)
	require.NoError(t, events[0].Close())
}

func TestKernel_NotInitialized(t *testing.T) {
	k := &Kernel{}
	assert.Error(t, k.Send(Record{}))
	_, _, err := k.ReadResponse(time.Millisecond)
	assert.Error(t, err)
}
