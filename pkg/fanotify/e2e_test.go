//go:build linux

package fanotify

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// initOrSkip creates a real group, skipping when the environment cannot.
func initOrSkip(t *testing.T, flags InitFlags) *Group {
	t.Helper()
	if unix.Geteuid() != 0 {
		t.Skip("fanotify needs CAP_SYS_ADMIN")
	}
	g, err := Init(flags, ReadOnly|EventCloseOnExec)
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrUnsupportedConfiguration) {
		t.Skipf("fanotify unavailable: %v", err)
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func markOrSkip(t *testing.T, g *Group, mask Mask, dir string) {
	t.Helper()
	err := g.Mark(MarkAdd|MarkMount, mask, NoDirFD, dir)
	if errors.Is(err, ErrUnsupportedConfiguration) || errors.Is(err, ErrPermissionDenied) {
		t.Skipf("mount marks unavailable: %v", err)
	}
	require.NoError(t, err)
}

// readOne reads a batch that must hold exactly one event for path.
func readOne(t *testing.T, g *Group, path string) *Event {
	t.Helper()
	events, err := g.ReadEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	t.Cleanup(func() { _ = ev.Close() })
	assert.True(t, ev.CheckVersion())
	got, err := ev.Path()
	require.NoError(t, err)
	assert.Equal(t, path, got)
	return ev
}

func TestSystem_Notifications(t *testing.T) {
	g := initOrSkip(t, ClassNotif)
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	markOrSkip(t, g, Open|Modify|Close, dir)

	path := filepath.Join(dir, "test")

	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, Open|CloseWrite, readOne(t, g, path).Mask())

	f, err = os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("hello")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, Open|Modify|CloseWrite, readOne(t, g, path).Mask())

	_, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, Open|CloseNoWrite, readOne(t, g, path).Mask())
}

func TestSystem_PermissionResponses(t *testing.T) {
	g := initOrSkip(t, ClassContent)
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	markOrSkip(t, g, OpenPerm, dir)

	path := filepath.Join(dir, "test")

	done := make(chan error, 1)
	go func() {
		_, err := os.Create(path)
		if !errors.Is(err, os.ErrPermission) {
			done <- errors.New("first open should have been denied")
			return
		}
		f, err := os.Create(path)
		if err == nil {
			err = f.Close()
		}
		done <- err
	}()

	ev := readOne(t, g, path)
	assert.Equal(t, OpenPerm, ev.Mask())
	resp, err := NewResponse(ev, Deny)
	require.NoError(t, err)
	require.NoError(t, g.WriteResponse(resp))

	ev = readOne(t, g, path)
	assert.Equal(t, OpenPerm, ev.Mask())
	resp, err = NewResponse(ev, Allow)
	require.NoError(t, err)
	require.NoError(t, g.WriteResponse(resp))

	require.NoError(t, <-done)
}
