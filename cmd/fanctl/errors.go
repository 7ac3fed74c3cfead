//go:build linux

package main

import (
	"errors"

	"github.com/jingkaihe/fangate/pkg/config"
	"github.com/jingkaihe/fangate/pkg/fanotify"
)

var (
	ErrUsage        = errors.New("usage")
	ErrMark         = errors.New("mark")
	ErrNoMarks      = errors.New("no paths to mark; pass PATH arguments or set marks in the config file")
	ErrOpenAudit    = errors.New("open audit sinks")
	ErrReadAudit    = errors.New("read audit log")
	ErrCreatePolicy = errors.New("create policy engine")
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitPermission  = 3
	exitUnsupported = 4
	exitStream      = 5
)

// exitCode maps an error returned by a command to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, ErrUsage),
		errors.Is(err, ErrNoMarks),
		errors.Is(err, config.ErrReadConfig),
		errors.Is(err, config.ErrDecodeConfig),
		errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, fanotify.ErrInvalidTarget),
		errors.Is(err, fanotify.ErrInvalidMask),
		errors.Is(err, fanotify.ErrInvalidDecision):
		return exitUsage
	case errors.Is(err, fanotify.ErrPermissionDenied):
		return exitPermission
	case errors.Is(err, fanotify.ErrUnsupportedConfiguration):
		return exitUnsupported
	case errors.Is(err, fanotify.ErrCorruptStream),
		errors.Is(err, fanotify.ErrUnsupportedVersion),
		errors.Is(err, fanotify.ErrGroupPoisoned):
		return exitStream
	}
	return exitFailure
}
