package fanotify

import "errors"

// Group lifecycle and configuration errors
var (
	ErrPermissionDenied         = errors.New("fanotify: permission denied")
	ErrUnsupportedConfiguration = errors.New("fanotify: unsupported configuration")
	ErrGroupClosed              = errors.New("fanotify: group closed")
	ErrGroupPoisoned            = errors.New("fanotify: group poisoned by earlier decode failure")
)

// Mark errors
var (
	ErrInvalidTarget = errors.New("fanotify: invalid mark target")
	ErrInvalidMask   = errors.New("fanotify: invalid mark mask")
)

// Read and decode errors
var (
	ErrCorruptStream      = errors.New("fanotify: corrupt event stream")
	ErrUnsupportedVersion = errors.New("fanotify: unsupported metadata version")
)

// Response errors
var (
	ErrInvalidResponseTarget = errors.New("fanotify: invalid response target")
	ErrInvalidDecision       = errors.New("fanotify: invalid decision")
	ErrDescriptorClosed      = errors.New("fanotify: descriptor already closed")
)

// Transport errors
var (
	ErrIO = errors.New("fanotify: i/o")
)
