package policy

import "errors"

var (
	ErrInvalidDefault = errors.New("invalid default decision")
	ErrInvalidRule    = errors.New("invalid rule")
	ErrInvalidCommand = errors.New("invalid exec command")
	ErrUnknownPlugin  = errors.New("unknown plugin type")
	ErrPluginConfig   = errors.New("invalid plugin config")
)
