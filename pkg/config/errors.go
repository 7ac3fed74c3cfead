package config

import "errors"

var (
	ErrReadConfig    = errors.New("config: read")
	ErrDecodeConfig  = errors.New("config: decode")
	ErrInvalidConfig = errors.New("config: invalid")
)
