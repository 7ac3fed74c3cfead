package monitor

import "errors"

var (
	ErrNoSource   = errors.New("monitor: no event source")
	ErrReadFailed = errors.New("monitor: read events")
)
