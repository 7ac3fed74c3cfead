package procinfo

import "errors"

var (
	ErrProcessGone = errors.New("process no longer exists")
	ErrReadStatus  = errors.New("read process status")
	ErrParseStatus = errors.New("parse process status")
)
