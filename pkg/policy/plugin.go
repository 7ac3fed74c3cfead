//go:build linux

package policy

import (
	"context"

	"github.com/jingkaihe/fangate/pkg/fanotify"
)

// Plugin is the base interface all policy plugins implement.
type Plugin interface {
	// Name returns the plugin's identifier, used in logs and verdicts.
	Name() string
}

// GatePlugin decides the fate of a single permission event.
//
// Semantics: gates run in registration order and the first non-nil Verdict
// wins. Returning nil abstains and passes the request to the next gate. When
// every gate abstains the engine applies its default decision.
type GatePlugin interface {
	Plugin
	Gate(ctx context.Context, req *Request) *Verdict
}

// Request is what a gate sees of a permission event.
type Request struct {
	Path string
	Mask fanotify.Mask
	Pid  int32
	Exe  string
	Comm string
	UID  int
}

// Verdict is a gate's answer.
type Verdict struct {
	Decision fanotify.Decision
	Reason   string
	// Plugin is filled in by the engine.
	Plugin string
}
