//go:build linux

package fanotify

import "errors"

// CorruptionPolicy chooses what a Group does after a read returns a record it
// cannot decode.
type CorruptionPolicy int

const (
	// DiscardBatch fails only the read that hit the bad record. The rest of
	// that batch is lost and the Group stays usable.
	DiscardBatch CorruptionPolicy = iota
	// PoisonGroup makes every later ReadEvents fail with ErrGroupPoisoned.
	PoisonGroup
)

func (p CorruptionPolicy) String() string {
	switch p {
	case DiscardBatch:
		return "discard"
	case PoisonGroup:
		return "poison"
	}
	return "unknown"
}

// ParseCorruptionPolicy accepts "discard" and "poison".
func ParseCorruptionPolicy(s string) (CorruptionPolicy, error) {
	switch s {
	case "discard", "":
		return DiscardBatch, nil
	case "poison":
		return PoisonGroup, nil
	}
	return 0, ErrUnsupportedConfiguration
}

// Fatal reports whether the caller should close the Group that returned err
// and reinitialize. ErrCorruptStream counts even under DiscardBatch.
func Fatal(err error) bool {
	return errors.Is(err, ErrGroupClosed) ||
		errors.Is(err, ErrCorruptStream) ||
		errors.Is(err, ErrGroupPoisoned) ||
		errors.Is(err, ErrUnsupportedVersion)
}
