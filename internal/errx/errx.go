// Package errx attaches context to package sentinel errors while keeping both
// the sentinel and the cause reachable through errors.Is and errors.As.
package errx

import "fmt"

// Wrap returns an error that matches both sentinel and cause.
// A nil cause yields the sentinel itself.
func Wrap(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// With appends a formatted suffix to sentinel. The format may itself use %w.
func With(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w"+format, append([]any{sentinel}, args...)...)
}
