package artifact

import "fmt"

var (
	// ErrNotFound is returned when a file was never attached to the given
	// conversation.
	ErrNotFound = fmt.Errorf("artifact not found")

	// ErrTooLarge is returned when a file exceeds the configured size limit.
	ErrTooLarge = fmt.Errorf("artifact too large")
)
