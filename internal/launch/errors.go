package launch

import (
	"errors"
	"fmt"
)

// ErrStaleEntry reports that a compiled entry's resource requirements no
// longer fit the device. The runtime invalidates the entry and recompiles
// once before surfacing this.
var ErrStaleEntry = errors.New("stale compiled entry")

// ErrClosed reports use of a runtime after Close.
var ErrClosed = errors.New("launch runtime closed")

// Error reports a device-side launch rejection. Configuration errors are
// not retried; they indicate a caller bug, not a transient condition.
type Error struct {
	Kernel string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("launch kernel %q: %v", e.Kernel, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
