package execute

import (
	"errors"
	"fmt"
)

// ApplyError reports a change whose application failed. The execute entry
// is retained and will be retried by the next drain.
type ApplyError struct {
	ChangeID string
	Type     string
	Attempt  int
	Err      error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s %s (attempt %d): %v", e.Type, e.ChangeID, e.Attempt, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// IsApplyError returns true if err is or wraps an ApplyError.
func IsApplyError(err error) bool {
	var ae *ApplyError
	return errors.As(err, &ae)
}
