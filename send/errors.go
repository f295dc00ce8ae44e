package send

import (
	"errors"
	"fmt"

	"duet/models"
	"duet/upload"
)

// Error reports a send that reached the network and failed. For text
// messages Text holds what was restored into the composer.
type Error struct {
	Op   string
	Text string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the user should be offered a retry.
func (e *Error) Retryable() bool {
	if errors.Is(e.Err, models.ErrValidation) || errors.Is(e.Err, upload.ErrBusy) {
		return false
	}
	return errors.Is(e.Err, models.ErrNetwork) ||
		errors.Is(e.Err, models.ErrRemoteRejection) ||
		errors.Is(e.Err, upload.ErrUploadFailure)
}
