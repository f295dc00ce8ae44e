package models

import "errors"

// Error taxonomy shared by every component. Component errors wrap one of
// these so callers can branch with errors.Is.
var (
	// ErrPermissionDenied indicates a capture device or privileged action was refused.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNetwork indicates a subscribe, send or upload round trip failed.
	ErrNetwork = errors.New("network failure")
	// ErrRemoteRejection indicates the remote side refused a write or delete.
	ErrRemoteRejection = errors.New("remote rejection")
	// ErrValidation indicates empty or oversized input.
	ErrValidation = errors.New("validation failure")
	// ErrNotFound indicates the referenced message no longer exists.
	ErrNotFound = errors.New("not found")
)
