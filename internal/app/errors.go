package app

import "errors"

// Typed failures surfaced to the transport layer. Anything else that
// escapes the service is an internal error.
var (
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrValidation = errors.New("validation failed")
)
