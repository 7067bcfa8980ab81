package store

import "errors"

// Sentinel errors returned by store operations. Callers classify failures with
// errors.Is; anything not wrapping one of these is an infrastructure failure.
var (
	// ErrConflict means the technician already holds a live allocation for the
	// requested slot. Expected under concurrent booking, not retried here.
	ErrConflict = errors.New("technician already booked for this slot")

	// ErrValidation means the request carried missing or unrecognized fields.
	ErrValidation = errors.New("invalid request")

	// ErrNotFound means the referenced allocation, day or slot does not exist.
	ErrNotFound = errors.New("not found")
)
