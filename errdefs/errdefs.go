// Package errdefs defines the error kinds shared by the interaction,
// permission, panel and keystroke layers. Callers wrap them with context
// and test with errors.Is.
package errdefs

import "errors"

var (
	// ErrDuplicateID rejects a replayed or malformed ingestion. No state is mutated.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrNotFound is returned for operations on an unknown id.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyAnswered is returned for a second resolution of the same unit.
	ErrAlreadyAnswered = errors.New("already answered")

	// ErrStaleActiveUnit is returned when a resolution targets a unit the
	// panel is no longer showing.
	ErrStaleActiveUnit = errors.New("stale active unit")

	// ErrDeliveryTimeout reports that keys were written but the agent still
	// shows the prompt after the bounded poll. Local state is not rolled back.
	ErrDeliveryTimeout = errors.New("delivery timeout")

	// ErrInvalidArgument is returned for resolutions that do not fit the unit.
	ErrInvalidArgument = errors.New("invalid argument")
)
