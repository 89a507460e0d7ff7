package lane

import "errors"

var (
	// ErrFormat is returned when a file does not hold a valid lane stream.
	ErrFormat = errors.New("invalid lane format")

	// ErrRange is returned for inverted or empty time/frequency ranges and unknown beams.
	ErrRange = errors.New("invalid selection range")

	// ErrValueTooSmall is returned when a range is narrower than one native step.
	ErrValueTooSmall = errors.New("selection narrower than resolution")

	// ErrOutOfMemory is returned when a selection would exceed the memory budget.
	ErrOutOfMemory = errors.New("selection exceeds memory budget")
)
