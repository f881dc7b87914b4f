package mesh6

import "errors"

var (
	// ErrNoPathAvailable indicates a send towards a destination with no
	// usable endpoint candidates, or one that is failed and cooling
	// down.
	ErrNoPathAvailable = errors.New("no path available")

	// ErrPayloadTooLarge indicates a payload that cannot fit a single
	// frame.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrManagerClosed indicates use of a manager after Close.
	ErrManagerClosed = errors.New("manager closed")
)
