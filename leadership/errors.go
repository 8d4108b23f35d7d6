package leadership

import "errors"

var (
	// ErrAlreadyStarted is returned by Start when the elector is already running.
	ErrAlreadyStarted = errors.New("leadership: elector already started")

	// ErrNotStarted is returned by Stop when the elector was never started.
	ErrNotStarted = errors.New("leadership: elector not started")
)
