package engine

import "errors"

// ErrAlreadyStarted is returned by Start on a running engine.
var ErrAlreadyStarted = errors.New("engine already started")
