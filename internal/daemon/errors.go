// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import "errors"

var (
	// ErrAlreadyRunning is returned when Run is called twice on the same App.
	ErrAlreadyRunning = errors.New("daemon: already running")

	// ErrInvalidRooms is returned when the room map cannot build a tracker.
	ErrInvalidRooms = errors.New("daemon: invalid room map")
)
