package broadcaster

import "errors"

var (
	// ErrLaunchConflict: launch is accepted only from draft,
	// scheduled or failed.
	ErrLaunchConflict = errors.New("broadcast cannot be launched from its current status")

	// ErrCancelConflict: cancel is accepted only from draft,
	// scheduled or sending.
	ErrCancelConflict = errors.New("broadcast cannot be cancelled from its current status")
)
