package commander

import "errors"

var (
	// ErrConnectTimeout means no vehicle heartbeat arrived in time.
	ErrConnectTimeout = errors.New("no heartbeat from autopilot")
	// ErrArmFailed means every arm attempt passed without the armed bit.
	ErrArmFailed = errors.New("arming failed")
	// ErrSendFailure wraps a transient write error on the link.
	ErrSendFailure = errors.New("mavlink send failed")
	// ErrStopped is returned by blocking steps interrupted by Stop.
	ErrStopped = errors.New("commander stopped")
	// ErrAlreadyStarted is returned by a second call to Run.
	ErrAlreadyStarted = errors.New("commander already started")
)
