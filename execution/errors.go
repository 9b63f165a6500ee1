package execution

import "errors"

var (
	// ErrNotReady is returned until startup reconciliation has finished.
	ErrNotReady = errors.New("execution not ready: reconciliation pending")
	// ErrFeedBlocked means the feed circuit is not CLOSED.
	ErrFeedBlocked = errors.New("feed circuit open")
	// ErrGatewayTimeout means the broker outcome is unknown and could not
	// be settled by a position check.
	ErrGatewayTimeout = errors.New("gateway outcome unknown")
	// ErrPartialFill means only some legs filled and the rest were rolled back.
	ErrPartialFill = errors.New("partial fill")
	// ErrCompensationIncomplete means a rollback could not be confirmed.
	ErrCompensationIncomplete = errors.New("compensation incomplete")
)
