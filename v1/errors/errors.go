package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// Coordination service results.
	ErrNoNode         = errors.New("node does not exist")
	ErrNodeExists     = errors.New("node already exists")
	ErrConnectionLoss = errors.New("connection to coordination service lost")
	ErrSessionExpired = errors.New("coordination session expired")
	// ErrRequestNotSent accompanies ErrConnectionLoss when the client knows
	// the request never reached the service, so repeating it is safe.
	ErrRequestNotSent = errors.New("request not sent")

	// ErrProtocolViolation reports a lock group that does not look like one
	// this package manages: a malformed sibling name or a missing group root.
	ErrProtocolViolation = errors.New("lock protocol violation")

	ErrInvalidResource = errors.New("invalid resource name")
	ErrClosed          = errors.New("session closed")
)
