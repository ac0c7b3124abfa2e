package syncengine

import "errors"

var (
	// ErrSendFailed marks a send whose optimistic message ended in the
	// failed state. Callers that wait for an acknowledgement wrap it;
	// the message itself stays in the timeline and can be retried.
	ErrSendFailed = errors.New("syncengine: send failed")

	// ErrNotOpen is returned for operations on a conversation that has
	// no running timeline.
	ErrNotOpen = errors.New("syncengine: conversation not open")

	// ErrClosed is returned once the engine has been shut down.
	ErrClosed = errors.New("syncengine: engine closed")

	ErrUnknownMessage = errors.New("syncengine: unknown message")

	// ErrNotRetryable rejects a retry of a message that is not in the
	// failed state.
	ErrNotRetryable = errors.New("syncengine: message is not in a failed state")
)
