package cryptoworker

import "errors"

var (
	// ErrDecryptionFailed covers malformed envelopes, unknown
	// algorithms, and authentication failures alike. It is message
	// scoped: one undecryptable message never blocks its conversation.
	ErrDecryptionFailed = errors.New("cryptoworker: decryption failed")

	ErrQueueFull = errors.New("cryptoworker: task queue full")
	ErrClosed    = errors.New("cryptoworker: pool closed")
)
