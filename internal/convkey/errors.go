package convkey

import "errors"

var (
	// ErrKeyUnavailable means no conversation key can be derived from
	// the material at hand. The conversation is unencryptable until the
	// inputs are fixed; callers must never substitute an unkeyed or
	// all-zero key.
	ErrKeyUnavailable = errors.New("convkey: key unavailable")

	ErrUnknownVersion = errors.New("convkey: unknown key version")
)
