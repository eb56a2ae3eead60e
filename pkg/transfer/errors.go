package transfer

import "errors"

// The error taxonomy deliberately has no BadPreamble member — the codec
// drops malformed frames silently instead of raising.
var (
	// ErrLinkUnavailable means the serial device could not be opened.
	ErrLinkUnavailable = errors.New("transfer: link unavailable")
	// ErrLinkIO wraps an I/O failure on an established link.
	ErrLinkIO = errors.New("transfer: link I/O error")
	// ErrConfigRejected means the radio answered a configuration line
	// with an ERROR response.
	ErrConfigRejected = errors.New("transfer: configuration rejected")
	// ErrPayloadTooLarge means the payload would require more than
	// 65535 chunks, or is empty.
	ErrPayloadTooLarge = errors.New("transfer: payload too large")
	// ErrRetryExhausted means retries_left reached zero with a
	// non-empty missing set.
	ErrRetryExhausted = errors.New("transfer: retry budget exhausted")
	// ErrCancelled is a normal terminal outcome, not a failure.
	ErrCancelled = errors.New("transfer: cancelled")
)
