package backchannel

import "errors"

// Sentinel errors for common failure modes.
var (
	// ErrValidation indicates a message failed validation.
	ErrValidation = errors.New("validation error")

	// ErrStreamClosed indicates an operation on a closed turn stream.
	ErrStreamClosed = errors.New("stream closed")

	// ErrNoActiveTurn indicates retry bookkeeping was requested without an
	// active assistant placeholder.
	ErrNoActiveTurn = errors.New("no active turn")

	// ErrAttachmentNotHosted indicates a pending attachment reached a point
	// where only hosted URLs are allowed.
	ErrAttachmentNotHosted = errors.New("attachment not hosted")
)
