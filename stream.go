package backchannel

// TurnStream is a lazy, finite, non-restartable sequence of events for one
// turn. Next uses a pull-based iterator pattern and returns io.EOF once the
// stream is exhausted; a well-handled turn always yields a terminal
// CodeFinish event before EOF.
//
// Abandoning a stream early requires Close, which releases the underlying
// transport resources and deregisters any bridge callback. Close does not
// guarantee that the remote side stops producing (best-effort only).
type TurnStream interface {
	Next() (TurnEvent, error)
	Close() error
}
