package backchannel

// Event codes with interpreted semantics. The remote stream carries more
// codes than these (data, tool-call, reasoning, citation, file and
// step-boundary kinds); they are decoded and forwarded verbatim so new
// upstream kinds pass through without a decoder change.
const (
	// CodeText carries a token delta appended to the active placeholder.
	CodeText = "a0"
	// CodeModerated has the same append effect as CodeText but signals
	// that the remote service rejected or moderated the turn.
	CodeModerated = "c0"
	// CodeMedia carries generated media items attached to the placeholder.
	CodeMedia = "a2"
	// CodeProviderError signals an upstream provider failure. No
	// placeholder mutation; forwarded for caller-side logging.
	CodeProviderError = "a3"
	// CodeFinish terminates a turn.
	CodeFinish = "ad"
)

// CodeFinish payloads with interpreted semantics. Any other payload is a
// normal successful end-of-turn.
const (
	// FinishRetry instructs the caller to restart the entire turn from
	// scratch (anonymous-quota rotation).
	FinishRetry = "retry"
	// FinishError marks the turn terminally failed.
	FinishError = "err"
)

// TurnEvent is one decoded record from a turn's response stream: a two
// character code and its JSON-decoded payload. Events are consumed
// immediately; they are never persisted.
type TurnEvent struct {
	Code string
	Data any
}

// Terminal reports whether the event ends the turn.
func (e TurnEvent) Terminal() bool { return e.Code == CodeFinish }

// FinishData returns the payload of a terminal event as a string.
// Non-terminal events and non-string payloads return "".
func (e TurnEvent) FinishData() string {
	if e.Code != CodeFinish {
		return ""
	}
	s, _ := e.Data.(string)
	return s
}
