package chat

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/jjasinski/backchannel"
)

// turnStream implements [backchannel.TurnStream] over the service's
// line-oriented event protocol. Records arrive as "<2-char-code>:<json>"
// lines; records may span multiple reads and are reassembled on newline
// boundaries, with any trailing unterminated content flushed as a final
// record when the source ends.
//
// The decoder is resilient by design: a single malformed record is dropped
// and logged, never fatal. Only transport failures terminate the stream
// with an error.
type turnStream struct {
	body   io.ReadCloser
	br     *bufio.Reader
	target *backchannel.WireMessage // active placeholder; owned for the turn
	log    *slog.Logger
	done   bool
	closed bool
	err    error
}

// Interface compliance check.
var _ backchannel.TurnStream = (*turnStream)(nil)

// knownCodes is the closed set the decoder interprets or recognizes. Codes
// outside it still pass through verbatim; the set only gates a debug log so
// new upstream kinds are visible.
var knownCodes = map[string]bool{
	backchannel.CodeText:          true,
	backchannel.CodeModerated:     true,
	backchannel.CodeMedia:         true,
	backchannel.CodeProviderError: true,
	backchannel.CodeFinish:        true,
	"a1": true, // data
	"a9": true, // tool call
	"aa": true, // tool result
	"ae": true, // step begin
	"af": true, // step end
	"ag": true, // reasoning
	"ah": true, // citation
	"ak": true, // file
}

func newTurnStream(body io.ReadCloser, target *backchannel.WireMessage, log *slog.Logger) *turnStream {
	return &turnStream{
		body:   body,
		br:     bufio.NewReader(body),
		target: target,
		log:    log,
	}
}

// Next returns the next decoded event, io.EOF once the stream is exhausted.
// A terminal CodeFinish event ends the stream; the call after it returns
// io.EOF.
func (s *turnStream) Next() (backchannel.TurnEvent, error) {
	switch {
	case s.closed:
		return backchannel.TurnEvent{}, backchannel.ErrStreamClosed
	case s.err != nil:
		return backchannel.TurnEvent{}, s.err
	case s.done:
		return backchannel.TurnEvent{}, io.EOF
	}

	for {
		line, readErr := s.br.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			s.err = readErr
			s.body.Close()
			return backchannel.TurnEvent{}, s.err
		}
		atEOF := readErr == io.EOF

		evt, ok := s.decodeRecord(strings.TrimRight(line, "\r\n"))
		if ok {
			s.apply(evt)
			if evt.Terminal() || atEOF {
				s.finish()
			}
			return evt, nil
		}
		if atEOF {
			s.finish()
			return backchannel.TurnEvent{}, io.EOF
		}
	}
}

// Close releases the stream. Safe to call at any point; abandoning a stream
// early stops decoding but does not abort the remote generation.
func (s *turnStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

func (s *turnStream) finish() {
	s.done = true
	s.body.Close()
}

// decodeRecord parses one reassembled line. Records shorter than the
// protocol minimum or with undecodable payloads are dropped.
func (s *turnStream) decodeRecord(line string) (backchannel.TurnEvent, bool) {
	if len(line) < 4 {
		return backchannel.TurnEvent{}, false
	}
	code := line[:2]
	rest := line[2:]
	i := strings.IndexByte(rest, ':')
	if i < 0 {
		s.log.Warn("chat: dropping record without payload delimiter", "code", code)
		return backchannel.TurnEvent{}, false
	}
	var data any
	if err := json.Unmarshal([]byte(rest[i+1:]), &data); err != nil {
		s.log.Warn("chat: dropping undecodable record", "code", code, "err", err)
		return backchannel.TurnEvent{}, false
	}
	if !knownCodes[code] {
		s.log.Debug("chat: forwarding unrecognized code", "code", code)
	}
	return backchannel.TurnEvent{Code: code, Data: data}, true
}

// apply mutates the active placeholder per the event's semantics. Events
// with no placeholder effect pass through untouched.
func (s *turnStream) apply(evt backchannel.TurnEvent) {
	if s.target == nil {
		return
	}
	switch evt.Code {
	case backchannel.CodeText, backchannel.CodeModerated:
		if delta, ok := evt.Data.(string); ok {
			s.target.Content += delta
		}
	case backchannel.CodeMedia:
		items, ok := evt.Data.([]any)
		if !ok {
			return
		}
		for _, it := range items {
			m, ok := it.(map[string]any)
			if !ok || m["type"] != "image" {
				continue
			}
			att := backchannel.Attachment{
				ContentType: str(m["mimeType"]),
				Name:        str(m["name"]),
				URL:         str(m["image"]),
			}
			if att.Name == "" {
				att.Name = "image"
			}
			s.target.Attachments = append(s.target.Attachments, att)
		}
	case backchannel.CodeFinish:
		// Error and retry finishes leave the placeholder pending.
		switch evt.FinishData() {
		case backchannel.FinishRetry, backchannel.FinishError:
		default:
			s.target.Status = backchannel.StatusSuccess
		}
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// syntheticStream yields a fixed event sequence. Recovery paths use it so
// every well-handled failure still ends in a well-formed terminal event.
type syntheticStream struct {
	events []backchannel.TurnEvent
	pos    int
	closed bool
}

// Interface compliance check.
var _ backchannel.TurnStream = (*syntheticStream)(nil)

func newSyntheticStream(events ...backchannel.TurnEvent) *syntheticStream {
	return &syntheticStream{events: events}
}

func (s *syntheticStream) Next() (backchannel.TurnEvent, error) {
	if s.closed {
		return backchannel.TurnEvent{}, backchannel.ErrStreamClosed
	}
	if s.pos >= len(s.events) {
		return backchannel.TurnEvent{}, io.EOF
	}
	evt := s.events[s.pos]
	s.pos++
	return evt, nil
}

func (s *syntheticStream) Close() error {
	s.closed = true
	return nil
}
