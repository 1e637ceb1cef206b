// Package deref decodes the reference-linked multi-line JSON payload used by
// the remote service's auxiliary calls.
//
// A payload is a sequence of newline-separated records "<id>:<json>". String
// values matching $@<id> are references into the same payload; Decode
// resolves them recursively and returns the fully hydrated value rooted at
// id "0".
package deref

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// ErrRootMissing indicates the payload had no record with id "0".
var ErrRootMissing = errors.New("deref: root record missing")

// RecordError reports a record whose payload looked like data but failed to
// decode. Control instructions are skipped before this point, so a decode
// failure here means malformed data, not an unknown instruction.
type RecordError struct {
	ID      string
	Payload string
	Err     error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("deref: record %q: invalid payload %q: %v", e.ID, e.Payload, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

var refPattern = regexp.MustCompile(`^\$@(\d+)$`)

// Decode parses a payload and returns the resolved value rooted at id "0".
//
// Lines without a colon and lines whose payload is not JSON data (first
// character not '{', '[' or '"') are non-data control instructions in the
// source protocol and are skipped. References to skipped or absent ids
// resolve to nil. Decode is a pure function of its input apart from debug
// logging.
func Decode(blob []byte) (any, error) {
	records := make(map[string]any)
	for _, line := range strings.Split(string(blob), "\n") {
		if line == "" {
			continue
		}
		id, payload, ok := strings.Cut(line, ":")
		if !ok || payload == "" {
			slog.Debug("deref: skipping malformed line", "line", line)
			continue
		}
		switch payload[0] {
		case '{', '[', '"':
		default:
			slog.Debug("deref: skipping control instruction", "id", id)
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return nil, &RecordError{ID: id, Payload: payload, Err: err}
		}
		records[id] = v
	}

	root, ok := records["0"]
	if !ok {
		return nil, ErrRootMissing
	}
	return resolve(root, records), nil
}

// resolve recursively replaces $@<id> references. The source format
// guarantees reference chains are acyclic; cyclic input is not defended
// against.
func resolve(v any, records map[string]any) any {
	switch t := v.(type) {
	case string:
		m := refPattern.FindStringSubmatch(t)
		if m == nil {
			return t
		}
		ref, ok := records[m[1]]
		if !ok {
			// The referenced id may legitimately be one of the skipped
			// control lines.
			return nil
		}
		return resolve(ref, records)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = resolve(e, records)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = resolve(e, records)
		}
		return out
	default:
		return v
	}
}
