package bridge

import (
	"bytes"
	"io"
	"sync"

	"github.com/jjasinski/backchannel"
)

// bodyStream is the host-side response body. The relay appends decoded text
// fragments as they arrive; Read blocks until bytes or a terminal condition
// are available. The buffer is unbounded so relay dispatch never blocks on a
// slow reader.
type bodyStream struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     bytes.Buffer
	err     error // terminal; io.EOF on normal end
	closed  bool
	onClose func()
}

// Interface compliance check.
var _ io.ReadCloser = (*bodyStream)(nil)

func newBodyStream(onClose func()) *bodyStream {
	s := &bodyStream{onClose: onClose}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *bodyStream) append(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil || s.closed {
		return
	}
	s.buf.Write(p)
	s.cond.Broadcast()
}

func (s *bodyStream) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = io.EOF
	}
	s.cond.Broadcast()
}

func (s *bodyStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	s.cond.Broadcast()
}

// Read returns buffered bytes, blocking while the stream is open and empty.
// Buffered bytes are drained before the terminal error is surfaced.
func (s *bodyStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.buf.Len() == 0 && s.err == nil && !s.closed {
		s.cond.Wait()
	}
	if s.buf.Len() > 0 {
		return s.buf.Read(p)
	}
	if s.closed {
		return 0, backchannel.ErrStreamClosed
	}
	return 0, s.err
}

// Close abandons the stream and deregisters the owning call's relay
// callback. It does not abort the browser-side fetch.
func (s *bodyStream) Close() error {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	if !alreadyClosed && s.onClose != nil {
		s.onClose()
	}
	return nil
}
