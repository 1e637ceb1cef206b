package backchannel

import (
	"context"
	"io"
	"strings"
)

// Transport executes one HTTP request as the privileged browser identity and
// returns the response as soon as status and headers are known; body bytes
// arrive incrementally afterward. Implementations own cookies, anti-bot
// clearance and fingerprint; callers never see them.
type Transport interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// Request describes one request to execute inside the browser identity.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is a streamed response. Body blocks until bytes arrive and must
// be closed by the caller regardless of outcome.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       io.ReadCloser
}

// Success reports whether the status code is in the 2xx range.
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Header returns the value of the named header, matching case-insensitively.
func (r *Response) Header(name string) string {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// AuthRefresher re-establishes the browser-held identity after the remote
// service throttles it. Implementations must serialize concurrent calls:
// refresh mutates browser-wide cookie state shared by every session.
type AuthRefresher interface {
	Refresh(ctx context.Context) error
}

// Uploader resolves a pending attachment to a hosted URL. Implementations
// may mutate att to record the resolved URL.
type Uploader interface {
	Upload(ctx context.Context, att *Attachment) (string, error)
}
