// Package bridge executes HTTP requests inside a privileged browser identity
// and streams the responses back to the host process.
//
// The privileged identity (cookies, anti-bot clearance, TLS/JS fingerprint)
// exists only inside the browser page, so requests physically originate
// there: the bridge installs a relay function into the page once per process,
// then per request registers a callback under a unique token, starts a fetch
// in the page, and reassembles the page's meta/chunk/end/error relay messages
// into a [backchannel.Response] whose body streams incrementally.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jjasinski/backchannel"
)

// Page is the injected browser collaborator. Evaluate runs a script in the
// page; ExposeBinding installs a host-callable function under the given name.
// The bound fn is invoked synchronously per message and must not block.
type Page interface {
	Evaluate(ctx context.Context, script string, out any) error
	ExposeBinding(ctx context.Context, name string, fn func(payload string)) error
}

// Interface compliance check.
var _ backchannel.Transport = (*Bridge)(nil)

// Bridge implements [backchannel.Transport] over a Page.
type Bridge struct {
	page Page
	log  *slog.Logger

	mu         sync.Mutex
	pending    map[string]*call
	installed  bool
	installing chan struct{}

	// bound tracks the host-side binding, which unlike the page script
	// survives navigation and must only be registered once.
	bound bool
}

// Option configures a [Bridge].
type Option func(*Bridge)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) { b.log = log }
}

// New creates a Bridge over the given page.
func New(page Page, opts ...Option) *Bridge {
	b := &Bridge{
		page:    page,
		log:     slog.Default(),
		pending: make(map[string]*call),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// call tracks one in-flight request. ready is closed once by the relay when
// either response meta or a pre-meta error arrives.
type call struct {
	readyOnce sync.Once
	ready     chan struct{}
	status    int
	headers   map[string]string
	failure   error
	body      *bodyStream
}

// Send executes req inside the browser identity. It returns as soon as
// status and headers are relayed; the response body streams afterward.
// Cancelling ctx before meta arrives deregisters the request's callback,
// but does not necessarily abort the in-flight browser-side fetch.
func (b *Bridge) Send(ctx context.Context, req backchannel.Request) (*backchannel.Response, error) {
	if err := b.ensureRelay(ctx); err != nil {
		return nil, err
	}

	token := uuid.NewString()
	c := &call{ready: make(chan struct{})}
	c.body = newBodyStream(func() { b.drop(token) })

	b.mu.Lock()
	b.pending[token] = c
	b.mu.Unlock()

	script, err := fetchScript(token, req)
	if err != nil {
		b.drop(token)
		return nil, fmt.Errorf("bridge: encode request: %w", err)
	}
	if err := b.page.Evaluate(ctx, script, nil); err != nil {
		if !isRelayGone(err) {
			b.drop(token)
			return nil, fmt.Errorf("bridge: start fetch: %w", err)
		}
		// A navigation (identity refresh) wiped the page and took the
		// relay with it. Reinstall and retry once.
		b.log.Info("bridge: relay gone after navigation, reinstalling")
		b.mu.Lock()
		b.installed = false
		b.mu.Unlock()
		if err := b.ensureRelay(ctx); err != nil {
			b.drop(token)
			return nil, err
		}
		if err := b.page.Evaluate(ctx, script, nil); err != nil {
			b.drop(token)
			return nil, fmt.Errorf("bridge: start fetch: %w", err)
		}
	}

	select {
	case <-c.ready:
		if c.failure != nil {
			b.drop(token)
			return nil, fmt.Errorf("bridge: %w", c.failure)
		}
		return &backchannel.Response{
			StatusCode: c.status,
			Headers:    c.headers,
			Body:       c.body,
		}, nil
	case <-ctx.Done():
		b.drop(token)
		c.body.fail(ctx.Err())
		return nil, ctx.Err()
	}
}

// drop deregisters a token's callback. Late relay messages for a dropped
// token are logged and discarded.
func (b *Bridge) drop(token string) {
	b.mu.Lock()
	delete(b.pending, token)
	b.mu.Unlock()
}

// relayMessage is the envelope the page-side relay posts through the binding.
type relayMessage struct {
	Token   string            `json:"token"`
	Kind    string            `json:"kind"`
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Data    string            `json:"data,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// dispatch routes one relay message to its registered call. It runs on the
// page event goroutine; all it does is bookkeeping and buffer appends.
func (b *Bridge) dispatch(payload string) {
	var msg relayMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		b.log.Warn("bridge: discarding malformed relay message", "err", err)
		return
	}

	b.mu.Lock()
	c, ok := b.pending[msg.Token]
	b.mu.Unlock()
	if !ok {
		// Deregistered by cancellation or completion.
		b.log.Debug("bridge: relay message for unknown token", "token", msg.Token, "kind", msg.Kind)
		return
	}

	switch msg.Kind {
	case "meta":
		c.readyOnce.Do(func() {
			c.status = msg.Status
			c.headers = msg.Headers
			close(c.ready)
		})
	case "chunk":
		c.body.append([]byte(msg.Data))
	case "end":
		c.body.finish()
		b.drop(msg.Token)
	case "error":
		err := fmt.Errorf("relay: %s", msg.Error)
		c.readyOnce.Do(func() {
			c.failure = err
			close(c.ready)
		})
		c.body.fail(err)
		b.drop(msg.Token)
	default:
		b.log.Warn("bridge: unknown relay kind", "kind", msg.Kind)
	}
}

// ensureRelay installs the page-side relay exactly once per process
// lifetime. Concurrent first uses wait on the same pending installation:
// double-install is an error condition in the browser environment, so the
// window between "not installed" and "installed" is serialized.
func (b *Bridge) ensureRelay(ctx context.Context) error {
	for {
		b.mu.Lock()
		if b.installed {
			b.mu.Unlock()
			return nil
		}
		if b.installing != nil {
			wait := b.installing
			b.mu.Unlock()
			select {
			case <-wait:
				continue // re-check outcome
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		done := make(chan struct{})
		b.installing = done
		b.mu.Unlock()

		err := b.install(ctx)
		if err != nil && isAlreadyInstalled(err) {
			// The specific double-install race signature is benign: the
			// relay is there, someone else put it in place.
			err = nil
		}

		b.mu.Lock()
		b.installed = err == nil
		b.installing = nil
		b.mu.Unlock()
		close(done)

		if err != nil {
			return fmt.Errorf("bridge: install relay: %w", err)
		}
		return nil
	}
}

func (b *Bridge) install(ctx context.Context) error {
	if !b.bound {
		if err := b.page.ExposeBinding(ctx, bindingName, b.dispatch); err != nil {
			return err
		}
		b.bound = true
	}
	return b.page.Evaluate(ctx, relayScript, nil)
}

func isAlreadyInstalled(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already installed")
}

func isRelayGone(err error) bool {
	return err != nil && strings.Contains(err.Error(), fetchFn+" is not a function")
}

// fetchScript builds the page expression that starts one relayed fetch.
// The body crosses the JS boundary base64-encoded so binary payloads
// survive intact.
func fetchScript(token string, req backchannel.Request) (string, error) {
	opts := struct {
		Method  string            `json:"method"`
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers,omitempty"`
		Body    string            `json:"body,omitempty"`
	}{
		Method:  req.Method,
		URL:     req.URL,
		Headers: req.Headers,
	}
	if len(req.Body) > 0 {
		opts.Body = base64.StdEncoding.EncodeToString(req.Body)
	}
	encoded, err := json.Marshal(opts)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("void %s(%s, %s)", fetchFn, strconv.Quote(token), encoded), nil
}
