package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jjasinski/backchannel"
	"github.com/jjasinski/backchannel/actions"
	"github.com/jjasinski/backchannel/cache"
)

// Interface compliance check.
var _ backchannel.Uploader = (*Client)(nil)

// Client drives conversations against the remote evaluation service.
// It is safe for concurrent use across sessions; an individual session's
// turns must stay sequential.
type Client struct {
	transport backchannel.Transport
	refresher backchannel.AuthRefresher
	resolver  *actions.Resolver
	baseURL   string
	protocol  Protocol
	log       *slog.Logger

	// refreshMu serializes rate-limit recovery: refresh mutates
	// browser-wide cookie state shared by every session on this client.
	refreshMu sync.Mutex

	catalog *cache.Cache
}

// Option configures a [Client].
type Option func(*Client)

// WithProtocol selects the turn payload shape. Default is ProtocolDelta.
func WithProtocol(p Protocol) Option {
	return func(c *Client) { c.protocol = p }
}

// WithAuthRefresher sets the collaborator invoked on recoverable
// rate-limiting. Without one, throttled turns fail terminally.
func WithAuthRefresher(r backchannel.AuthRefresher) Option {
	return func(c *Client) { c.refresher = r }
}

// WithActionResolver sets the resolver for server-action ids. Without one,
// uploads and catalog calls fail.
func WithActionResolver(r *actions.Resolver) Option {
	return func(c *Client) { c.resolver = r }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New creates a Client talking to the service at baseURL through the given
// transport.
func New(transport backchannel.Transport, baseURL string, opts ...Option) *Client {
	c := &Client{
		transport: transport,
		baseURL:   strings.TrimRight(baseURL, "/"),
		protocol:  ProtocolDelta,
		log:       slog.Default(),
		catalog:   cache.New(4, 10*time.Minute),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// refresh invokes the auth refresher, serialized so two sessions recovering
// concurrently cannot race on shared cookie state.
func (c *Client) refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.refresher.Refresh(ctx)
}
