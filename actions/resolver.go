// Package actions discovers the opaque server-action identifiers the remote
// web app uses for its auxiliary calls.
//
// The ids are not documented anywhere; they are compiled into the app's own
// script bundles. The resolver fetches the app shell, collects its bundle
// URLs, scans each bundle for a marker string naming the action (the
// function name survives minification as a string literal) and picks the
// 40-hex action id registered nearest that marker. Script text and resolved
// ids are cached process-wide.
package actions

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jjasinski/backchannel"
	"github.com/jjasinski/backchannel/cache"
)

var (
	scriptSrcPattern = regexp.MustCompile(`<script[^>]+src="([^"]+\.js[^"]*)"`)
	actionIDPattern  = regexp.MustCompile(`\(?"([0-9a-f]{40})"`)
)

// maxScriptBytes bounds how much of a single bundle is read. Bundles past
// this size are truncated, not skipped; action registrations sit in the
// module preamble.
const maxScriptBytes = 8 << 20

// Resolver finds and caches server-action ids.
type Resolver struct {
	transport backchannel.Transport
	baseURL   string
	log       *slog.Logger

	ids     *cache.Cache // marker -> action id
	scripts *cache.Cache // script URL -> text

	// Cache population is single-writer-at-a-time; reads stay lock-free
	// on the caches' own guards.
	populate sync.Mutex
}

// Option configures a [Resolver].
type Option func(*Resolver)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(r *Resolver) { r.log = log }
}

// New creates a resolver scanning the app served at baseURL through the
// given transport.
func New(transport backchannel.Transport, baseURL string, opts ...Option) *Resolver {
	r := &Resolver{
		transport: transport,
		baseURL:   strings.TrimRight(baseURL, "/"),
		log:       slog.Default(),
		ids:       cache.New(64, time.Hour),
		scripts:   cache.New(16, time.Hour),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ActionID returns the server-action id for the action named by marker,
// scanning the app's script bundles on a cache miss.
func (r *Resolver) ActionID(ctx context.Context, marker string) (string, error) {
	if v, ok := r.ids.Get(marker); ok {
		return v.(string), nil
	}

	r.populate.Lock()
	defer r.populate.Unlock()
	if v, ok := r.ids.Get(marker); ok {
		return v.(string), nil
	}

	urls, err := r.scriptURLs(ctx)
	if err != nil {
		return "", err
	}
	for _, u := range urls {
		text, err := r.script(ctx, u)
		if err != nil {
			r.log.Warn("actions: skipping unreadable bundle", "url", u, "err", err)
			continue
		}
		id, ok := nearestActionID(text, marker)
		if !ok {
			continue
		}
		r.log.Debug("actions: resolved action id", "marker", marker, "bundle", u)
		r.ids.Set(marker, id)
		return id, nil
	}
	return "", fmt.Errorf("actions: no action id found for %q", marker)
}

// scriptURLs fetches the app shell and returns its script bundle URLs,
// resolved against the base URL.
func (r *Resolver) scriptURLs(ctx context.Context) ([]string, error) {
	html, err := r.fetch(ctx, r.baseURL+"/")
	if err != nil {
		return nil, fmt.Errorf("actions: fetch app shell: %w", err)
	}

	base, err := url.Parse(r.baseURL + "/")
	if err != nil {
		return nil, fmt.Errorf("actions: parse base url: %w", err)
	}

	var urls []string
	seen := make(map[string]bool)
	for _, m := range scriptSrcPattern.FindAllStringSubmatch(html, -1) {
		ref, err := url.Parse(m[1])
		if err != nil {
			continue
		}
		u := base.ResolveReference(ref).String()
		if !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("actions: app shell contains no script bundles")
	}
	return urls, nil
}

// script returns a bundle's text, fetching it on a cache miss.
func (r *Resolver) script(ctx context.Context, url string) (string, error) {
	if v, ok := r.scripts.Get(url); ok {
		return v.(string), nil
	}
	text, err := r.fetch(ctx, url)
	if err != nil {
		return "", err
	}
	r.scripts.Set(url, text)
	return text, nil
}

func (r *Resolver) fetch(ctx context.Context, url string) (string, error) {
	resp, err := r.transport.Send(ctx, backchannel.Request{Method: "GET", URL: url})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if !resp.Success() {
		return "", fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxScriptBytes))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// nearestActionID returns the action id whose registration sits closest to
// the marker's first occurrence in text.
func nearestActionID(text, marker string) (string, bool) {
	at := strings.Index(text, marker)
	if at < 0 {
		return "", false
	}

	matches := actionIDPattern.FindAllStringSubmatchIndex(text, -1)
	best, bestDist := "", -1
	for _, m := range matches {
		// Measure from the end of the id: registrations put the id a fixed
		// short distance before the action's name literal.
		dist := m[3] - at
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			best = text[m[2]:m[3]]
			bestDist = dist
		}
	}
	return best, best != ""
}
