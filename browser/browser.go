// Package browser runs the real browser session that holds the privileged
// identity: cookies, anti-bot clearance and the matching TLS/JS fingerprint
// all live inside a Chrome profile, so the process drives an actual Chrome
// instance over the DevTools protocol and funnels its requests through it.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/jjasinski/backchannel"
)

// Browser owns one Chrome instance with a single tab pointed at the service.
// It implements the page surface the bridge transport injects against.
type Browser struct {
	ctx         context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	url         string
	log         *slog.Logger

	// mu serializes navigation-level operations. An identity refresh
	// replaces page state under every in-flight caller, so it must not
	// overlap another refresh.
	mu sync.Mutex

	headless    bool
	userDataDir string
	execPath    string
	settle      time.Duration
}

// Option configures a [Browser] before launch.
type Option func(*Browser)

// WithHeadless runs Chrome headless. The default is headful: the anti-bot
// challenge on the service rarely clears in headless mode.
func WithHeadless() Option {
	return func(b *Browser) { b.headless = true }
}

// WithUserDataDir sets the Chrome profile directory, letting clearance
// cookies persist across runs.
func WithUserDataDir(dir string) Option {
	return func(b *Browser) { b.userDataDir = dir }
}

// WithExecPath sets the Chrome binary path explicitly.
func WithExecPath(path string) Option {
	return func(b *Browser) { b.execPath = path }
}

// WithSettleDelay sets how long an identity refresh waits after navigation
// for the clearance script to finish. Default 3s.
func WithSettleDelay(d time.Duration) Option {
	return func(b *Browser) { b.settle = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(b *Browser) { b.log = log }
}

// Launch starts Chrome, opens a tab and navigates it to url, returning once
// the page has loaded. Close releases the browser.
func Launch(ctx context.Context, url string, opts ...Option) (*Browser, error) {
	b := &Browser{
		url:    url,
		log:    slog.Default(),
		settle: 3 * time.Second,
	}
	for _, o := range opts {
		o(b)
	}

	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", b.headless),
		// Chrome advertises automation by default; the service's anti-bot
		// layer keys on it.
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if b.userDataDir != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(b.userDataDir))
	}
	if b.execPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(b.execPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	b.ctx = tabCtx
	b.tabCancel = tabCancel
	b.allocCancel = allocCancel

	if err := b.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		b.Close()
		return nil, fmt.Errorf("browser: open %s: %w", url, err)
	}
	b.log.Info("browser: session ready", "url", url, "headless", b.headless)
	return b, nil
}

// Close shuts the tab and the Chrome process down.
func (b *Browser) Close() error {
	b.tabCancel()
	b.allocCancel()
	return nil
}

// run executes DevTools actions on the tab, honoring the caller's context.
// The tab context outlives individual calls; cancelling ctx abandons the
// wait but the action may still complete in the browser.
func (b *Browser) run(ctx context.Context, acts ...chromedp.Action) error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(b.ctx, acts...) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Evaluate runs script in the page. A nil out discards the result.
func (b *Browser) Evaluate(ctx context.Context, script string, out any) error {
	return b.run(ctx, chromedp.Evaluate(script, out))
}

// ExposeBinding installs a page-callable function under name. The browser's
// binding survives navigation; fn runs on the DevTools event goroutine.
func (b *Browser) ExposeBinding(ctx context.Context, name string, fn func(payload string)) error {
	chromedp.ListenTarget(b.ctx, func(ev any) {
		if e, ok := ev.(*runtime.EventBindingCalled); ok && e.Name == name {
			fn(e.Payload)
		}
	})
	return b.run(ctx, chromedp.ActionFunc(func(cctx context.Context) error {
		return runtime.AddBinding(name).Do(cctx)
	}))
}

// Interface compliance check.
var _ backchannel.AuthRefresher = (*Identity)(nil)

// Identity exposes the browser session as an auth refresher.
type Identity struct {
	b *Browser
}

// Identity returns the refresher for this browser session.
func (b *Browser) Identity() *Identity {
	return &Identity{b: b}
}

// Refresh discards the current clearance and re-acquires it: clear cookies,
// reload the service page, and give the challenge script time to settle.
// Refreshes are serialized; overlapping callers each get a full refresh in
// turn rather than racing on shared cookie state.
func (i *Identity) Refresh(ctx context.Context) error {
	b := i.b
	b.mu.Lock()
	defer b.mu.Unlock()

	b.log.Info("browser: refreshing identity", "url", b.url)
	err := b.run(ctx,
		chromedp.ActionFunc(func(cctx context.Context) error {
			return network.ClearBrowserCookies().Do(cctx)
		}),
		chromedp.Navigate(b.url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(i.b.settle),
	)
	if err != nil {
		return fmt.Errorf("browser: refresh identity: %w", err)
	}
	return nil
}
