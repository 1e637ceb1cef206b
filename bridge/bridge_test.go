package bridge_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jjasinski/backchannel"
	"github.com/jjasinski/backchannel/bridge"
	"github.com/jjasinski/backchannel/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tokenPattern = regexp.MustCompile(`__bcFetch\("([^"]+)"`)

// lastToken extracts the request token from the most recent fetch script.
func lastToken(t *testing.T, page *mock.Page) string {
	t.Helper()
	scripts := page.Scripts()
	require.NotEmpty(t, scripts)
	m := tokenPattern.FindStringSubmatch(scripts[len(scripts)-1])
	require.NotNil(t, m, "no fetch script recorded")
	return m[1]
}

// relay posts one relay envelope back through the page binding.
func relay(t *testing.T, page *mock.Page, msg map[string]any) {
	t.Helper()
	binding := page.Binding()
	require.NotNil(t, binding)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	binding(string(raw))
}

// waitScripts blocks until the page has evaluated at least n scripts.
func waitScripts(t *testing.T, page *mock.Page, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return page.ScriptCount() >= n }, time.Second, time.Millisecond)
}

// sendAsync starts Send on a goroutine and returns a channel with the result.
func sendAsync(b *bridge.Bridge, req backchannel.Request) chan sendResult {
	ch := make(chan sendResult, 1)
	go func() {
		resp, err := b.Send(context.Background(), req)
		ch <- sendResult{resp, err}
	}()
	return ch
}

type sendResult struct {
	resp *backchannel.Response
	err  error
}

func TestSend_ResolvesOnMetaBeforeBodyCompletes(t *testing.T) {
	t.Parallel()
	page := &mock.Page{}
	b := bridge.New(page)

	done := sendAsync(b, backchannel.Request{Method: "POST", URL: "https://svc/api"})

	// Wait for the fetch script to land, then relay meta only.
	waitScripts(t, page, 2)
	token := lastToken(t, page)
	relay(t, page, map[string]any{
		"token": token, "kind": "meta", "status": 200,
		"headers": map[string]string{"Content-Type": "text/plain"},
	})

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 200, res.resp.StatusCode)
	assert.Equal(t, "text/plain", res.resp.Header("content-type"))

	// Body arrives after the response object resolved.
	relay(t, page, map[string]any{"token": token, "kind": "chunk", "data": "hel"})
	relay(t, page, map[string]any{"token": token, "kind": "chunk", "data": "lo"})
	relay(t, page, map[string]any{"token": token, "kind": "end"})

	body, err := io.ReadAll(res.resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	require.NoError(t, res.resp.Body.Close())
}

func TestSend_RelayErrorBeforeMeta(t *testing.T) {
	t.Parallel()
	page := &mock.Page{}
	b := bridge.New(page)

	done := sendAsync(b, backchannel.Request{Method: "GET", URL: "https://svc/api"})

	waitScripts(t, page, 2)
	relay(t, page, map[string]any{"token": lastToken(t, page), "kind": "error", "error": "TypeError: Failed to fetch"})

	res := <-done
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "Failed to fetch")
	assert.Nil(t, res.resp)
}

func TestSend_RelayErrorMidBody(t *testing.T) {
	t.Parallel()
	page := &mock.Page{}
	b := bridge.New(page)

	done := sendAsync(b, backchannel.Request{Method: "GET", URL: "https://svc/api"})

	waitScripts(t, page, 2)
	token := lastToken(t, page)
	relay(t, page, map[string]any{"token": token, "kind": "meta", "status": 200})
	res := <-done
	require.NoError(t, res.err)

	relay(t, page, map[string]any{"token": token, "kind": "chunk", "data": "partial"})
	relay(t, page, map[string]any{"token": token, "kind": "error", "error": "connection reset"})

	body, err := io.ReadAll(res.resp.Body)
	assert.Equal(t, "partial", string(body), "buffered bytes drain before the error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestSend_BodyEncodedAsBase64(t *testing.T) {
	t.Parallel()
	page := &mock.Page{}
	b := bridge.New(page)

	done := sendAsync(b, backchannel.Request{
		Method: "PUT",
		URL:    "https://svc/upload",
		Body:   []byte{0x00, 0xff, 0x10},
	})

	waitScripts(t, page, 2)
	encoded := base64.StdEncoding.EncodeToString([]byte{0x00, 0xff, 0x10})
	scripts := page.Scripts()
	assert.Contains(t, scripts[len(scripts)-1], encoded)

	token := lastToken(t, page)
	relay(t, page, map[string]any{"token": token, "kind": "meta", "status": 200})
	res := <-done
	require.NoError(t, res.err)
	relay(t, page, map[string]any{"token": token, "kind": "end"})
	res.resp.Body.Close()
}

func TestSend_CancellationDeregistersToken(t *testing.T) {
	t.Parallel()
	page := &mock.Page{}
	b := bridge.New(page)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Send(ctx, backchannel.Request{Method: "GET", URL: "https://svc/api"})
		done <- err
	}()

	waitScripts(t, page, 2)
	token := lastToken(t, page)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// Late relay traffic for the deregistered token is discarded, not routed.
	relay(t, page, map[string]any{"token": token, "kind": "meta", "status": 200})
	relay(t, page, map[string]any{"token": token, "kind": "chunk", "data": "late"})
}

func TestSend_CloseDeregistersToken(t *testing.T) {
	t.Parallel()
	page := &mock.Page{}
	b := bridge.New(page)

	done := sendAsync(b, backchannel.Request{Method: "GET", URL: "https://svc/api"})
	waitScripts(t, page, 2)
	token := lastToken(t, page)
	relay(t, page, map[string]any{"token": token, "kind": "meta", "status": 200})
	res := <-done
	require.NoError(t, res.err)

	require.NoError(t, res.resp.Body.Close())
	_, err := res.resp.Body.Read(make([]byte, 1))
	assert.ErrorIs(t, err, backchannel.ErrStreamClosed)

	relay(t, page, map[string]any{"token": token, "kind": "chunk", "data": "late"})
}

func TestSend_InstallsRelayOnce(t *testing.T) {
	t.Parallel()
	page := &mock.Page{}
	b := bridge.New(page)

	for i := 0; i < 3; i++ {
		done := sendAsync(b, backchannel.Request{Method: "GET", URL: "https://svc/api"})
		waitScripts(t, page, i+2)
		token := lastToken(t, page)
		relay(t, page, map[string]any{"token": token, "kind": "meta", "status": 200})
		res := <-done
		require.NoError(t, res.err)
		relay(t, page, map[string]any{"token": token, "kind": "end"})
		res.resp.Body.Close()
	}

	installs := 0
	for _, s := range page.Scripts() {
		if strings.Contains(s, "relay already installed") {
			installs++
		}
	}
	assert.Equal(t, 1, installs, "relay script evaluated exactly once")
}

func TestSend_ConcurrentFirstUseSerializesInstall(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	installs := 0
	page := &mock.Page{}
	page.EvaluateFn = func(ctx context.Context, script string, out any) error {
		if strings.Contains(script, "relay already installed") {
			mu.Lock()
			installs++
			mu.Unlock()
			time.Sleep(10 * time.Millisecond) // widen the install window
		}
		return nil
	}
	b := bridge.New(page)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			// No relay traffic; each Send times out waiting for meta.
			b.Send(ctx, backchannel.Request{Method: "GET", URL: fmt.Sprintf("https://svc/%d", i)}) //nolint:errcheck
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, installs, "concurrent first uses share one installation")
}

func TestSend_DoubleInstallRaceIsBenign(t *testing.T) {
	t.Parallel()
	page := &mock.Page{}
	page.EvaluateFn = func(ctx context.Context, script string, out any) error {
		if strings.Contains(script, "relay already installed") {
			// Another context already holds the relay.
			return errors.New("Uncaught Error: relay already installed")
		}
		return nil
	}
	b := bridge.New(page)

	done := sendAsync(b, backchannel.Request{Method: "GET", URL: "https://svc/api"})
	waitScripts(t, page, 2)
	token := lastToken(t, page)
	relay(t, page, map[string]any{"token": token, "kind": "meta", "status": 200})
	res := <-done
	require.NoError(t, res.err, "the double-install signature is treated as benign")
	relay(t, page, map[string]any{"token": token, "kind": "end"})
	res.resp.Body.Close()
}

func TestSend_ReinstallsRelayAfterNavigation(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	wiped := false
	bindings := 0
	page := &mock.Page{}
	page.ExposeBindingFn = func(ctx context.Context, name string, fn func(payload string)) error {
		mu.Lock()
		bindings++
		mu.Unlock()
		return nil
	}
	page.EvaluateFn = func(ctx context.Context, script string, out any) error {
		mu.Lock()
		defer mu.Unlock()
		if strings.Contains(script, "relay already installed") {
			wiped = false
			return nil
		}
		if wiped {
			return errors.New("TypeError: window.__bcFetch is not a function")
		}
		return nil
	}
	b := bridge.New(page)

	done := sendAsync(b, backchannel.Request{Method: "GET", URL: "https://svc/api"})
	waitScripts(t, page, 2)
	token := lastToken(t, page)
	relay(t, page, map[string]any{"token": token, "kind": "meta", "status": 200})
	res := <-done
	require.NoError(t, res.err)
	relay(t, page, map[string]any{"token": token, "kind": "end"})
	res.resp.Body.Close()

	// An identity refresh navigates the page, taking the relay with it.
	mu.Lock()
	wiped = true
	mu.Unlock()

	// Failed fetch, reinstall, retried fetch.
	done = sendAsync(b, backchannel.Request{Method: "GET", URL: "https://svc/api"})
	waitScripts(t, page, 5)
	token = lastToken(t, page)
	relay(t, page, map[string]any{"token": token, "kind": "meta", "status": 200})
	res = <-done
	require.NoError(t, res.err)
	relay(t, page, map[string]any{"token": token, "kind": "end"})
	res.resp.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, bindings, "host-side binding survives navigation and is never re-registered")
}

func TestSend_InstallFailureIsFatal(t *testing.T) {
	t.Parallel()
	page := &mock.Page{}
	page.ExposeBindingFn = func(ctx context.Context, name string, fn func(payload string)) error {
		return errors.New("target crashed")
	}
	b := bridge.New(page)

	_, err := b.Send(context.Background(), backchannel.Request{Method: "GET", URL: "https://svc/api"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target crashed")
}
