package mock

import (
	"context"
	"sync"
)

// Page is a test double for bridge.Page. It records evaluated scripts and
// the exposed binding so tests can relay messages back to the bridge by
// invoking Binding() directly. Safe for concurrent use: bridge tests drive
// it from multiple goroutines.
type Page struct {
	EvaluateFn      func(ctx context.Context, script string, out any) error
	ExposeBindingFn func(ctx context.Context, name string, fn func(payload string)) error

	mu      sync.Mutex
	scripts []string
	binding func(payload string)
}

// Evaluate records the script and delegates to EvaluateFn. Returns nil when
// EvaluateFn is not set.
func (p *Page) Evaluate(ctx context.Context, script string, out any) error {
	p.mu.Lock()
	p.scripts = append(p.scripts, script)
	p.mu.Unlock()
	if p.EvaluateFn == nil {
		return nil
	}
	return p.EvaluateFn(ctx, script, out)
}

// ExposeBinding records fn and delegates to ExposeBindingFn. Returns nil
// when ExposeBindingFn is not set.
func (p *Page) ExposeBinding(ctx context.Context, name string, fn func(payload string)) error {
	p.mu.Lock()
	p.binding = fn
	p.mu.Unlock()
	if p.ExposeBindingFn == nil {
		return nil
	}
	return p.ExposeBindingFn(ctx, name, fn)
}

// Scripts returns a copy of every script passed to Evaluate, in order.
func (p *Page) Scripts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.scripts))
	copy(out, p.scripts)
	return out
}

// ScriptCount returns the number of scripts evaluated so far.
func (p *Page) ScriptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.scripts)
}

// Binding returns the most recently exposed binding function, or nil.
func (p *Page) Binding() func(payload string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.binding
}
