// Package mock provides test doubles for the backchannel interfaces.
// Set the function fields for the methods a test needs; primary-path
// methods panic when their field is nil to catch missing setup, while
// cleanup-style methods are nil-safe no-ops.
package mock

import (
	"context"
	"sync"

	"github.com/jjasinski/backchannel"
)

// Interface compliance checks.
var (
	_ backchannel.Transport     = (*Transport)(nil)
	_ backchannel.TurnStream    = (*TurnStream)(nil)
	_ backchannel.Uploader      = (*Uploader)(nil)
	_ backchannel.AuthRefresher = (*Refresher)(nil)
)

// Transport is a test double for backchannel.Transport.
type Transport struct {
	SendFn func(ctx context.Context, req backchannel.Request) (*backchannel.Response, error)

	// Requests records every request passed to Send, in order. Safe to
	// read once all senders have finished.
	Requests []backchannel.Request

	mu sync.Mutex
}

// Send records req and delegates to SendFn.
func (t *Transport) Send(ctx context.Context, req backchannel.Request) (*backchannel.Response, error) {
	t.mu.Lock()
	t.Requests = append(t.Requests, req)
	t.mu.Unlock()
	return t.SendFn(ctx, req)
}

// TurnStream is a test double for backchannel.TurnStream.
type TurnStream struct {
	NextFn  func() (backchannel.TurnEvent, error)
	CloseFn func() error
}

// Next delegates to NextFn.
func (s *TurnStream) Next() (backchannel.TurnEvent, error) {
	return s.NextFn()
}

// Close delegates to CloseFn. Returns nil when CloseFn is not set.
func (s *TurnStream) Close() error {
	if s.CloseFn == nil {
		return nil
	}
	return s.CloseFn()
}

// Uploader is a test double for backchannel.Uploader.
type Uploader struct {
	UploadFn func(ctx context.Context, att *backchannel.Attachment) (string, error)
}

// Upload delegates to UploadFn.
func (u *Uploader) Upload(ctx context.Context, att *backchannel.Attachment) (string, error) {
	return u.UploadFn(ctx, att)
}

// Refresher is a test double for backchannel.AuthRefresher.
type Refresher struct {
	RefreshFn func(ctx context.Context) error

	// Calls counts Refresh invocations.
	Calls int
}

// Refresh counts the call and delegates to RefreshFn. Returns nil when
// RefreshFn is not set.
func (r *Refresher) Refresh(ctx context.Context) error {
	r.Calls++
	if r.RefreshFn == nil {
		return nil
	}
	return r.RefreshFn(ctx)
}
