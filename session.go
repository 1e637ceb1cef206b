package backchannel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Modality selects the remote generation mode for a session.
type Modality string

const (
	ModalityChat  Modality = "chat"
	ModalityImage Modality = "image"
)

// ModelRef identifies a remote model.
type ModelRef struct {
	ID   string
	Slug string
}

// Session represents one logical conversation with the remote service.
//
// Messages is the display history kept for the caller; Wire is the
// parent-linked message graph projected to the remote service. The two are
// appended in lockstep by AppendMessage but diverge on retry: BeginRetry
// removes the stale placeholder from Wire without touching Messages.
//
// A Session is not safe for concurrent use. Turns within one session are
// strictly sequential; drive independent sessions from separate goroutines
// if concurrency is needed.
type Session struct {
	ID       string
	Model    ModelRef
	Modality Modality

	// Exists flips true exactly once, when the remote service first
	// acknowledges the session. It selects the create vs. append endpoint.
	Exists bool

	Messages []DisplayMessage
	Wire     []*WireMessage

	// Active-turn bookkeeping: the last user message and its paired
	// assistant placeholder.
	UserMessageID string
	AssistantID   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewSession creates a fresh session for the given model and modality.
// The identifier is new and Exists is false, so the first turn goes to the
// create endpoint.
func NewSession(model ModelRef, modality Modality) *Session {
	now := time.Now()
	return &Session{
		ID:        uuid.NewString(),
		Model:     model,
		Modality:  modality,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AppendMessage appends msg to the display history and projects it into the
// wire graph, parent-linked to the previous wire message. Pending attachments
// are resolved to hosted URLs through up first; up may be nil when every
// attachment is already hosted.
//
// For user messages it also appends the paired assistant placeholder
// (status pending, parented to the user message) and updates the active-turn
// identifiers. The placeholder is the mutation target for streamed output.
func (s *Session) AppendMessage(ctx context.Context, msg DisplayMessage, up Uploader) error {
	if err := ValidateMessage(msg); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Attachments == nil {
		msg.Attachments = []Attachment{}
	}
	for i := range msg.Attachments {
		if msg.Attachments[i].Hosted() {
			continue
		}
		if up == nil {
			return fmt.Errorf("attachment %q: %w", msg.Attachments[i].Name, ErrAttachmentNotHosted)
		}
		url, err := up.Upload(ctx, &msg.Attachments[i])
		if err != nil {
			return fmt.Errorf("resolve attachment %q: %w", msg.Attachments[i].Name, err)
		}
		msg.Attachments[i].URL = url
	}

	var parents []string
	if n := len(s.Wire); n > 0 {
		parents = []string{s.Wire[n-1].ID}
	}

	s.Messages = append(s.Messages, msg)
	s.Wire = append(s.Wire, &WireMessage{
		ID:          msg.ID,
		Role:        msg.Role,
		Content:     msg.Content,
		Attachments: msg.Attachments,
		ParentIDs:   parents,
		Status:      StatusPending,
	})

	if msg.Role == RoleUser {
		placeholder := &WireMessage{
			ID:        uuid.NewString(),
			Role:      RoleAssistant,
			ParentIDs: []string{msg.ID},
			Status:    StatusPending,
		}
		s.Wire = append(s.Wire, placeholder)
		s.UserMessageID = msg.ID
		s.AssistantID = placeholder.ID
	}
	s.UpdatedAt = time.Now()
	return nil
}

// BeginRetry removes the active assistant placeholder from the wire graph.
// The remote retry endpoint expects the errored turn's assistant entry absent
// from history. Display history is unchanged and the active-turn identifiers
// are kept: the retry request is keyed by the removed placeholder's id.
func (s *Session) BeginRetry() error {
	if s.AssistantID == "" {
		return ErrNoActiveTurn
	}
	for i, m := range s.Wire {
		if m.ID == s.AssistantID {
			s.Wire = append(s.Wire[:i], s.Wire[i+1:]...)
			s.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNoActiveTurn
}

// WireMessageByID returns the wire message with the given id, or nil.
func (s *Session) WireMessageByID(id string) *WireMessage {
	for _, m := range s.Wire {
		if m.ID == id {
			return m
		}
	}
	return nil
}
