package chat

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/jjasinski/backchannel"
	"github.com/tidwall/gjson"
)

// Caller-visible notices synthesized on recovered failures.
const (
	tosNotice          = "This request was rejected by the service's usage policy."
	retryNotice        = "Rate limit reached; identity refreshed. Retrying the turn."
	refreshFailMessage = "Rate limit reached and identity refresh failed."
)

// maxErrorBody bounds how much of a failed response is read for probing.
const maxErrorBody = 64 << 10

// SendTurn appends msg to the session and drives one turn: build the wire
// payload, send it through the browser identity, and return the decoded
// event stream. The stream is lazy, finite and non-restartable; it always
// ends in a terminal CodeFinish event unless the transport itself fails.
// A terminal payload of "retry" instructs the caller to re-invoke the turn.
//
// The session's assistant placeholder is exclusively owned by the returned
// stream until it is drained or closed.
func (c *Client) SendTurn(ctx context.Context, s *backchannel.Session, msg backchannel.DisplayMessage) (backchannel.TurnStream, error) {
	if err := s.AppendMessage(ctx, msg, c); err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}

	method, url := http.MethodPost, c.baseURL+createPath
	if s.Exists {
		url = appendURL(c.baseURL, s.ID)
	}
	return c.startTurn(ctx, s, method, url)
}

// RetryTurn re-runs the session's active turn after a failure. It removes
// the stale placeholder from the wire graph first: the service's retry
// endpoint expects the errored assistant entry absent from history.
func (c *Client) RetryTurn(ctx context.Context, s *backchannel.Session) (backchannel.TurnStream, error) {
	if !s.Exists {
		return nil, fmt.Errorf("chat: retry before session exists: %w", backchannel.ErrNoActiveTurn)
	}
	if err := s.BeginRetry(); err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}
	return c.startTurn(ctx, s, http.MethodPut, retryURL(c.baseURL, s.ID, s.AssistantID))
}

func (c *Client) startTurn(ctx context.Context, s *backchannel.Session, method, url string) (backchannel.TurnStream, error) {
	body, err := c.buildPayload(s)
	if err != nil {
		return nil, fmt.Errorf("chat: encode payload: %w", err)
	}

	resp, err := c.transport.Send(ctx, backchannel.Request{
		Method:  method,
		URL:     url,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	})
	if err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}

	if !resp.Success() {
		return c.recover(ctx, resp)
	}

	s.Exists = true
	target := s.WireMessageByID(s.AssistantID)
	if target == nil {
		// Delta protocol: the placeholder may not have been materialized
		// yet (retry removed it). Recreate it so streamed output has a
		// mutation target.
		target = &backchannel.WireMessage{
			ID:        s.AssistantID,
			Role:      backchannel.RoleAssistant,
			ParentIDs: []string{s.UserMessageID},
			Status:    backchannel.StatusPending,
		}
		s.Wire = append(s.Wire, target)
	}
	return newTurnStream(resp.Body, target, c.log), nil
}

// recover maps a non-success response onto a synthesized terminal event
// sequence, so callers always see a well-formed end-of-turn.
func (c *Client) recover(ctx context.Context, resp *backchannel.Response) (backchannel.TurnStream, error) {
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		c.log.Warn("chat: turn rejected by usage policy")
		return newSyntheticStream(
			backchannel.TurnEvent{Code: backchannel.CodeModerated, Data: tosNotice},
			backchannel.TurnEvent{Code: backchannel.CodeFinish, Data: backchannel.FinishError},
		), nil

	case resp.StatusCode == http.StatusTooManyRequests && resp.Header(rateLimitModalityHeader) == string(backchannel.ModalityImage):
		if c.refresher == nil {
			c.log.Warn("chat: image-modality throttle with no refresher configured")
			return newSyntheticStream(
				backchannel.TurnEvent{Code: backchannel.CodeText, Data: refreshFailMessage},
				backchannel.TurnEvent{Code: backchannel.CodeFinish, Data: backchannel.FinishError},
			), nil
		}
		if err := c.refresh(ctx); err != nil {
			c.log.Warn("chat: identity refresh failed", "err", err)
			return newSyntheticStream(
				backchannel.TurnEvent{Code: backchannel.CodeText, Data: refreshFailMessage},
				backchannel.TurnEvent{Code: backchannel.CodeFinish, Data: backchannel.FinishError},
			), nil
		}
		c.log.Info("chat: identity refreshed after image-modality throttle")
		return newSyntheticStream(
			backchannel.TurnEvent{Code: backchannel.CodeText, Data: retryNotice},
			backchannel.TurnEvent{Code: backchannel.CodeFinish, Data: backchannel.FinishRetry},
		), nil

	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if msg := gjson.GetBytes(data, "error"); msg.Exists() {
			c.log.Warn("chat: turn failed", "status", resp.StatusCode, "error", msg.String())
			return newSyntheticStream(
				backchannel.TurnEvent{Code: backchannel.CodeText, Data: msg.String()},
				backchannel.TurnEvent{Code: backchannel.CodeFinish, Data: backchannel.FinishError},
			), nil
		}
		// No recognizable error shape. Still surface a terminal event
		// rather than dropping the turn on the floor.
		c.log.Warn("chat: turn failed without error body", "status", resp.StatusCode)
		return newSyntheticStream(
			backchannel.TurnEvent{Code: backchannel.CodeText, Data: fmt.Sprintf("Request failed with status %d.", resp.StatusCode)},
			backchannel.TurnEvent{Code: backchannel.CodeFinish, Data: backchannel.FinishError},
		), nil
	}
}
