package chat

import (
	"encoding/json"

	"github.com/jjasinski/backchannel"
)

// buildPayload projects the session's active turn into the wire body for the
// client's protocol version. Payload construction is the only thing the
// protocol switch parameterizes; orchestration and decoding are shared.
func (c *Client) buildPayload(s *backchannel.Session) ([]byte, error) {
	switch c.protocol {
	case ProtocolLegacy:
		return json.Marshal(legacyPayload{
			ID:             s.ID,
			Mode:           string(s.Modality),
			ModelID:        s.Model.ID,
			UserMessageID:  s.UserMessageID,
			ModelMessageID: s.AssistantID,
			Messages:       projectWire(s.Wire),
			Modality:       string(s.Modality),
		})
	default:
		return json.Marshal(deltaPayload{
			SessionID:          s.ID,
			ModelID:            s.Model.ID,
			UserMessageID:      s.UserMessageID,
			AssistantMessageID: s.AssistantID,
			Message:            projectMessage(s.WireMessageByID(s.UserMessageID)),
			Modality:           string(s.Modality),
		})
	}
}

func projectWire(msgs []*backchannel.WireMessage) []wireMessage {
	out := make([]wireMessage, len(msgs))
	for i, m := range msgs {
		out[i] = projectMessage(m)
	}
	return out
}

func projectMessage(m *backchannel.WireMessage) wireMessage {
	if m == nil {
		return wireMessage{}
	}
	atts := make([]wireAttachment, len(m.Attachments))
	for i, a := range m.Attachments {
		atts[i] = wireAttachment{ContentType: a.ContentType, Name: a.Name, URL: a.URL}
	}
	parents := m.ParentIDs
	if parents == nil {
		parents = []string{}
	}
	return wireMessage{
		ID:          m.ID,
		Role:        string(m.Role),
		Content:     m.Content,
		Attachments: atts,
		ParentIDs:   parents,
		Status:      string(m.Status),
	}
}
