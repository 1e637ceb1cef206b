// Package chat implements the conversation orchestrator for the remote
// evaluation service.
//
// The service exposes no public API, only the wire protocol its own web app
// speaks: JSON turn payloads posted to evaluation endpoints, answered with a
// line-oriented event stream of "<code>:<json>" records. Requests execute
// inside a privileged browser identity via [backchannel.Transport];
// auxiliary calls (uploads, model catalog) go through discovered server
// actions whose responses are reference-linked payloads decoded by the
// deref package.
package chat

import "fmt"

const (
	createPath = "/api/stream/create-evaluation"
	appendPath = "/api/stream/post-to-evaluation/%s"
	retryPath  = "/api/stream/retry-evaluation-message/%s/%s"

	// Server-action markers resolved against the app's script bundles.
	actionUploadFile   = "uploadFile"
	actionGetSignedURL = "getSignedUrl"
	actionListModels   = "listModels"

	// Response header distinguishing recoverable image-modality
	// throttling from hard rate-limit failure.
	rateLimitModalityHeader = "ratelimit-modality"
)

// Protocol selects the wire payload shape for turn requests.
type Protocol int

const (
	// ProtocolLegacy sends the entire wire-graph snapshot each turn.
	ProtocolLegacy Protocol = iota
	// ProtocolDelta sends only the triggering message and the turn's
	// identifiers; the service retains conversation state server-side.
	ProtocolDelta
)

// wireMessage is the JSON projection of a backchannel.WireMessage.
type wireMessage struct {
	ID          string           `json:"id"`
	Role        string           `json:"role"`
	Content     string           `json:"content"`
	Attachments []wireAttachment `json:"experimental_attachments"`
	ParentIDs   []string         `json:"parentMessageIds"`
	Status      string           `json:"status"`
}

type wireAttachment struct {
	ContentType string `json:"contentType"`
	Name        string `json:"name"`
	URL         string `json:"url"`
}

// legacyPayload is the full-history turn body (ProtocolLegacy).
type legacyPayload struct {
	ID             string        `json:"id"`
	Mode           string        `json:"mode"`
	ModelID        string        `json:"modelId"`
	UserMessageID  string        `json:"userMessageId"`
	ModelMessageID string        `json:"modelMessageId"`
	Messages       []wireMessage `json:"messages"`
	Modality       string        `json:"modality"`
}

// deltaPayload is the revised turn body (ProtocolDelta).
type deltaPayload struct {
	SessionID          string      `json:"sessionId"`
	ModelID            string      `json:"modelId"`
	UserMessageID      string      `json:"userMessageId"`
	AssistantMessageID string      `json:"assistantMessageId"`
	Message            wireMessage `json:"message"`
	Modality           string      `json:"modality"`
}

// mediaItem is one entry of a CodeMedia event payload.
type mediaItem struct {
	Type     string `json:"type"`
	Image    string `json:"image"`
	MimeType string `json:"mimeType"`
	Name     string `json:"name"`
}

func appendURL(base, sessionID string) string {
	return base + fmt.Sprintf(appendPath, sessionID)
}

func retryURL(base, sessionID, messageID string) string {
	return base + fmt.Sprintf(retryPath, sessionID, messageID)
}
