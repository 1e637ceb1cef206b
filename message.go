package backchannel

// MessageStatus is the lifecycle state of a wire message. A placeholder
// starts pending and is promoted to success by a normal end-of-turn; an
// errored turn leaves it pending.
type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSuccess MessageStatus = "success"
)

// DisplayMessage is one entry in a session's history as shown to the caller.
// It is never sent to the remote service directly; AppendMessage projects it
// into the wire graph.
type DisplayMessage struct {
	ID          string
	Role        Role
	Content     string
	Attachments []Attachment
}

// WireMessage is one node in the parent-linked graph actually transmitted to
// the remote service. Content is mutable: streamed tokens append to the
// active placeholder's Content for the duration of a turn.
type WireMessage struct {
	ID          string
	Role        Role
	Content     string
	Attachments []Attachment
	ParentIDs   []string
	Status      MessageStatus
}

// Attachment is either already hosted (URL set) or pending upload (Data, or
// Path+Size for large files streamed from disk). A WireMessage never carries
// raw bytes; pending attachments must be resolved to URLs before append.
type Attachment struct {
	ContentType string
	Name        string
	URL         string

	// Pending-upload sources. Data wins when both are set.
	Data []byte
	Path string
	Size int64
}

// Hosted reports whether the attachment has been resolved to a remote URL.
func (a Attachment) Hosted() bool { return a.URL != "" }
