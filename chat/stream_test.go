package chat_test

import (
	"context"
	"io"
	"testing"

	"github.com/jjasinski/backchannel"
	"github.com/jjasinski/backchannel/chat"
	"github.com/jjasinski/backchannel/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader feeds its chunks one Read at a time, simulating network
// fragmentation, then EOF.
type chunkReader struct {
	chunks []string
	pos    int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.chunks) {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[r.pos])
	r.pos++
	return n, nil
}

func (r *chunkReader) Close() error { return nil }

// streamingClient returns a client whose transport answers every turn
// request with status 200 and the given body chunks.
func streamingClient(chunks ...string) (*chat.Client, *mock.Transport) {
	tr := &mock.Transport{
		SendFn: func(ctx context.Context, req backchannel.Request) (*backchannel.Response, error) {
			return &backchannel.Response{StatusCode: 200, Body: &chunkReader{chunks: chunks}}, nil
		},
	}
	return chat.New(tr, "https://svc"), tr
}

func startTurn(t *testing.T, c *chat.Client, s *backchannel.Session) backchannel.TurnStream {
	t.Helper()
	stream, err := c.SendTurn(context.Background(), s, backchannel.DisplayMessage{
		Role:    backchannel.RoleUser,
		Content: "hi",
	})
	require.NoError(t, err)
	t.Cleanup(func() { stream.Close() })
	return stream
}

func collectEvents(t *testing.T, s backchannel.TurnStream) []backchannel.TurnEvent {
	t.Helper()
	var events []backchannel.TurnEvent
	for {
		evt, err := s.Next()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, evt)
	}
}

func TestStream_TextTurn(t *testing.T) {
	t.Parallel()
	c, _ := streamingClient("a0:\"Hello\"\na0:\" world\"\nad:\"success\"\n")
	s := backchannel.NewSession(backchannel.ModelRef{ID: "m-1"}, backchannel.ModalityChat)

	events := collectEvents(t, startTurn(t, c, s))

	require.Len(t, events, 3)
	assert.Equal(t, backchannel.TurnEvent{Code: "a0", Data: "Hello"}, events[0])
	assert.Equal(t, backchannel.TurnEvent{Code: "a0", Data: " world"}, events[1])
	assert.Equal(t, backchannel.TurnEvent{Code: "ad", Data: "success"}, events[2])

	placeholder := s.WireMessageByID(s.AssistantID)
	require.NotNil(t, placeholder)
	assert.Equal(t, "Hello world", placeholder.Content)
	assert.Equal(t, backchannel.StatusSuccess, placeholder.Status)
}

func TestStream_RecordSplitAcrossChunks(t *testing.T) {
	t.Parallel()
	// One logical record arriving in two reads must yield exactly one event.
	c, _ := streamingClient("a0:\"hel", "lo\"\n", "ad:\"done\"\n")
	s := backchannel.NewSession(backchannel.ModelRef{ID: "m-1"}, backchannel.ModalityChat)

	events := collectEvents(t, startTurn(t, c, s))

	require.Len(t, events, 2)
	assert.Equal(t, backchannel.TurnEvent{Code: "a0", Data: "hello"}, events[0])
	assert.Equal(t, backchannel.TurnEvent{Code: "ad", Data: "done"}, events[1])
}

func TestStream_TrailingRecordWithoutNewline(t *testing.T) {
	t.Parallel()
	c, _ := streamingClient("a0:\"hi\"\nad:\"done\"")
	s := backchannel.NewSession(backchannel.ModelRef{ID: "m-1"}, backchannel.ModalityChat)

	events := collectEvents(t, startTurn(t, c, s))

	require.Len(t, events, 2)
	assert.Equal(t, backchannel.TurnEvent{Code: "ad", Data: "done"}, events[1])
}

func TestStream_DropsShortAndMalformedRecords(t *testing.T) {
	t.Parallel()
	c, _ := streamingClient("ab\n\na0:{broken\na0:\"kept\"\nad:\"success\"\n")
	s := backchannel.NewSession(backchannel.ModelRef{ID: "m-1"}, backchannel.ModalityChat)

	events := collectEvents(t, startTurn(t, c, s))

	require.Len(t, events, 2)
	assert.Equal(t, backchannel.TurnEvent{Code: "a0", Data: "kept"}, events[0])
}

func TestStream_ModeratedAppendsAndForwards(t *testing.T) {
	t.Parallel()
	c, _ := streamingClient("c0:\"flagged content\"\nad:\"success\"\n")
	s := backchannel.NewSession(backchannel.ModelRef{ID: "m-1"}, backchannel.ModalityChat)

	events := collectEvents(t, startTurn(t, c, s))

	require.Len(t, events, 2)
	assert.Equal(t, backchannel.CodeModerated, events[0].Code)
	assert.Equal(t, "flagged content", s.WireMessageByID(s.AssistantID).Content)
}

func TestStream_MediaAttachments(t *testing.T) {
	t.Parallel()
	c, _ := streamingClient(
		`a2:[{"type":"image","image":"https://img/1.png","mimeType":"image/png","name":"sunset"},` +
			`{"type":"image","image":"https://img/2.png","mimeType":"image/png"},` +
			`{"type":"text","text":"ignored"}]` + "\nad:\"success\"\n")
	s := backchannel.NewSession(backchannel.ModelRef{ID: "m-1"}, backchannel.ModalityImage)

	events := collectEvents(t, startTurn(t, c, s))
	require.Len(t, events, 2)
	assert.Equal(t, backchannel.CodeMedia, events[0].Code)

	atts := s.WireMessageByID(s.AssistantID).Attachments
	require.Len(t, atts, 2)
	assert.Equal(t, backchannel.Attachment{ContentType: "image/png", Name: "sunset", URL: "https://img/1.png"}, atts[0])
	assert.Equal(t, "image", atts[1].Name, "missing name defaults to image")
}

func TestStream_ProviderErrorForwardedWithoutMutation(t *testing.T) {
	t.Parallel()
	c, _ := streamingClient(`a3:{"code":"upstream_unavailable"}` + "\nad:\"err\"\n")
	s := backchannel.NewSession(backchannel.ModelRef{ID: "m-1"}, backchannel.ModalityChat)

	events := collectEvents(t, startTurn(t, c, s))

	require.Len(t, events, 2)
	assert.Equal(t, backchannel.CodeProviderError, events[0].Code)
	placeholder := s.WireMessageByID(s.AssistantID)
	assert.Empty(t, placeholder.Content)
	assert.Equal(t, backchannel.StatusPending, placeholder.Status, "errored turn leaves the placeholder pending")
}

func TestStream_RetryFinishLeavesPlaceholderPending(t *testing.T) {
	t.Parallel()
	c, _ := streamingClient("a0:\"partial\"\nad:\"retry\"\n")
	s := backchannel.NewSession(backchannel.ModelRef{ID: "m-1"}, backchannel.ModalityChat)

	events := collectEvents(t, startTurn(t, c, s))

	require.Len(t, events, 2)
	assert.Equal(t, "retry", events[1].FinishData())
	assert.Equal(t, backchannel.StatusPending, s.WireMessageByID(s.AssistantID).Status)
}

func TestStream_UnrecognizedCodesPassThrough(t *testing.T) {
	t.Parallel()
	c, _ := streamingClient(`zz:{"kind":"novel"}` + "\nad:\"success\"\n")
	s := backchannel.NewSession(backchannel.ModelRef{ID: "m-1"}, backchannel.ModalityChat)

	events := collectEvents(t, startTurn(t, c, s))

	require.Len(t, events, 2)
	assert.Equal(t, "zz", events[0].Code)
	assert.Equal(t, map[string]any{"kind": "novel"}, events[0].Data)
}

func TestStream_CloseThenNext(t *testing.T) {
	t.Parallel()
	c, _ := streamingClient("a0:\"hi\"\nad:\"success\"\n")
	s := backchannel.NewSession(backchannel.ModelRef{ID: "m-1"}, backchannel.ModalityChat)

	stream := startTurn(t, c, s)
	require.NoError(t, stream.Close())
	_, err := stream.Next()
	assert.ErrorIs(t, err, backchannel.ErrStreamClosed)
}

func TestStream_StopsAfterTerminalEvent(t *testing.T) {
	t.Parallel()
	c, _ := streamingClient("ad:\"success\"\na0:\"after the end\"\n")
	s := backchannel.NewSession(backchannel.ModelRef{ID: "m-1"}, backchannel.ModalityChat)

	events := collectEvents(t, startTurn(t, c, s))

	require.Len(t, events, 1)
	assert.True(t, events[0].Terminal())
}
