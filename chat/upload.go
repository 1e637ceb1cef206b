package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jjasinski/backchannel"
	"github.com/jjasinski/backchannel/deref"
)

// Upload resolves a pending attachment to a hosted URL via the service's
// two-step handshake: request a short-lived upload target, PUT the raw
// bytes, then request a signed retrieval URL for the uploaded key.
func (c *Client) Upload(ctx context.Context, att *backchannel.Attachment) (string, error) {
	if att.Hosted() {
		return att.URL, nil
	}

	grant, err := c.callAction(ctx, actionUploadFile, map[string]any{
		"fileName":    att.Name,
		"contentType": att.ContentType,
	})
	if err != nil {
		return "", fmt.Errorf("chat: request upload target: %w", err)
	}
	if ok, _ := field(grant, "success").(bool); !ok {
		return "", fmt.Errorf("chat: upload target refused for %q", att.Name)
	}
	uploadURL, _ := field(grant, "data", "uploadUrl").(string)
	key, _ := field(grant, "data", "key").(string)
	if uploadURL == "" || key == "" {
		return "", fmt.Errorf("chat: malformed upload grant for %q", att.Name)
	}

	data, err := c.attachmentBytes(att)
	if err != nil {
		return "", err
	}
	resp, err := c.transport.Send(ctx, backchannel.Request{
		Method:  http.MethodPut,
		URL:     uploadURL,
		Headers: map[string]string{"Content-Type": att.ContentType},
		Body:    data,
	})
	if err != nil {
		return "", fmt.Errorf("chat: upload %q: %w", att.Name, err)
	}
	resp.Body.Close()
	if !resp.Success() {
		return "", fmt.Errorf("chat: upload %q: status %d", att.Name, resp.StatusCode)
	}

	signed, err := c.callAction(ctx, actionGetSignedURL, map[string]any{"key": key})
	if err != nil {
		return "", fmt.Errorf("chat: sign uploaded key: %w", err)
	}
	url, _ := field(signed, "data", "url").(string)
	if url == "" {
		return "", fmt.Errorf("chat: no signed url for key %q", key)
	}
	att.URL = url
	return url, nil
}

// attachmentBytes returns the attachment's raw content. Large files read
// from disk through a progress-logging reader.
func (c *Client) attachmentBytes(att *backchannel.Attachment) ([]byte, error) {
	if len(att.Data) > 0 {
		return att.Data, nil
	}
	f, err := os.Open(att.Path)
	if err != nil {
		return nil, fmt.Errorf("chat: open attachment: %w", err)
	}
	defer f.Close()
	return io.ReadAll(newProgressReader(f, att.Name, att.Size, c.log))
}

// callAction invokes a discovered server action and decodes its
// reference-linked response payload.
func (c *Client) callAction(ctx context.Context, marker string, args any) (any, error) {
	if c.resolver == nil {
		return nil, fmt.Errorf("no action resolver configured")
	}
	id, err := c.resolver.ActionID(ctx, marker)
	if err != nil {
		return nil, err
	}

	body, err := encodeActionArgs(args)
	if err != nil {
		return nil, err
	}
	resp, err := c.transport.Send(ctx, backchannel.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + "/",
		Headers: map[string]string{
			"Next-Action":  id,
			"Content-Type": "text/plain;charset=UTF-8",
		},
		Body: body,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if !resp.Success() {
		return nil, fmt.Errorf("action %q: status %d", marker, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return deref.Decode(raw)
}

// encodeActionArgs wraps args in the positional-argument array the action
// endpoint expects.
func encodeActionArgs(args any) ([]byte, error) {
	return json.Marshal([]any{args})
}

// field walks nested maps by key, returning nil when any step is absent.
func field(v any, path ...string) any {
	for _, key := range path {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = m[key]
	}
	return v
}

// progressReader logs upload progress for large files at a sampled interval.
type progressReader struct {
	r     io.Reader
	name  string
	total int64
	read  int64
	last  time.Time
	log   *slog.Logger
}

func newProgressReader(r io.Reader, name string, total int64, log *slog.Logger) *progressReader {
	return &progressReader{r: r, name: name, total: total, log: log}
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.read += int64(n)
	if now := time.Now(); now.Sub(p.last) >= time.Second {
		p.last = now
		p.log.Debug("chat: uploading", "name", p.name, "read", p.read, "total", p.total)
	}
	return n, err
}
