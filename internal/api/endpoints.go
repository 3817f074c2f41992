package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"os"

	"github.com/valyala/fasthttp"

	"github.com/pelusa-v/pelusa-inbox/internal/chat"
)

func (c *Client) Conversations(ctx context.Context) ([]chat.ConversationSummary, error) {
	var out []chat.ConversationSummary
	if err := c.getJSON(ctx, "/conversations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StartConversation creates a conversation with req.ToUserID, or points at
// the existing one.
func (c *Client) StartConversation(ctx context.Context, req chat.StartRequest) (chat.StartResult, error) {
	var out chat.StartResult
	err := c.sendJSON(ctx, fasthttp.MethodPost, "/conversations/start", req, &out)
	return out, err
}

func (c *Client) Conversation(ctx context.Context, id string) (chat.Conversation, error) {
	var out chat.Conversation
	err := c.getJSON(ctx, "/conversations/"+url.PathEscape(id), &out)
	return out, err
}

func (c *Client) Messages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	var out []chat.Message
	if err := c.getJSON(ctx, "/conversations/"+url.PathEscape(conversationID)+"/messages", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, fasthttp.MethodPatch, "/conversations/"+url.PathEscape(conversationID)+"/read", "", nil, nil)
}

func (c *Client) MarkMessageRead(ctx context.Context, messageID string) error {
	return c.do(ctx, fasthttp.MethodPatch, "/messages/"+url.PathEscape(messageID)+"/read", "", nil, nil)
}

// SendMessage submits out as multipart form data. Local attachments are
// read from disk; attachments that already carry a URL are skipped.
func (c *Client) SendMessage(ctx context.Context, out chat.Outgoing) (chat.Message, error) {
	body, contentType, err := encodeOutgoing(out)
	if err != nil {
		return chat.Message{}, fmt.Errorf("encode message: %w", err)
	}
	var msg chat.Message
	if err := c.do(ctx, fasthttp.MethodPost, "/messages", contentType, body, &msg); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

func encodeOutgoing(out chat.Outgoing) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"conversationId", out.ConversationID},
		{"text", out.Text},
		{"receiverId", string(out.Receiver)},
		{"clientId", out.ClientID},
	}
	for _, f := range fields {
		if f[1] == "" && f[0] != "text" {
			continue
		}
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}

	for _, a := range out.Attachments {
		if !a.IsLocal() {
			continue
		}
		if err := writeFile(w, a); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func writeFile(w *multipart.Writer, a chat.Attachment) error {
	f, err := os.Open(a.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachments"; filename=%q`, a.FileName))
	h.Set("Content-Type", a.MimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}
