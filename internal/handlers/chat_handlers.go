package handlers

import (
	"errors"
	"io"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/pelusa-v/pelusa-inbox/internal/chat"
	"github.com/pelusa-v/pelusa-inbox/internal/hub"
)

const userKey = "user"

type Handlers struct {
	Hub *hub.Manager
}

func currentUser(c *fiber.Ctx) chat.UserID {
	u, _ := c.Locals(userKey).(chat.UserID)
	return u
}

// Auth accepts "Authorization: Bearer <user id>" or ?token=<user id>. Dev
// only: the token is the user id.
func (h *Handlers) Auth(c *fiber.Ctx) error {
	token := strings.TrimSpace(strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer "))
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing token")
	}
	if _, ok := h.Hub.User(chat.UserID(token)); !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unknown user")
	}
	// the socket keeps the id after fasthttp reuses the request buffer
	c.Locals(userKey, chat.UserID(utils.CopyString(token)))
	return c.Next()
}

// UpgradeHandler GET /api/ws (after Auth)
func (h *Handlers) UpgradeHandler(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return c.Next()
}

// SocketHandler serves the event socket.
func (h *Handlers) SocketHandler(c *websocket.Conn) {
	user, _ := c.Locals(userKey).(chat.UserID)
	h.Hub.NewClient(user, c).Serve()
}

// UsersHandler GET /api/users
func (h *Handlers) UsersHandler(c *fiber.Ctx) error {
	return c.JSON(h.Hub.ListUsers(currentUser(c)))
}

// ConversationsHandler GET /api/conversations
func (h *Handlers) ConversationsHandler(c *fiber.Ctx) error {
	return c.JSON(h.Hub.Conversations(currentUser(c)))
}

// StartConversationHandler POST /api/conversations/start
func (h *Handlers) StartConversationHandler(c *fiber.Ctx) error {
	var req chat.StartRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	res, err := h.Hub.StartConversation(currentUser(c), req)
	if err != nil {
		return err
	}
	if res.ExistingConversation {
		return c.JSON(res)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

// ConversationHandler GET /api/conversations/:id
func (h *Handlers) ConversationHandler(c *fiber.Ctx) error {
	conv, err := h.Hub.Conversation(currentUser(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(conv)
}

// MessagesHandler GET /api/conversations/:id/messages
func (h *Handlers) MessagesHandler(c *fiber.Ctx) error {
	msgs, err := h.Hub.Messages(currentUser(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(msgs)
}

// MarkConversationReadHandler PATCH /api/conversations/:id/read
func (h *Handlers) MarkConversationReadHandler(c *fiber.Ctx) error {
	if err := h.Hub.MarkConversationRead(currentUser(c), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// SendMessageHandler POST /api/messages (multipart)
func (h *Handlers) SendMessageHandler(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "expected multipart form")
	}
	in := hub.NewMessage{
		ConversationID: first(form.Value["conversationId"]),
		Receiver:       chat.UserID(first(form.Value["receiverId"])),
		Text:           first(form.Value["text"]),
		ClientID:       first(form.Value["clientId"]),
	}
	if in.ConversationID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "conversationId is required")
	}
	for _, fh := range form.File["attachments"] {
		f, err := fh.Open()
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "cannot read attachment")
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "cannot read attachment")
		}
		in.Uploads = append(in.Uploads, hub.Upload{FileName: fh.Filename, Data: data})
	}

	msg, err := h.Hub.PostMessage(currentUser(c), in)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

// MarkMessageReadHandler PATCH /api/messages/:id/read
func (h *Handlers) MarkMessageReadHandler(c *fiber.Ctx) error {
	if err := h.Hub.MarkMessageRead(currentUser(c), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// EditMessageHandler PATCH /api/messages/:id
func (h *Handlers) EditMessageHandler(c *fiber.Ctx) error {
	var body struct {
		Text string `json:"text"`
	}
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	msg, err := h.Hub.EditMessage(currentUser(c), c.Params("id"), body.Text)
	if err != nil {
		return err
	}
	return c.JSON(msg)
}

// FileHandler GET /files/:id
func (h *Handlers) FileHandler(c *fiber.Ctx) error {
	blob, ok := h.Hub.Files().Get(c.Params("id"))
	if !ok {
		return fiber.ErrNotFound
	}
	c.Set(fiber.HeaderContentType, blob.MimeType)
	c.Set(fiber.HeaderContentDisposition, `inline; filename="`+strings.ReplaceAll(blob.FileName, `"`, "")+`"`)
	return c.Send(blob.Data)
}

// ErrorHandler maps hub errors to statuses and answers {"error": ...}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, hub.ErrNotFound), errors.Is(err, hub.ErrUnknownUser):
		code = fiber.StatusNotFound
	case errors.Is(err, hub.ErrForbidden):
		code = fiber.StatusForbidden
	case errors.Is(err, hub.ErrBadRequest), errors.Is(err, hub.ErrEmptyMessage):
		code = fiber.StatusBadRequest
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func first(v []string) string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}
