package hub

import (
	"github.com/gofiber/contrib/websocket"

	"github.com/pelusa-v/pelusa-inbox/internal/chat"
	"github.com/pelusa-v/pelusa-inbox/internal/logger"
)

// Client is one event socket of an authenticated user.
type Client struct {
	User chat.UserID
	Conn ConnLike
	Send chan []byte

	hub    *Manager
	joined bool // guarded by hub.mu
}

type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

func (m *Manager) NewClient(user chat.UserID, conn ConnLike) *Client {
	return &Client{User: user, Conn: conn, Send: make(chan []byte, 64), hub: m}
}

// ReadPump decodes frames until the socket fails. Invalid frames are
// skipped.
func (c *Client) ReadPump() error {
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, err := chat.DecodeFrame(data)
		if err != nil {
			c.hub.logger.Debug("dropping invalid client frame", "user_id", c.User, "error", err, "frame", logger.Truncate(string(data), 200))
			continue
		}
		select {
		case c.hub.inboundChan <- inbound{from: c, ev: ev}:
		case <-c.hub.done:
			return nil
		}
	}
}

// WritePump writes queued frames until Send is closed.
func (c *Client) WritePump() {
	for data := range c.Send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.hub.logger.Debug("socket write failed", "user_id", c.User, "error", err)
			_ = c.Conn.Close()
			for range c.Send {
			}
			return
		}
	}
}

// Serve registers c and pumps it until the socket closes.
func (c *Client) Serve() {
	c.hub.Register(c)
	defer c.hub.Unregister(c)
	go c.WritePump()
	if err := c.ReadPump(); err != nil {
		c.hub.logger.Debug("socket closed", "user_id", c.User, "error", err)
	}
}
