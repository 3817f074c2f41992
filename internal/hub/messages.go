package hub

import (
	"fmt"
	"strings"
	"time"

	"github.com/pelusa-v/pelusa-inbox/internal/chat"
)

// Upload is one attachment part of a POST /messages request.
type Upload struct {
	FileName string
	Data     []byte
}

type NewMessage struct {
	ConversationID string
	Receiver       chat.UserID
	Text           string
	ClientID       string
	Uploads        []Upload
}

func (m *Manager) Messages(user chat.UserID, conversationID string) ([]chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, err := m.participantConv(user, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]chat.Message, len(conv.messages))
	for i, msg := range conv.messages {
		out[i] = *msg
	}
	return out, nil
}

// PostMessage stores a message from sender and pushes it to both
// participants, the sender's own sockets included.
func (m *Manager) PostMessage(sender chat.UserID, in NewMessage) (chat.Message, error) {
	if strings.TrimSpace(in.Text) == "" && len(in.Uploads) == 0 {
		return chat.Message{}, ErrEmptyMessage
	}

	m.mu.RLock()
	_, err := m.postTarget(sender, in)
	m.mu.RUnlock()
	if err != nil {
		return chat.Message{}, err
	}

	// files are sniffed before taking the write lock
	attachments := make([]chat.Attachment, 0, len(in.Uploads))
	stored := make([]string, 0, len(in.Uploads))
	for _, up := range in.Uploads {
		id := m.nextID()
		a, err := m.files.Put(id, up.FileName, up.Data)
		if err != nil {
			m.files.Delete(stored...)
			return chat.Message{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		stored = append(stored, id)
		attachments = append(attachments, a)
	}

	m.mu.Lock()
	conv, err := m.postTarget(sender, in)
	if err != nil {
		m.mu.Unlock()
		m.files.Delete(stored...)
		return chat.Message{}, err
	}
	receiver := conv.Other(sender).ID

	now := time.Now().UTC()
	msg := &chat.Message{
		ID:             m.nextID(),
		ConversationID: conv.ID,
		Sender:         sender,
		Receiver:       receiver,
		Text:           in.Text,
		Attachments:    attachments,
		CreatedAt:      now,
		Status:         chat.StatusSent,
		ClientID:       in.ClientID,
	}
	conv.messages = append(conv.messages, msg)
	conv.unread[receiver]++
	conv.updatedAt = now
	m.messages[msg.ID] = msg
	out := *msg
	m.mu.Unlock()

	m.metrics.MessagesStored.Inc()
	m.logger.Debug("message stored", "conversation_id", out.ConversationID, "message_id", out.ID, "user_id", sender)
	m.publish(chat.MessageNew{Message: out}, receiver, sender)
	m.publish(chat.ConversationUpdate{ConversationID: out.ConversationID}, receiver, sender)
	return out, nil
}

// postTarget returns the conversation a post from sender goes to. The
// caller holds m.mu.
func (m *Manager) postTarget(sender chat.UserID, in NewMessage) (*conversation, error) {
	conv, err := m.participantConv(sender, in.ConversationID)
	if err != nil {
		return nil, err
	}
	if receiver := conv.Other(sender).ID; in.Receiver != "" && in.Receiver != receiver {
		return nil, fmt.Errorf("receiverId %s is not in the conversation: %w", in.Receiver, ErrBadRequest)
	}
	return conv, nil
}

// MarkMessageRead marks one message addressed to user as seen.
func (m *Manager) MarkMessageRead(user chat.UserID, messageID string) error {
	m.mu.Lock()
	msg, ok := m.messages[messageID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if msg.Receiver != user {
		m.mu.Unlock()
		return fmt.Errorf("message %s: %w", messageID, ErrForbidden)
	}
	conv := m.conversations[msg.ConversationID]
	changed := msg.Status != chat.StatusSeen
	msg.Status = chat.StatusSeen
	unread := 0
	for _, x := range conv.messages {
		if x.Receiver == user && x.Status != chat.StatusSeen {
			unread++
		}
	}
	conv.unread[user] = unread
	sender := msg.Sender
	m.mu.Unlock()

	if changed {
		m.publish(chat.MessagesSeen{ConversationID: msg.ConversationID, SeenAt: time.Now().UTC()}, sender)
	}
	m.publish(chat.ConversationUpdate{ConversationID: msg.ConversationID}, user, sender)
	return nil
}

// EditMessage replaces the text of a message user sent.
func (m *Manager) EditMessage(user chat.UserID, messageID, text string) (chat.Message, error) {
	if strings.TrimSpace(text) == "" {
		return chat.Message{}, ErrEmptyMessage
	}
	m.mu.Lock()
	msg, ok := m.messages[messageID]
	if !ok {
		m.mu.Unlock()
		return chat.Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if msg.Sender != user {
		m.mu.Unlock()
		return chat.Message{}, fmt.Errorf("message %s: %w", messageID, ErrForbidden)
	}
	now := time.Now().UTC()
	msg.Text = text
	msg.EditedAt = &now
	out := *msg
	m.mu.Unlock()

	m.publish(chat.MessageEdited{Message: out}, out.Sender, out.Receiver)
	return out, nil
}
