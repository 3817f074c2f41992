package hub

import (
	"fmt"
	"sort"
	"time"

	"github.com/pelusa-v/pelusa-inbox/internal/chat"
)

type conversation struct {
	chat.Conversation
	messages  []*chat.Message
	unread    map[chat.UserID]int
	updatedAt time.Time
}

// viewFor renders the conversation as user sees it.
func (c *conversation) viewFor(user chat.UserID) chat.Conversation {
	out := c.Conversation
	out.Participants = append([]chat.UserRef(nil), c.Participants...)
	out.UnreadCount = c.unread[user]
	if n := len(c.messages); n > 0 {
		out.LastMessage = c.messages[n-1].Summary()
	}
	return out
}

func (c *conversation) summaryFor(user chat.UserID) chat.ConversationSummary {
	v := c.viewFor(user)
	return chat.ConversationSummary{
		ConversationID: c.ID,
		OtherUser:      c.Other(user),
		LastMessage:    v.LastMessage,
		UnreadCount:    v.UnreadCount,
	}
}

// participantConv returns the conversation id if user takes part in it.
// Callers hold m.mu.
func (m *Manager) participantConv(user chat.UserID, id string) (*conversation, error) {
	conv, ok := m.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if !conv.Has(user) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrForbidden)
	}
	return conv, nil
}

// Conversations is user's inbox, most recently active first.
func (m *Manager) Conversations(user chat.UserID) []chat.ConversationSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.subs.sortedConversationIDs(user)
	convs := make([]*conversation, 0, len(ids))
	for _, id := range ids {
		if c := m.conversations[id]; c != nil {
			convs = append(convs, c)
		}
	}
	sort.SliceStable(convs, func(i, j int) bool { return convs[i].updatedAt.After(convs[j].updatedAt) })

	out := make([]chat.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, c.summaryFor(user))
	}
	return out
}

func (m *Manager) Conversation(user chat.UserID, id string) (chat.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, err := m.participantConv(user, id)
	if err != nil {
		return chat.Conversation{}, err
	}
	return conv.viewFor(user), nil
}

// StartConversation opens a conversation between from and req.ToUserID.
// There is at most one conversation per pair: a second start answers with
// the existing one, flagged when it was asked for a different task or
// proposal.
func (m *Manager) StartConversation(from chat.UserID, req chat.StartRequest) (chat.StartResult, error) {
	if req.ToUserID == "" || req.ToUserID == from {
		return chat.StartResult{}, fmt.Errorf("toUserId: %w", ErrBadRequest)
	}

	m.mu.Lock()
	me, ok := m.users[from]
	if !ok {
		m.mu.Unlock()
		return chat.StartResult{}, fmt.Errorf("user %s: %w", from, ErrUnknownUser)
	}
	to, ok := m.users[req.ToUserID]
	if !ok {
		m.mu.Unlock()
		return chat.StartResult{}, fmt.Errorf("user %s: %w", req.ToUserID, ErrUnknownUser)
	}

	if id, ok := m.subs.byPair(from, req.ToUserID); ok {
		conv := m.conversations[id]
		res := chat.StartResult{
			Conversation:         conv.viewFor(from),
			ExistingConversation: true,
			IsDifferentContext:   req.TaskID != conv.TaskID || req.ProposalID != conv.ProposalID,
			RecipientName:        to.Name,
		}
		m.mu.Unlock()
		return res, nil
	}

	now := time.Now().UTC()
	conv := &conversation{
		Conversation: chat.Conversation{
			ID:           m.nextID(),
			Participants: []chat.UserRef{me, to},
			TaskID:       req.TaskID,
			ProposalID:   req.ProposalID,
		},
		unread:    map[chat.UserID]int{},
		updatedAt: now,
	}
	m.conversations[conv.ID] = conv
	m.subs.add(conv)
	res := chat.StartResult{Conversation: conv.viewFor(from), RecipientName: to.Name}
	m.mu.Unlock()

	m.logger.Info("conversation started", "conversation_id", conv.ID, "user_id", from, "to_user_id", req.ToUserID)
	m.publish(chat.ConversationNew{ConversationID: conv.ID}, from, req.ToUserID)
	return res, nil
}

// MarkConversationRead marks every message sent to user as seen, resets
// the unread counter and tells the sender.
func (m *Manager) MarkConversationRead(user chat.UserID, id string) error {
	m.mu.Lock()
	conv, err := m.participantConv(user, id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	for _, msg := range conv.messages {
		if msg.Receiver == user && msg.Status != chat.StatusSeen {
			msg.Status = chat.StatusSeen
		}
	}
	conv.unread[user] = 0
	other := conv.Other(user).ID
	m.mu.Unlock()

	m.publish(chat.MessagesSeen{ConversationID: id, SeenAt: time.Now().UTC()}, other)
	m.publish(chat.ConversationUpdate{ConversationID: id}, user, other)
	return nil
}
