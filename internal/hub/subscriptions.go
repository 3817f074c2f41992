package hub

import (
	"sort"

	"github.com/pelusa-v/pelusa-inbox/internal/chat"
)

// Subscriptions indexes conversations by participant and by participant
// pair. Guarded by Manager.mu.
type Subscriptions struct {
	UserConversations map[chat.UserID]map[string]bool
	Pairs             map[pairKey]string // pair -> conversation id
}

type pairKey struct{ a, b chat.UserID }

// pairOf is order-independent: (u1,u2) and (u2,u1) are the same pair.
func pairOf(x, y chat.UserID) pairKey {
	if x > y {
		x, y = y, x
	}
	return pairKey{a: x, b: y}
}

func newSubscriptions() *Subscriptions {
	return &Subscriptions{
		UserConversations: map[chat.UserID]map[string]bool{},
		Pairs:             map[pairKey]string{},
	}
}

func (s *Subscriptions) subscribe(user chat.UserID, conversationID string) {
	if _, ok := s.UserConversations[user]; !ok {
		s.UserConversations[user] = map[string]bool{}
	}
	s.UserConversations[user][conversationID] = true
}

func (s *Subscriptions) add(conv *conversation) {
	for _, p := range conv.Participants {
		s.subscribe(p.ID, conv.ID)
	}
	if len(conv.Participants) == 2 {
		s.Pairs[pairOf(conv.Participants[0].ID, conv.Participants[1].ID)] = conv.ID
	}
}

func (s *Subscriptions) byPair(x, y chat.UserID) (string, bool) {
	id, ok := s.Pairs[pairOf(x, y)]
	return id, ok
}

func (s *Subscriptions) conversationsOf(user chat.UserID) map[string]bool {
	return s.UserConversations[user]
}

// sortedConversationIDs is conversationsOf in a stable order.
func (s *Subscriptions) sortedConversationIDs(user chat.UserID) []string {
	ids := make([]string, 0, len(s.UserConversations[user]))
	for id := range s.UserConversations[user] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
