package inbox

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/pelusa-v/pelusa-inbox/internal/channel"
	"github.com/pelusa-v/pelusa-inbox/internal/chat"
	"github.com/pelusa-v/pelusa-inbox/internal/logger"
)

// Lister fetches the inbox rows.
type Lister interface {
	Conversations(ctx context.Context) ([]chat.ConversationSummary, error)
}

// Store holds the conversation list for the authenticated user. Every
// mutation replaces the full list with a fresh fetch; events only say "the
// list may be stale".
type Store struct {
	api    Lister
	logger *slog.Logger

	mu      sync.RWMutex
	list    []chat.ConversationSummary
	err     error
	loaded  bool
	seq     uint64 // last refresh started
	applied uint64 // last refresh whose result was kept

	kick    chan struct{}
	updates chan struct{}
}

func New(api Lister, l *slog.Logger) *Store {
	return &Store{
		api:     api,
		logger:  logger.Or(l).With("component", "inbox.store"),
		kick:    make(chan struct{}, 1),
		updates: make(chan struct{}, 1),
	}
}

// Refresh refetches the list. On failure the previous list is kept and the
// error is remembered until the next successful refresh. There is no retry.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	list, err := s.api.Conversations(ctx)

	s.mu.Lock()
	if seq < s.applied {
		s.mu.Unlock()
		return err
	}
	s.applied = seq
	if err != nil {
		s.err = err
		s.mu.Unlock()
		s.logger.WarnContext(ctx, "could not load conversations", "error", err)
		s.notify()
		return err
	}
	s.list = list
	s.err = nil
	s.loaded = true
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "conversations refreshed", "count", len(list))
	s.notify()
	return nil
}

// RequestRefresh asks the worker started by Run for a refresh. Requests made
// while one is pending collapse into it.
func (s *Store) RequestRefresh() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run serves refresh requests until ctx is done.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			_ = s.Refresh(ctx)
		}
	}
}

// Bind subscribes the store to the events that make it stale. The handlers
// only queue a refresh, so they never block the channel's read loop.
func (s *Store) Bind(sub channel.Subscriber, key string) (dispose func()) {
	refresh := func(chat.Event) { s.RequestRefresh() }
	var disposers []func()
	for _, ev := range []chat.EventName{
		chat.EventMessageNew,
		chat.EventConversationUpdate,
		chat.EventConversationNew,
		chat.EventConnected,
	} {
		disposers = append(disposers, sub.RegisterSafe(ev, refresh, key))
	}
	return func() {
		for _, d := range disposers {
			d()
		}
	}
}

// Updates signals after each refresh attempt. Signals are coalesced.
func (s *Store) Updates() <-chan struct{} { return s.updates }

func (s *Store) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Store) List() []chat.ConversationSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]chat.ConversationSummary(nil), s.list...)
}

// Err is the "could not load" state of the last refresh.
func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

func (s *Store) Get(conversationID string) (chat.ConversationSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.list {
		if c.ConversationID == conversationID {
			return c, true
		}
	}
	return chat.ConversationSummary{}, false
}

// Search filters the list by the other participant's name, ignoring case.
// An empty query matches everything.
func (s *Store) Search(q string) []chat.ConversationSummary {
	q = strings.ToLower(strings.TrimSpace(q))
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chat.ConversationSummary, 0, len(s.list))
	for _, c := range s.list {
		if q == "" || strings.Contains(strings.ToLower(c.OtherUser.Name), q) {
			out = append(out, c)
		}
	}
	return out
}

func (s *Store) UnreadTotal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.list {
		n += c.UnreadCount
	}
	return n
}
