package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pelusa-v/pelusa-inbox/internal/channel"
	"github.com/pelusa-v/pelusa-inbox/internal/chat"
	"github.com/pelusa-v/pelusa-inbox/internal/logger"
	"github.com/pelusa-v/pelusa-inbox/internal/metrics"
)

var (
	ErrNoConversation = errors.New("timeline: no conversation open")
	ErrLoading        = errors.New("timeline: conversation still loading")
	ErrNotLoaded      = errors.New("timeline: conversation could not be loaded")
	// ErrStale is returned for results that belong to a conversation that
	// has since been closed or reopened.
	ErrStale = errors.New("timeline: stale session")
)

// Fetcher loads a conversation and its history.
type Fetcher interface {
	Conversation(ctx context.Context, id string) (chat.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]chat.Message, error)
}

// Marker is told when a conversation has been opened so it can be marked
// read.
type Marker interface {
	MarkRead(ctx context.Context, conversationID string)
}

// Token ties an optimistic entry to the open session it was created in.
// Peer is the other participant as loaded for that session.
type Token struct {
	ConversationID string
	Peer           chat.UserID
	gen            uint64
}

type Options struct {
	Me      chat.UserID
	API     Fetcher
	Marker  Marker
	Logger  *slog.Logger
	Metrics *metrics.Client
}

// Timeline is the ordered message list of the one open conversation.
type Timeline struct {
	me      chat.UserID
	api     Fetcher
	marker  Marker
	logger  *slog.Logger
	metrics *metrics.Client

	mu       sync.Mutex
	gen      uint64
	convID   string
	conv     chat.Conversation
	entries  []Entry
	seen     map[string]struct{}
	loading  bool
	buffered []chat.Message
	err      error

	updates chan struct{}
}

func New(opts Options) *Timeline {
	return &Timeline{
		me:      opts.Me,
		api:     opts.API,
		marker:  opts.Marker,
		logger:  logger.Or(opts.Logger).With("component", "inbox.timeline"),
		metrics: opts.Metrics,
		seen:    map[string]struct{}{},
		updates: make(chan struct{}, 1),
	}
}

// Open replaces whatever was open with conversationID: the seen ids and all
// pending entries are dropped, the conversation and its history are fetched
// and the conversation is marked read. Events for the conversation that
// arrive while the history is loading are merged after it.
func (t *Timeline) Open(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.convID = conversationID
	t.conv = chat.Conversation{}
	t.entries = nil
	t.seen = map[string]struct{}{}
	t.loading = true
	t.buffered = nil
	t.err = nil
	t.mu.Unlock()
	t.notify()

	ctx = logger.WithLogFields(ctx, logger.LogFields{ConversationID: conversationID})
	conv, history, err := t.load(ctx, conversationID)

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return ErrStale
	}
	t.loading = false
	if err != nil {
		t.err = err
		t.buffered = nil
		t.mu.Unlock()
		t.logger.WarnContext(ctx, "could not load conversation", "error", err)
		t.notify()
		return err
	}
	t.conv = conv
	for _, m := range history {
		t.ingestLocked(m, false)
	}
	for _, m := range t.buffered {
		t.ingestLocked(m, true)
	}
	t.buffered = nil
	n := len(t.entries)
	t.mu.Unlock()

	t.logger.DebugContext(ctx, "conversation opened", "messages", n)
	t.notify()
	if t.marker != nil {
		t.marker.MarkRead(ctx, conversationID)
	}
	return nil
}

func (t *Timeline) load(ctx context.Context, id string) (chat.Conversation, []chat.Message, error) {
	conv, err := t.api.Conversation(ctx, id)
	if err != nil {
		return chat.Conversation{}, nil, fmt.Errorf("load conversation: %w", err)
	}
	history, err := t.api.Messages(ctx, id)
	if err != nil {
		return chat.Conversation{}, nil, fmt.Errorf("load messages: %w", err)
	}
	return conv, history, nil
}

// Close forgets the open conversation. Results of in-flight sends are
// ignored from here on.
func (t *Timeline) Close() {
	t.mu.Lock()
	t.gen++
	t.convID = ""
	t.conv = chat.Conversation{}
	t.entries = nil
	t.seen = map[string]struct{}{}
	t.loading = false
	t.buffered = nil
	t.err = nil
	t.mu.Unlock()
	t.notify()
}

// AppendFromEvent adds a message delivered on the event channel. It reports
// whether the timeline changed. Messages for other conversations and ids
// already seen in this session are ignored.
func (t *Timeline) AppendFromEvent(m chat.Message) bool {
	t.mu.Lock()
	if t.convID == "" || m.ConversationID != t.convID {
		t.mu.Unlock()
		return false
	}
	if t.loading {
		t.buffered = append(t.buffered, m)
		t.mu.Unlock()
		return false
	}
	changed := t.ingestLocked(m, true)
	t.mu.Unlock()
	if changed {
		t.notify()
	}
	return changed
}

// ingestLocked appends m unless its id was seen. My own message that echoes
// a pending entry replaces that entry in place.
func (t *Timeline) ingestLocked(m chat.Message, countDup bool) bool {
	if _, ok := t.seen[m.ID]; ok {
		if countDup {
			t.metrics.DuplicateDropped()
		}
		return false
	}
	t.seen[m.ID] = struct{}{}
	if m.IsMine(t.me) {
		if i := t.pendingMatchLocked(m); i >= 0 {
			t.entries[i] = Entry{Message: m}
			return true
		}
	}
	t.entries = append(t.entries, Entry{Message: m})
	return true
}

// pendingMatchLocked finds the pending entry m confirms: by client id when
// the server echoed one, else the oldest pending entry with the same text.
func (t *Timeline) pendingMatchLocked(m chat.Message) int {
	if m.ClientID != "" {
		return indexOfTemp(t.entries, m.ClientID)
	}
	for i, e := range t.entries {
		if e.Pending() && e.Text == m.Text && len(e.Attachments) == len(m.Attachments) {
			return i
		}
	}
	return -1
}

// AppendPending adds an optimistic entry for msg, whose ID must be a
// temporary id. A non-empty msg.ConversationID must name the open
// conversation. The entry is refused while the history is loading so it can
// never land ahead of older messages. The returned token carries the
// receiver and must accompany Confirm and Rollback.
func (t *Timeline) AppendPending(msg chat.Message) (Token, error) {
	if !chat.IsTempID(msg.ID) {
		return Token{}, fmt.Errorf("timeline: %q is not a temporary id", msg.ID)
	}
	t.mu.Lock()
	switch {
	case t.convID == "":
		t.mu.Unlock()
		return Token{}, ErrNoConversation
	case msg.ConversationID != "" && msg.ConversationID != t.convID:
		t.mu.Unlock()
		return Token{}, ErrStale
	case t.loading:
		t.mu.Unlock()
		return Token{}, ErrLoading
	case t.conv.ID == "":
		t.mu.Unlock()
		return Token{}, ErrNotLoaded
	}
	peer := t.conv.Other(t.me).ID
	msg.ConversationID = t.convID
	msg.Status = chat.StatusSending
	if msg.Sender == "" {
		msg.Sender = t.me
	}
	if msg.Receiver == "" {
		msg.Receiver = peer
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	t.entries = append(t.entries, Entry{Message: msg, TempID: msg.ID})
	tok := Token{ConversationID: t.convID, Peer: peer, gen: t.gen}
	t.mu.Unlock()
	t.notify()
	return tok, nil
}

// Valid reports whether tok still belongs to the open session.
func (t *Timeline) Valid(tok Token) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.validLocked(tok)
}

func (t *Timeline) validLocked(tok Token) bool {
	return tok.ConversationID != "" && tok.ConversationID == t.convID && tok.gen == t.gen
}

// Confirm replaces the pending entry tempID with the server's message, at
// the same position. If the message already arrived as an echo the pending
// entry is simply dropped.
func (t *Timeline) Confirm(tok Token, tempID string, confirmed chat.Message) error {
	t.mu.Lock()
	if !t.validLocked(tok) {
		t.mu.Unlock()
		return ErrStale
	}
	if _, ok := t.seen[confirmed.ID]; ok {
		t.entries = Remove(t.entries, tempID)
	} else if indexOfTemp(t.entries, tempID) >= 0 {
		t.seen[confirmed.ID] = struct{}{}
		t.entries = Reconcile(t.entries, tempID, confirmed)
	}
	t.mu.Unlock()
	t.notify()
	return nil
}

// Rollback removes the pending entry tempID.
func (t *Timeline) Rollback(tok Token, tempID string) error {
	t.mu.Lock()
	if !t.validLocked(tok) {
		t.mu.Unlock()
		return ErrStale
	}
	t.entries = Remove(t.entries, tempID)
	t.mu.Unlock()
	t.notify()
	return nil
}

// PatchStatus applies mutate to every message match selects and returns how
// many were changed in place.
func (t *Timeline) PatchStatus(match func(chat.Message) bool, mutate func(*chat.Message)) int {
	t.mu.Lock()
	n := 0
	for i := range t.entries {
		if match(t.entries[i].Message) {
			mutate(&t.entries[i].Message)
			n++
		}
	}
	t.mu.Unlock()
	if n > 0 {
		t.notify()
	}
	return n
}

// MarkSeenByPeer upgrades my sent messages to seen when the other
// participant has read conversationID.
func (t *Timeline) MarkSeenByPeer(conversationID string) int {
	if conversationID == "" || conversationID != t.ConversationID() {
		return 0
	}
	return t.PatchStatus(
		func(m chat.Message) bool { return m.IsMine(t.me) && m.Status == chat.StatusSent },
		func(m *chat.Message) { m.Status = chat.StatusSeen },
	)
}

// ApplyEdit replaces text and attachments of a message already shown.
func (t *Timeline) ApplyEdit(edited chat.Message) bool {
	if edited.ConversationID != t.ConversationID() {
		return false
	}
	return t.PatchStatus(
		func(m chat.Message) bool { return m.ID == edited.ID },
		func(m *chat.Message) {
			m.Text = edited.Text
			m.Attachments = edited.Attachments
			m.EditedAt = edited.EditedAt
			if m.EditedAt == nil {
				now := time.Now()
				m.EditedAt = &now
			}
		},
	) > 0
}

// Catchup fetches the history again and appends what was missed, e.g. while
// the event channel was reconnecting.
func (t *Timeline) Catchup(ctx context.Context) (int, error) {
	t.mu.Lock()
	convID, gen, loading := t.convID, t.gen, t.loading
	t.mu.Unlock()
	if convID == "" || loading {
		return 0, nil
	}

	history, err := t.api.Messages(ctx, convID)
	if err != nil {
		t.logger.WarnContext(ctx, "catch-up failed", "conversation_id", convID, "error", err)
		return 0, err
	}

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return 0, ErrStale
	}
	added := 0
	for _, m := range history {
		if t.ingestLocked(m, false) {
			added++
		}
	}
	t.mu.Unlock()
	if added > 0 {
		t.logger.InfoContext(ctx, "caught up after reconnect", "conversation_id", convID, "added", added)
		t.notify()
	}
	return added, nil
}

// Bind routes the conversation-scoped events to the timeline.
func (t *Timeline) Bind(sub channel.Subscriber, key string) (dispose func()) {
	disposers := []func(){
		sub.RegisterSafe(chat.EventMessageNew, func(ev chat.Event) {
			t.AppendFromEvent(ev.(chat.MessageNew).Message)
		}, key),
		sub.RegisterSafe(chat.EventMessageEdited, func(ev chat.Event) {
			t.ApplyEdit(ev.(chat.MessageEdited).Message)
		}, key),
		sub.RegisterSafe(chat.EventMessagesSeen, func(ev chat.Event) {
			t.MarkSeenByPeer(ev.(chat.MessagesSeen).ConversationID)
		}, key),
	}
	return func() {
		for _, d := range disposers {
			d()
		}
	}
}

// Stable reports whether every entry carries a server id.
func (t *Timeline) Stable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.Pending() {
			return false
		}
	}
	return true
}

func (t *Timeline) Messages() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Entry(nil), t.entries...)
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Timeline) ConversationID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.convID
}

func (t *Timeline) Conversation() chat.Conversation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conv
}

// Peer is the other participant of the open conversation.
func (t *Timeline) Peer() chat.UserRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conv.Other(t.me)
}

func (t *Timeline) Loading() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loading
}

// Err is the "could not load" state of the last Open.
func (t *Timeline) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Updates signals after every change. Signals are coalesced.
func (t *Timeline) Updates() <-chan struct{} { return t.updates }

func (t *Timeline) notify() {
	select {
	case t.updates <- struct{}{}:
	default:
	}
}
